package mode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, lastLine(ee.Stderr))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Actions holds the command-backed implementations of each mode code.
type Actions struct {
	cfg    config.Modes
	runner Runner
}

// NewActions returns actions running through r. A nil r uses ExecRunner.
func NewActions(cfg config.Modes, r Runner) *Actions {
	if r == nil {
		r = ExecRunner{}
	}
	return &Actions{cfg: cfg, runner: r}
}

// Install registers every action on d under its mode code.
func (a *Actions) Install(d *Dispatcher) {
	d.Register(config.CodeRecovery, a.Recovery)
	d.Register(config.CodeAltAP, a.AltAP)
	d.Register(config.CodeQR, a.QR)
}

// Recovery restores the factory snapshot into AP mode. Both the factoryctl
// binary and the snapshot directory must exist.
func (a *Actions) Recovery(ctx context.Context) (string, error) {
	if _, err := os.Stat(a.cfg.FactoryCtl); err != nil {
		return "", fmt.Errorf("factoryctl not found: %w", err)
	}
	if _, err := os.Stat(a.cfg.FactoryDir); err != nil {
		return "", fmt.Errorf("factory snapshot not found: %w", err)
	}
	if _, err := a.runner.Run(ctx, a.cfg.FactoryCtl, "restore", "-y", "--ap"); err != nil {
		return "", fmt.Errorf("factory restore: %w", err)
	}
	return "factory restore completed", nil
}

// AltAP switches to the alternate access-point configuration.
func (a *Actions) AltAP(ctx context.Context) (string, error) {
	if a.cfg.APScript == "" {
		return "", errors.New("no AP script configured")
	}
	if _, err := a.runner.Run(ctx, a.cfg.APScript); err != nil {
		return "", fmt.Errorf("ap mode: %w", err)
	}
	return "access point mode enabled", nil
}

// QR reads a code with the configured reader and applies the network
// configuration it carries.
func (a *Actions) QR(ctx context.Context) (string, error) {
	if len(a.cfg.QRReader) == 0 {
		return "", errors.New("no QR reader configured")
	}
	out, err := a.runner.Run(ctx, a.cfg.QRReader[0], a.cfg.QRReader[1:]...)
	if err != nil {
		return "", fmt.Errorf("qr read: %w", err)
	}
	payload := firstLine(out)
	if payload == "" {
		return "", errors.New("qr read: no code found")
	}

	wc, err := ParseQR(payload)
	if err != nil {
		return "", err
	}
	switch wc.Mode {
	case "ap":
		if _, err := a.runner.Run(ctx, a.cfg.APScript,
			"--band", wc.Band, "--hw-mode", wc.HWMode, "--channel", strconv.Itoa(wc.Channel)); err != nil {
			return "", fmt.Errorf("ap configure: %w", err)
		}
		return fmt.Sprintf("access point on %s channel %d", wc.Band, wc.Channel), nil
	default:
		if _, err := a.runner.Run(ctx, a.cfg.STAScript,
			"--ssid", wc.SSID, "--password", wc.Password, "--security", wc.Security); err != nil {
			return "", fmt.Errorf("station configure: %w", err)
		}
		return fmt.Sprintf("joined %s", wc.SSID), nil
	}
}

func firstLine(b []byte) string {
	for _, line := range bytes.Split(b, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			return s
		}
	}
	return ""
}
