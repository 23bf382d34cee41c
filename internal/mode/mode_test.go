package mode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	output map[string]string
	fail   map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name, args})
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	return []byte(f.output[name]), nil
}

type memJournal struct {
	mu      sync.Mutex
	results []Result
}

func (j *memJournal) Record(_ context.Context, r Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, r)
	return nil
}

func TestParseQR(t *testing.T) {
	tests := []struct {
		in   string
		want WiFiConfig
	}{
		{"APMODE5gch36", WiFiConfig{Mode: "ap", Band: "5g", HWMode: "a", Channel: 36}},
		{"apmode2.4gCH6", WiFiConfig{Mode: "ap", Band: "2.4g", HWMode: "g", Channel: 6}},
		{"WIFI:T:WPA;S:Home;P:secret;;", WiFiConfig{Mode: "sta", Security: "WPA", SSID: "Home", Password: "secret"}},
		{"WIFI:T:WPA;S:Home;P:secret;H:false;;", WiFiConfig{Mode: "sta", Security: "WPA", SSID: "Home", Password: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQR(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "APMODE5gch6", "APMODE2.4gch36", "APMODE6gch1", "hello", "WIFI:S:x;;"} {
		_, err := ParseQR(bad)
		assert.ErrorIs(t, err, ErrInvalidQR, bad)
	}
}

func TestDispatchRecordsOutcome(t *testing.T) {
	j := &memJournal{}
	d := NewDispatcher(time.Second, j)
	d.Register("ok", func(context.Context) (string, error) { return "done", nil })
	d.Register("bad", func(context.Context) (string, error) { return "", errors.New("boom") })

	res := d.Dispatch(context.Background(), "ok", 75)
	assert.True(t, res.OK)
	assert.Equal(t, "done", res.Message)
	assert.NotEmpty(t, res.ID)

	res = d.Dispatch(context.Background(), "bad", 25)
	assert.False(t, res.OK)
	assert.Equal(t, "boom", res.Message)

	res = d.Dispatch(context.Background(), "nope", 10)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, ErrUnknownCode.Error())

	require.Len(t, j.results, 3)
	assert.Equal(t, "ok", j.results[0].Code)
	assert.Equal(t, 25.0, j.results[1].Duty)
	assert.NotEqual(t, j.results[0].ID, j.results[1].ID)
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher(0, nil)
	d.Register("p", func(context.Context) (string, error) { panic("kaboom") })
	res := d.Dispatch(context.Background(), "p", 50)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "kaboom")
}

func TestDispatchAppliesTimeout(t *testing.T) {
	d := NewDispatcher(20*time.Millisecond, nil)
	d.Register("slow", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	res := d.Dispatch(context.Background(), "slow", 50)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, context.DeadlineExceeded.Error())
}

func modesConfig(t *testing.T) config.Modes {
	dir := t.TempDir()
	ctl := filepath.Join(dir, "factoryctl")
	require.NoError(t, os.WriteFile(ctl, []byte("#!/bin/sh\n"), 0o755))
	snap := filepath.Join(dir, "factory")
	require.NoError(t, os.Mkdir(snap, 0o755))
	return config.Modes{
		FactoryCtl: ctl,
		FactoryDir: snap,
		APScript:   "/opt/ap.sh",
		STAScript:  "/opt/sta.sh",
		QRReader:   []string{"qr-read", "--timeout", "30"},
	}
}

func TestRecoveryRequiresSnapshot(t *testing.T) {
	cfg := modesConfig(t)
	r := &fakeRunner{}
	a := NewActions(cfg, r)

	_, err := a.Recovery(context.Background())
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"restore", "-y", "--ap"}, r.calls[0].args)

	cfg.FactoryDir = filepath.Join(t.TempDir(), "missing")
	_, err = NewActions(cfg, r).Recovery(context.Background())
	assert.Error(t, err)
	assert.Len(t, r.calls, 1, "factoryctl not run without a snapshot")
}

func TestQRActionConfiguresNetwork(t *testing.T) {
	cfg := modesConfig(t)

	r := &fakeRunner{output: map[string]string{"qr-read": "\nAPMODE5gch149\n"}}
	msg, err := NewActions(cfg, r).QR(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "149")
	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"--timeout", "30"}, r.calls[0].args)
	assert.Equal(t, "/opt/ap.sh", r.calls[1].name)
	assert.Equal(t, "--band 5g --hw-mode a --channel 149", strings.Join(r.calls[1].args, " "))

	r = &fakeRunner{output: map[string]string{"qr-read": "WIFI:T:WPA;S:Home;P:pw;;"}}
	_, err = NewActions(cfg, r).QR(context.Background())
	require.NoError(t, err)
	require.Len(t, r.calls, 2)
	assert.Equal(t, "/opt/sta.sh", r.calls[1].name)
	assert.Contains(t, r.calls[1].args, "Home")

	r = &fakeRunner{output: map[string]string{"qr-read": "garbage"}}
	_, err = NewActions(cfg, r).QR(context.Background())
	assert.ErrorIs(t, err, ErrInvalidQR)
	assert.Len(t, r.calls, 1)
}

func TestInstallRegistersAllCodes(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	r := &fakeRunner{fail: map[string]error{"/opt/ap.sh": errors.New("exit status 1")}}
	NewActions(modesConfig(t), r).Install(d)
	for _, code := range []string{config.CodeRecovery, config.CodeAltAP, config.CodeQR} {
		assert.True(t, d.Has(code), code)
	}

	res := d.Dispatch(context.Background(), config.CodeAltAP, 50)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "exit status 1")
}
