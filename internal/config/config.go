package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads JSON as either a Go duration
// string ("500ms") or a number of seconds (0.5).
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Band configures one duty-cycle mode code.
type Band struct {
	Code      string  `json:"code"`
	Center    float64 `json:"center"`
	Tolerance float64 `json:"tolerance"`
	// Cooldown, when non-zero, is tracked for this band alone instead of
	// arming the shared timer.
	Cooldown Duration `json:"cooldown,omitempty"`
}

// Recording holds the trigger-line recorder settings.
type Recording struct {
	RecordsRoot    string   `json:"records_root"`
	SessionPrefix  string   `json:"session_prefix"`
	QueueCapacity  int      `json:"queue_capacity"`
	DefaultFPS     float64  `json:"default_fps"`
	MinFPS         float64  `json:"min_fps"`
	MaxFPS         float64  `json:"max_fps"`
	FPSHistory     int      `json:"fps_history"`
	FPSMinSamples  int      `json:"fps_min_samples"`
	FillGaps       bool     `json:"fill_gaps"`
	FillMaxGap     Duration `json:"fill_max_gap"`
	MinDuration    Duration `json:"min_duration"`
	DequeueWait    Duration `json:"dequeue_wait"`
	Encoder        string   `json:"encoder"`
	FFmpegPath     string   `json:"ffmpeg_path"`
	JPEGQuality    int      `json:"jpeg_quality"`
	Line           string   `json:"line"`
	ActiveLow      bool     `json:"active_low"`
	EdgeTimeout    Duration `json:"edge_timeout"`
	PollInterval   Duration `json:"poll_interval"`
	Heartbeat      Duration `json:"heartbeat"`
	FeedURL        string   `json:"feed_url"`
	FeedBackoffMin Duration `json:"feed_backoff_min"`
	FeedBackoffMax Duration `json:"feed_backoff_max"`
}

// PWM holds the duty decoder settings.
type PWM struct {
	Enabled        bool     `json:"enabled"`
	Line           string   `json:"line"`
	ActiveLow      bool     `json:"active_low"`
	Samples        int      `json:"samples"`
	SampleInterval Duration `json:"sample_interval"`
	CycleInterval  Duration `json:"cycle_interval"`
	SharedCooldown Duration `json:"shared_cooldown"`
	Bands          []Band   `json:"bands"`
}

// Modes holds the external commands behind each mode code.
type Modes struct {
	FactoryCtl     string   `json:"factoryctl"`
	FactoryDir     string   `json:"factory_dir"`
	APScript       string   `json:"ap_script"`
	STAScript      string   `json:"sta_script"`
	QRReader       []string `json:"qr_reader"`
	CommandTimeout Duration `json:"command_timeout"`
	JournalPath    string   `json:"journal_path"`
}

// Config is the complete daemon configuration.
type Config struct {
	HTTPAddr    string    `json:"http_addr"`
	MetricsAddr string    `json:"metrics_addr"`
	LogLevel    string    `json:"log_level"`
	LogFormat   string    `json:"log_format"`
	LogColor    bool      `json:"log_color"`
	Source      string    `json:"source"`
	PreviewFPS  int       `json:"preview_fps"`
	Recording   Recording `json:"recording"`
	PWM         PWM       `json:"pwm"`
	Modes       Modes     `json:"modes"`
}

// Mode codes understood by the dispatcher.
const (
	CodeRecovery = "recovery"
	CodeAltAP    = "alt_ap"
	CodeQR       = "qr"
)

// DefaultConfig returns the values the appliance ships with.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":7448",
		MetricsAddr: ":9091",
		LogLevel:    "info",
		LogFormat:   "text",
		LogColor:    true,
		Source:      "",
		PreviewFPS:  10,
		Recording: Recording{
			RecordsRoot:    "./records",
			SessionPrefix:  "session",
			QueueCapacity:  300,
			DefaultFPS:     18,
			MinFPS:         8,
			MaxFPS:         30,
			FPSHistory:     120,
			FPSMinSamples:  10,
			FillGaps:       true,
			FillMaxGap:     Duration(10 * time.Second),
			MinDuration:    Duration(2 * time.Second),
			DequeueWait:    Duration(500 * time.Millisecond),
			Encoder:        "ffmpeg",
			FFmpegPath:     "ffmpeg",
			JPEGQuality:    80,
			Line:           "/dev/gpiochip1:260",
			EdgeTimeout:    Duration(time.Second),
			PollInterval:   Duration(10 * time.Millisecond),
			Heartbeat:      Duration(5 * time.Second),
			FeedURL:        "http://127.0.0.1:7447/video_feed",
			FeedBackoffMin: Duration(500 * time.Millisecond),
			FeedBackoffMax: Duration(5 * time.Second),
		},
		PWM: PWM{
			Enabled:        true,
			Line:           "/dev/gpiochip1:76",
			Samples:        50,
			SampleInterval: Duration(time.Millisecond),
			CycleInterval:  Duration(time.Second),
			SharedCooldown: Duration(30 * time.Second),
			Bands: []Band{
				{Code: CodeAltAP, Center: 50, Tolerance: 5, Cooldown: Duration(60 * time.Second)},
				{Code: CodeRecovery, Center: 75, Tolerance: 10},
				{Code: CodeQR, Center: 25, Tolerance: 10},
			},
		},
		Modes: Modes{
			FactoryCtl:     "/usr/local/sbin/factoryctl",
			FactoryDir:     "/opt/factory",
			APScript:       "/opt/lscope/bin/ap_mode.sh",
			STAScript:      "/opt/lscope/bin/sta_mode.sh",
			CommandTimeout: Duration(2 * time.Minute),
		},
	}
}

// Load reads a JSON file over DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate clamps out-of-range values and rejects settings that cannot work.
func (c *Config) Validate() error {
	r := &c.Recording
	var errs []error

	if r.RecordsRoot == "" {
		errs = append(errs, errors.New("recording.records_root is required"))
	}
	if r.SessionPrefix == "" || strings.ContainsAny(r.SessionPrefix, `/\`) {
		errs = append(errs, fmt.Errorf("recording.session_prefix %q is invalid", r.SessionPrefix))
	}
	if r.QueueCapacity <= 0 {
		r.QueueCapacity = 300
	}
	if r.MinFPS <= 0 {
		r.MinFPS = 1
	}
	if r.MaxFPS < r.MinFPS {
		errs = append(errs, fmt.Errorf("recording.max_fps %.1f below min_fps %.1f", r.MaxFPS, r.MinFPS))
	}
	if r.DefaultFPS < r.MinFPS {
		r.DefaultFPS = r.MinFPS
	}
	if r.DefaultFPS > r.MaxFPS && r.MaxFPS >= r.MinFPS {
		r.DefaultFPS = r.MaxFPS
	}
	if r.FPSHistory < 2 {
		r.FPSHistory = 2
	}
	if r.FPSMinSamples < 2 {
		r.FPSMinSamples = 2
	}
	if r.FPSMinSamples > r.FPSHistory {
		r.FPSMinSamples = r.FPSHistory
	}
	if r.DequeueWait <= 0 {
		r.DequeueWait = Duration(500 * time.Millisecond)
	}
	if r.JPEGQuality < 1 || r.JPEGQuality > 100 {
		r.JPEGQuality = 80
	}
	switch r.Encoder {
	case "ffmpeg", "mjpeg":
	default:
		errs = append(errs, fmt.Errorf("recording.encoder %q is not one of ffmpeg, mjpeg", r.Encoder))
	}
	if r.FeedBackoffMin <= 0 {
		r.FeedBackoffMin = Duration(500 * time.Millisecond)
	}
	if r.FeedBackoffMax < r.FeedBackoffMin {
		r.FeedBackoffMax = r.FeedBackoffMin
	}
	if r.EdgeTimeout <= 0 {
		r.EdgeTimeout = Duration(time.Second)
	}
	if r.PollInterval <= 0 {
		r.PollInterval = Duration(10 * time.Millisecond)
	}

	p := &c.PWM
	if p.Samples <= 0 {
		p.Samples = 50
	}
	if p.SampleInterval < 0 {
		p.SampleInterval = 0
	}
	if p.CycleInterval <= 0 {
		p.CycleInterval = Duration(time.Second)
	}
	for i, b := range p.Bands {
		if b.Code == "" {
			errs = append(errs, fmt.Errorf("pwm.bands[%d]: code is required", i))
		}
		if b.Tolerance < 0 {
			errs = append(errs, fmt.Errorf("pwm.bands[%d]: negative tolerance", i))
		}
	}

	if c.PreviewFPS <= 0 {
		c.PreviewFPS = 10
	}
	if c.Modes.CommandTimeout <= 0 {
		c.Modes.CommandTimeout = Duration(2 * time.Minute)
	}

	return errors.Join(errs...)
}

// ParseLineSpec splits "/dev/gpiochipN:OFFSET".
func ParseLineSpec(spec string) (chip string, offset int, err error) {
	i := strings.LastIndex(spec, ":")
	if i <= 0 || i == len(spec)-1 {
		return "", 0, fmt.Errorf("line %q must look like /dev/gpiochipX:OFFSET", spec)
	}
	offset, err = strconv.Atoi(spec[i+1:])
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("line %q has an invalid offset", spec)
	}
	return spec[:i], offset, nil
}
