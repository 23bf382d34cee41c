package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 300, cfg.Recording.QueueCapacity)
	assert.Equal(t, 2*time.Second, cfg.Recording.MinDuration.D())
	assert.Equal(t, 10*time.Second, cfg.Recording.FillMaxGap.D())
	assert.Equal(t, 50, cfg.PWM.Samples)
	require.Len(t, cfg.PWM.Bands, 3)
	assert.Equal(t, CodeAltAP, cfg.PWM.Bands[0].Code, "narrow band is checked first")
}

func TestLoadOverlaysJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.json")
	body := `{
		"http_addr": ":9000",
		"recording": {"min_duration": "1500ms", "fill_max_gap": 4, "session_prefix": "oturum"},
		"pwm": {"shared_cooldown": "10s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.Recording.MinDuration.D())
	assert.Equal(t, 4*time.Second, cfg.Recording.FillMaxGap.D())
	assert.Equal(t, "oturum", cfg.Recording.SessionPrefix)
	assert.Equal(t, 10*time.Second, cfg.PWM.SharedCooldown.D())
	assert.Equal(t, 300, cfg.Recording.QueueCapacity, "untouched fields keep defaults")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"recording":{"min_duration":"soon"}}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recording.QueueCapacity = 0
	cfg.Recording.DefaultFPS = 100
	cfg.Recording.FPSMinSamples = 500
	cfg.Recording.FeedBackoffMax = Duration(time.Millisecond)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300, cfg.Recording.QueueCapacity)
	assert.Equal(t, 30.0, cfg.Recording.DefaultFPS)
	assert.Equal(t, cfg.Recording.FPSHistory, cfg.Recording.FPSMinSamples)
	assert.Equal(t, cfg.Recording.FeedBackoffMin, cfg.Recording.FeedBackoffMax)
}

func TestValidateRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recording.Encoder = "h265"
	cfg.Recording.SessionPrefix = "a/b"
	cfg.PWM.Bands = append(cfg.PWM.Bands, Band{Center: 10, Tolerance: -1})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoder")
	assert.Contains(t, err.Error(), "session_prefix")
	assert.Contains(t, err.Error(), "negative tolerance")
}

func TestParseLineSpec(t *testing.T) {
	chip, off, err := ParseLineSpec("/dev/gpiochip1:260")
	require.NoError(t, err)
	assert.Equal(t, "/dev/gpiochip1", chip)
	assert.Equal(t, 260, off)

	for _, bad := range []string{"", "gpiochip1", "/dev/gpiochip1:", ":4", "/dev/gpiochip1:x"} {
		_, _, err := ParseLineSpec(bad)
		assert.Error(t, err, bad)
	}
}
