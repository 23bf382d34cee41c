package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Writer", "dropped %d", 1)
	l.Warn("Writer", "open failed: %v", "disk full")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] [Writer] open failed: disk full")
}

func TestSilentSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("GPIO", "line unavailable")
	assert.Empty(t, buf.String())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, true)
	l.SetFormat(FormatJSON)

	l.For("PWM").Info("duty=%.1f", 50.0)

	var line map[string]string
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "PWM", line["module"])
	assert.Equal(t, "duty=50.0", line["msg"])
	assert.NotEmpty(t, line["ts"])
	assert.NotContains(t, buf.String(), "\033[")
}

func TestModuleUsesDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := current()
	t.Cleanup(func() { SetDefault(prev) })

	Init(DEBUG, &buf, false)
	For("Session").Debug("created %s", "session3")

	assert.True(t, strings.HasSuffix(strings.TrimSpace(buf.String()), "[DEBUG] [Session] created session3"))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, WARN, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
}
