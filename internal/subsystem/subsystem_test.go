package subsystem

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
	"github.com/dj-oyu/clary-camera/recorder/internal/gpio"
	"github.com/dj-oyu/clary-camera/recorder/internal/mode"
)

type fixture struct {
	sub     *Subsystem
	trigger *gpio.FakeLine
	pwmLine *gpio.FakeLine
	root    string
}

type countingDispatcher struct {
	mu    sync.Mutex
	codes []string
}

func (c *countingDispatcher) Dispatch(_ context.Context, code string, duty float64) mode.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
	return mode.Result{Code: code, Duty: duty, OK: true}
}

func (c *countingDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codes)
}

func newFixture(t *testing.T, mutate func(*config.Config), disp *countingDispatcher) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Recording.RecordsRoot = root
	cfg.Recording.Encoder = "mjpeg"
	cfg.Recording.MinDuration = 0
	cfg.Recording.DequeueWait = config.Duration(10 * time.Millisecond)
	cfg.Recording.EdgeTimeout = config.Duration(20 * time.Millisecond)
	cfg.Recording.Line = "/dev/gpiochip0:5"
	cfg.Recording.FeedURL = ""
	cfg.PWM.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	backend := gpio.NewFakeBackend()
	trigger := gpio.NewFakeLine(0)
	backend.Add("/dev/gpiochip0", 5, trigger)
	pwmLine := gpio.NewFakeLine(0)
	backend.Add("/dev/gpiochip1", 76, pwmLine)

	opts := Options{Config: cfg, Backend: backend}
	if disp != nil {
		opts.Dispatcher = disp
	}
	sub, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(sub.Stop)
	return &fixture{sub: sub, trigger: trigger, pwmLine: pwmLine, root: root}
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestStartCreatesNextSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "session4"), 0o755))

	require.NoError(t, f.sub.Start())
	require.NoError(t, f.sub.Start(), "second start is a no-op")
	assert.Equal(t, "session5", f.sub.Session().Name)
	assert.DirExists(t, filepath.Join(f.root, "session5"))
	assert.Equal(t, "session5", f.sub.Status().CurrentSession)
}

func TestPushWhileIdleOnlyUpdatesLastFrame(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sub.Start())

	src := solid(8, 6, color.RGBA{R: 200, A: 255})
	f.sub.PushFrame(src, time.Now())
	src.SetRGBA(0, 0, color.RGBA{B: 255, A: 255})

	got, seq := f.sub.LatestFrame()
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint8(200), got.RGBAAt(0, 0).R, "caller mutations never reach the buffer")

	st := f.sub.Status()
	assert.False(t, st.Recording)
	assert.Nil(t, st.CurrentFile)
	assert.Equal(t, 18.0, st.FPS)
	assert.Equal(t, []int{8, 6}, st.Resolution)
	assert.Zero(t, st.QueueDepth)
}

func TestTriggerLineRecordsClip(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sub.Start())

	f.trigger.Emit(gpio.Rising)
	require.Eventually(t, func() bool { return f.sub.Status().Recording }, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		f.sub.PushFrame(solid(16, 12, color.RGBA{G: 100, A: 255}), time.Now())
		return f.sub.Status().CurrentFile != nil
	}, 2*time.Second, 10*time.Millisecond)
	st := f.sub.Status()
	assert.Equal(t, []int{16, 12}, st.Resolution)
	file := *st.CurrentFile

	f.trigger.Emit(gpio.Falling)
	require.Eventually(t, func() bool { return f.sub.Status().CurrentFile == nil }, time.Second, 2*time.Millisecond)

	files, err := f.sub.Store().Files(f.sub.Session().Name)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, file, files[0].Name)
	assert.Greater(t, files[0].Size, int64(0))
}

func TestManualOverrideIgnoresEdges(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sub.Start())

	f.sub.ManualStart()
	assert.True(t, f.sub.Status().Recording)
	assert.True(t, f.sub.Status().ManualOverride)

	f.trigger.Emit(gpio.Falling)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.sub.Status().Recording, "edge ignored under override")

	f.sub.ClearOverride()
	assert.True(t, f.sub.Status().Recording, "clearing does not re-read the line")
	f.trigger.Emit(gpio.Rising)
	f.trigger.Emit(gpio.Falling)
	require.Eventually(t, func() bool { return !f.sub.Status().Recording }, time.Second, 2*time.Millisecond)
}

func TestStopIsOrderedAndIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sub.Start())
	f.sub.ManualStart()
	require.Eventually(t, func() bool {
		f.sub.PushFrame(solid(4, 4, color.RGBA{A: 255}), time.Now())
		return f.sub.Status().CurrentFile != nil
	}, 2*time.Second, 10*time.Millisecond)

	f.sub.Stop()
	f.sub.Stop()

	assert.True(t, f.trigger.Released())
	st := f.sub.Status()
	assert.False(t, st.Recording)
	assert.False(t, st.ManualOverride)
	assert.Nil(t, st.CurrentFile)
	assert.ErrorIs(t, f.sub.Start(), ErrStopped)

	files, err := f.sub.Store().Files(f.sub.Session().Name)
	require.NoError(t, err)
	assert.Len(t, files, 1, "clip closed and kept on shutdown")
}

func TestMissingTriggerLineSoftFails(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Recording.Line = "/dev/gpiochip7:1" }, nil)
	require.NoError(t, f.sub.Start())

	f.sub.ManualStart()
	require.Eventually(t, func() bool {
		f.sub.PushFrame(solid(4, 4, color.RGBA{A: 255}), time.Now())
		return f.sub.Status().CurrentFile != nil
	}, 2*time.Second, 10*time.Millisecond, "manual control still records")
}

func TestDecoderDispatchesFromPWMLine(t *testing.T) {
	disp := &countingDispatcher{}
	f := newFixture(t, func(c *config.Config) {
		c.PWM.Enabled = true
		c.PWM.SampleInterval = 0
		c.PWM.CycleInterval = config.Duration(5 * time.Millisecond)
	}, disp)
	// 75% duty for the first window.
	pattern := make([]int, 50)
	for i := 0; i < 38; i++ {
		pattern[i] = 1
	}
	f.pwmLine.Script(pattern...)

	require.NoError(t, f.sub.Start())
	require.Eventually(t, func() bool { return disp.count() == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, f.sub.Status().Recording, "decoder never touches recording state")
	require.NotNil(t, f.sub.Decoder())
}
