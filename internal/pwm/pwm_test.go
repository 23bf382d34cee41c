package pwm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
	"github.com/dj-oyu/clary-camera/recorder/internal/gpio"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
	"github.com/dj-oyu/clary-camera/recorder/internal/mode"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	codes []string
	ok    bool
}

func (r *recordingDispatcher) Dispatch(_ context.Context, code string, duty float64) mode.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return mode.Result{Code: code, Duty: duty, OK: r.ok}
}

func (r *recordingDispatcher) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...)
}

// pattern returns n samples with the first high ones set.
func pattern(high, n int) []int {
	out := make([]int, n)
	for i := 0; i < high; i++ {
		out[i] = 1
	}
	return out
}

func defaultBands() []Band {
	return BandsFromConfig(config.DefaultConfig().PWM.Bands)
}

type testDecoder struct {
	*Decoder
	disp  *recordingDispatcher
	m     *metrics.Metrics
	clock time.Time
}

func newTestDecoder(bands []Band) *testDecoder {
	m := metrics.New()
	disp := &recordingDispatcher{ok: true}
	d := NewDecoder(Config{
		Line:           "/dev/gpiochip1:76",
		Samples:        50,
		SampleInterval: time.Millisecond,
		SharedCooldown: 30 * time.Second,
		Bands:          bands,
	}, nil, disp, m)
	td := &testDecoder{Decoder: d, disp: disp, m: m, clock: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	d.sampler.Sleep = func(time.Duration) {}
	d.now = func() time.Time { return td.clock }
	return td
}

func (td *testDecoder) decode(line *gpio.FakeLine, high int) Cycle {
	line.Script(pattern(high, 50)...)
	return td.Decode(context.Background(), line)
}

func TestSamplerCountsHighs(t *testing.T) {
	line := gpio.NewFakeLine(0)
	line.Script(1, 0, 1, 1, 0)
	var slept []time.Duration
	s := Sampler{Count: 5, Interval: time.Millisecond, Sleep: func(d time.Duration) { slept = append(slept, d) }}

	r := s.Sample(context.Background(), line)
	assert.Equal(t, Reading{High: 3, Total: 5}, r)
	assert.InDelta(t, 60.0, r.Duty(), 1e-9)
	assert.Len(t, slept, 5, "sleeps between every sample")
}

func TestDutyIsExactRatio(t *testing.T) {
	for _, tc := range []struct{ high, total int }{{0, 50}, {13, 50}, {25, 50}, {50, 50}, {1, 3}} {
		line := gpio.NewFakeLine(0)
		line.Script(pattern(tc.high, tc.total)...)
		r := Sampler{Count: tc.total, Sleep: func(time.Duration) {}}.Sample(context.Background(), line)
		assert.InDelta(t, float64(tc.high)/float64(tc.total)*100, r.Duty(), 1e-9)
	}
}

func TestClassifyPriority(t *testing.T) {
	bands := defaultBands()
	cases := map[float64]string{
		50: config.CodeAltAP,
		55: config.CodeAltAP,
		56: "",
		75: config.CodeRecovery,
		65: config.CodeRecovery,
		25: config.CodeQR,
		35: config.CodeQR,
		0:  "",
		95: "",
	}
	for duty, want := range cases {
		b, ok := Classify(bands, duty)
		if want == "" {
			assert.False(t, ok, "duty %.0f", duty)
			continue
		}
		require.True(t, ok, "duty %.0f", duty)
		assert.Equal(t, want, b.Code, "duty %.0f", duty)
	}

	overlapping := []Band{{Code: "narrow", Center: 40, Tolerance: 2}, {Code: "wide", Center: 40, Tolerance: 20}}
	b, _ := Classify(overlapping, 41)
	assert.Equal(t, "narrow", b.Code, "first matching band wins")
}

// Scenario C.
func TestDecodeDispatchesOnceWithinCooldown(t *testing.T) {
	td := newTestDecoder([]Band{{Code: "half", Center: 50, Tolerance: 0}})
	line := gpio.NewFakeLine(0)

	c := td.decode(line, 25)
	assert.InDelta(t, 50.0, c.Duty, 1e-9)
	assert.True(t, c.Dispatched)
	assert.Equal(t, []string{"half"}, td.disp.calls())

	td.clock = td.clock.Add(5 * time.Second)
	c = td.decode(line, 25)
	assert.True(t, c.Matched)
	assert.False(t, c.Dispatched)
	assert.Equal(t, 25*time.Second, c.Remaining)
	assert.Len(t, td.disp.calls(), 1)
	assert.Equal(t, uint64(1), td.m.CooldownSuppressed.Load())

	td.clock = td.clock.Add(26 * time.Second)
	c = td.decode(line, 25)
	assert.True(t, c.Dispatched, "cooldown expired")
	assert.Len(t, td.disp.calls(), 2)
}

// Scenario D.
func TestDecodeAllReadsFail(t *testing.T) {
	td := newTestDecoder([]Band{{Code: "half", Center: 50, Tolerance: 0}})
	line := gpio.NewFakeLine(0)
	line.FailReads(errors.New("EIO"))

	c := td.Decode(context.Background(), line)
	assert.False(t, c.Reading.Valid())
	assert.False(t, c.Matched)
	assert.False(t, c.Dispatched)
	assert.Equal(t, 50, c.Reading.Failed)
	assert.Equal(t, uint64(1), td.m.NoReadingCycles.Load())
	assert.Equal(t, uint64(50), td.m.SampleFailures.Load())

	line.FailReads(nil)
	c = td.decode(line, 25)
	assert.True(t, c.Dispatched, "no cooldown consumed by the failed cycle")
}

type flakyReader struct {
	values []int
	n      int
}

// Value fails every other read.
func (f *flakyReader) Value() (int, error) {
	f.n++
	if f.n%2 == 0 {
		return 0, errors.New("EAGAIN")
	}
	v := f.values[0]
	f.values = f.values[1:]
	return v, nil
}

func TestPartialReadFailuresUseSuccessfulReads(t *testing.T) {
	td := newTestDecoder([]Band{{Code: "quarter", Center: 25, Tolerance: 0}})
	td.sampler.Count = 8
	c := td.Decode(context.Background(), &flakyReader{values: []int{1, 0, 0, 0}})
	assert.Equal(t, Reading{High: 1, Total: 4, Failed: 4}, c.Reading)
	assert.InDelta(t, 25.0, c.Duty, 1e-9)
	assert.True(t, c.Dispatched)
}

func TestFailedDispatchStillCoolsDown(t *testing.T) {
	td := newTestDecoder(defaultBands())
	td.disp.ok = false
	line := gpio.NewFakeLine(0)

	c := td.decode(line, 37) // 74%
	require.True(t, c.Dispatched)
	assert.False(t, c.Result.OK)
	assert.Equal(t, uint64(1), td.m.DispatchFailures.Load())

	td.clock = td.clock.Add(time.Second)
	c = td.decode(line, 37)
	assert.False(t, c.Dispatched)
	assert.Len(t, td.disp.calls(), 1)
}

func TestPrivateCooldownIsIndependent(t *testing.T) {
	td := newTestDecoder(defaultBands())
	line := gpio.NewFakeLine(0)

	// Alternate AP fires and arms only its own 60s timer.
	require.True(t, td.decode(line, 25).Dispatched)
	assert.Equal(t, config.CodeAltAP, td.disp.calls()[0])

	td.clock = td.clock.Add(time.Second)
	assert.True(t, td.decode(line, 12).Dispatched, "QR is not blocked by the private timer")

	td.clock = td.clock.Add(time.Second)
	c := td.decode(line, 37)
	assert.False(t, c.Dispatched, "recovery shares QR's timer")

	td.clock = td.clock.Add(35 * time.Second)
	c = td.decode(line, 25)
	assert.False(t, c.Dispatched, "alternate AP still inside its 60s")
	assert.Greater(t, c.Remaining, time.Duration(0))

	c = td.decode(line, 37)
	assert.True(t, c.Dispatched, "shared timer expired")

	td.clock = td.clock.Add(25 * time.Second)
	c = td.decode(line, 25)
	assert.False(t, c.Dispatched, "shared timer re-armed by recovery also gates alternate AP")

	assert.Equal(t, []string{config.CodeAltAP, config.CodeQR, config.CodeRecovery}, td.disp.calls())
}

func TestRunSoftFailsWithoutLine(t *testing.T) {
	disp := &recordingDispatcher{}
	d := NewDecoder(Config{Line: "/dev/gpiochip9:1", Bands: defaultBands()}, gpio.NewFakeBackend(), disp, nil)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when the line cannot be opened")
	}
}

func TestRunReleasesLineOnCancel(t *testing.T) {
	backend := gpio.NewFakeBackend()
	line := gpio.NewFakeLine(0)
	backend.Add("/dev/gpiochip1", 76, line)
	disp := &recordingDispatcher{ok: true}
	d := NewDecoder(Config{
		Line:           "/dev/gpiochip1:76",
		Samples:        4,
		CycleInterval:  5 * time.Millisecond,
		SharedCooldown: time.Minute,
		Bands:          []Band{{Code: "zero", Center: 0, Tolerance: 1}},
	}, backend, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(disp.calls()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.True(t, line.Released())
	assert.Len(t, disp.calls(), 1, "shared cooldown blocks repeats")
}
