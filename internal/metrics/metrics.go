package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the recorder subsystem counters
type Metrics struct {
	// Frame intake
	FramesPushed   atomic.Uint64
	FramesEnqueued atomic.Uint64
	FramesDropped  atomic.Uint64 // queue full, newest frame discarded

	// Writer
	FramesWritten  atomic.Uint64
	FramesFilled   atomic.Uint64 // gap-fill repeats of the previous frame
	FramesResized  atomic.Uint64
	ClipsOpened    atomic.Uint64
	ClipsKept      atomic.Uint64
	ClipsDiscarded atomic.Uint64
	OpenFailures   atomic.Uint64
	WriteErrors    atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = idle, 1 = recording
	ManualOverride  atomic.Uint64
	EdgesSeen       atomic.Uint64
	EdgesIgnored    atomic.Uint64

	// Duty decoder
	DutyPermille       atomic.Uint64 // last duty * 10
	DecodeCycles       atomic.Uint64
	SampleFailures     atomic.Uint64
	NoReadingCycles    atomic.Uint64
	CooldownSuppressed atomic.Uint64
	Dispatches         atomic.Uint64
	DispatchFailures   atomic.Uint64

	// Keep-alive puller
	KeepAliveBytes      atomic.Uint64
	KeepAliveReconnects atomic.Uint64

	queueDepth func() int

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// SetQueueDepthFunc wires the live queue length into the queue depth gauge.
func (m *Metrics) SetQueueDepthFunc(fn func() int) {
	m.queueDepth = fn
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("recorder_frames_pushed_total", "Frames pushed by the producer", &m.FramesPushed)
	m.gauge("recorder_frames_enqueued_total", "Frames accepted into the record queue", &m.FramesEnqueued)
	m.gauge("recorder_frames_dropped_total", "Frames dropped because the record queue was full", &m.FramesDropped)

	m.gauge("recorder_frames_written_total", "Real frames written to clips", &m.FramesWritten)
	m.gauge("recorder_frames_filled_total", "Repeated frames written to fill timing gaps", &m.FramesFilled)
	m.gauge("recorder_frames_resized_total", "Frames resized to the clip resolution", &m.FramesResized)
	m.gauge("recorder_clips_opened_total", "Clips opened", &m.ClipsOpened)
	m.gauge("recorder_clips_kept_total", "Clips kept after close", &m.ClipsKept)
	m.gauge("recorder_clips_discarded_total", "Clips deleted for being shorter than the minimum duration", &m.ClipsDiscarded)
	m.gauge("recorder_open_failures_total", "Clip writer open failures", &m.OpenFailures)
	m.gauge("recorder_write_errors_total", "Clip frame write errors", &m.WriteErrors)

	m.gauge("recorder_recording_active", "Recording active (0=idle, 1=recording)", &m.RecordingActive)
	m.gauge("recorder_manual_override", "Manual override active (0/1)", &m.ManualOverride)
	m.gauge("recorder_edges_total", "Trigger line edges observed", &m.EdgesSeen)
	m.gauge("recorder_edges_ignored_total", "Trigger line edges ignored under manual override", &m.EdgesIgnored)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pwm_duty_percent",
			Help: "Last decoded duty cycle in percent",
		},
		func() float64 { return float64(m.DutyPermille.Load()) / 10 },
	))
	m.gauge("pwm_decode_cycles_total", "Duty decode cycles run", &m.DecodeCycles)
	m.gauge("pwm_sample_failures_total", "Individual line reads that failed", &m.SampleFailures)
	m.gauge("pwm_no_reading_cycles_total", "Cycles where every sample failed", &m.NoReadingCycles)
	m.gauge("pwm_cooldown_suppressed_total", "Qualifying cycles suppressed by a cooldown", &m.CooldownSuppressed)
	m.gauge("mode_dispatches_total", "Mode handlers invoked", &m.Dispatches)
	m.gauge("mode_dispatch_failures_total", "Mode handlers that reported failure", &m.DispatchFailures)

	m.gauge("keepalive_bytes_total", "Bytes read and discarded from the live endpoint", &m.KeepAliveBytes)
	m.gauge("keepalive_reconnects_total", "Live endpoint reconnect attempts", &m.KeepAliveReconnects)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "recorder_queue_depth",
			Help: "Entries waiting in the record queue",
		},
		func() float64 {
			if m.queueDepth == nil {
				return 0
			}
			return float64(m.queueDepth())
		},
	))
}

// SetDuty stores the last decoded duty cycle.
func (m *Metrics) SetDuty(duty float64) {
	if duty < 0 {
		duty = 0
	}
	m.DutyPermille.Store(uint64(duty*10 + 0.5))
}

// SetFlag stores a boolean gauge.
func SetFlag(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
		return
	}
	v.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on its own listener until it fails.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
