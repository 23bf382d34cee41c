// Package keepalive holds a reader on the live-frame endpoint while
// recording so the frame producer keeps emitting without other viewers.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
)

const (
	chunkSize = 4096
	idlePoll  = 200 * time.Millisecond
)

// State reports whether recording is active.
type State interface {
	Recording() bool
}

// Config configures a Puller.
type Config struct {
	URL        string
	BackoffMin time.Duration
	BackoffMax time.Duration
	// ConnectTimeout bounds dialing and waiting for response headers.
	ConnectTimeout time.Duration
}

// Puller reads and discards the feed while State is recording.
type Puller struct {
	cfg     Config
	state   State
	client  *http.Client
	metrics *metrics.Metrics
	log     logger.Module
}

// New returns a puller for cfg.URL.
func New(cfg Config, state State, m *metrics.Metrics) *Puller {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}
	return &Puller{
		cfg:     cfg,
		state:   state,
		client:  &http.Client{Transport: transport},
		metrics: m,
		log:     logger.For("KeepAlive"),
	}
}

// Run loops until ctx is done.
func (p *Puller) Run(ctx context.Context) {
	backoff := p.cfg.BackoffMin
	for ctx.Err() == nil {
		if !p.state.Recording() {
			sleep(ctx, idlePoll)
			continue
		}

		n, err := p.pull(ctx)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			backoff = p.cfg.BackoffMin
		}
		if !p.state.Recording() {
			continue
		}
		p.metrics.KeepAliveReconnects.Add(1)
		if err != nil {
			p.log.Debug("Feed %s unavailable, retry in %s: %v", p.cfg.URL, backoff, err)
		} else {
			p.log.Debug("Feed %s ended, retry in %s", p.cfg.URL, backoff)
		}
		sleep(ctx, backoff)
		backoff = grow(backoff, p.cfg.BackoffMax)
	}
}

// pull holds one connection open until the body ends or recording stops,
// and returns how many bytes it discarded.
func (p *Puller) pull(ctx context.Context) (int64, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		t := time.NewTicker(idlePoll)
		defer t.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-t.C:
				if !p.state.Recording() {
					cancel()
					return
				}
			}
		}
	}()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	p.log.Info("Connected to %s", p.cfg.URL)

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		p.metrics.KeepAliveBytes.Add(uint64(n))
		if err != nil {
			if errors.Is(err, io.EOF) || rctx.Err() != nil {
				return total, nil
			}
			return total, err
		}
	}
}

func grow(d, limit time.Duration) time.Duration {
	d = d * 3 / 2
	if d > limit {
		return limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
