// Package source produces frames for the daemon: an MJPEG-over-HTTP reader
// for a live camera feed and a synthetic test pattern.
package source

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// Sink receives decoded frames.
type Sink interface {
	PushFrame(img image.Image, ts time.Time)
}

// Source pushes frames into a sink until ctx ends.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Parse builds a source from "pattern", "pattern:<fps>" or "mjpeg:<url>".
// An empty spec returns nil: frames are expected from elsewhere.
func Parse(spec string) (Source, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch kind {
	case "":
		return nil, nil
	case "pattern":
		fps := 15
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 || n > 120 {
				return nil, fmt.Errorf("source %q: invalid pattern fps", spec)
			}
			fps = n
		}
		return NewPattern(640, 480, fps), nil
	case "mjpeg":
		if !strings.HasPrefix(arg, "http://") && !strings.HasPrefix(arg, "https://") {
			return nil, fmt.Errorf("source %q: mjpeg needs an http(s) url", spec)
		}
		return NewMJPEG(arg), nil
	default:
		return nil, fmt.Errorf("unknown source %q", spec)
	}
}
