package source

import (
	"context"
	"image"
	"image/color"
	"time"
)

// Pattern renders color bars with a sweeping white column.
type Pattern struct {
	width, height int
	interval      time.Duration
	now           func() time.Time
}

// NewPattern returns a width x height pattern at fps frames per second.
func NewPattern(width, height, fps int) *Pattern {
	return &Pattern{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
		now:      time.Now,
	}
}

var bars = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// Frame draws frame number n.
func (p *Pattern) Frame(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	barWidth := max(p.width/len(bars), 1)
	sweep := n % p.width
	for y := range p.height {
		for x := range p.width {
			c := bars[min(x/barWidth, len(bars)-1)]
			if x == sweep {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func (p *Pattern) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		sink.PushFrame(p.Frame(n), p.now())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
