package recorder

import (
	"image"
	"time"

	"golang.org/x/image/draw"
)

// Entry is one queued frame with its capture timestamp. The frame is owned
// by the queue after enqueue and by the writer after dequeue; nobody
// mutates it.
type Entry struct {
	Frame *image.RGBA
	TS    time.Time
}

// CopyFrame returns a private RGBA copy of img anchored at the origin.
func CopyFrame(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)
	return dst
}

// Resize scales img to size with bilinear filtering.
func Resize(img *image.RGBA, size image.Point) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
