package domain

import (
	"context"
	"fmt"
	"image"
)

// Geometry is the (width, height, frame rate) triple shared by a source and
// the sink that re-encodes it.
type Geometry struct {
	Width     int
	Height    int
	FrameRate int
}

func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", g.Width, g.Height)
	}
	if g.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %d", g.FrameRate)
	}
	return nil
}

func (g Geometry) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

// FrameSize is the byte length of one RGBA frame.
func (g Geometry) FrameSize() int {
	return g.Width * g.Height * 4
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%d", g.Width, g.Height, g.FrameRate)
}

// Source yields decoded frames in presentation order. Next returns io.EOF at
// end of stream. Close is idempotent.
type Source interface {
	Geometry() Geometry
	Next(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// Sink appends encoded frames in call order. Close finalizes the container
// and is idempotent.
type Sink interface {
	Write(frame *image.RGBA) error
	Close() error
}

type Codec interface {
	OpenSource(ctx context.Context, path string) (Source, error)
	OpenSink(ctx context.Context, path string, geometry Geometry) (Sink, error)
}
