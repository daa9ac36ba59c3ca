package domain

import (
	"context"
	"image"
)

type BoundingBox struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one object found in a frame. TrackID is nil until the tracker
// has associated the object with a persisted track.
type Detection struct {
	Box        BoundingBox
	ClassID    int
	ClassLabel string
	TrackID    *int
}

func (d Detection) Tracked() bool {
	return d.TrackID != nil
}

// Loader builds one tracker session per pipeline run.
type Loader interface {
	Load(ctx context.Context, modelPath string) (Session, error)
}

// Session carries the tracker's association state across the frames of a
// single video. It must never be shared between runs.
type Session interface {
	Track(ctx context.Context, frame *image.RGBA, persist bool) ([]Detection, error)
	Close() error
}
