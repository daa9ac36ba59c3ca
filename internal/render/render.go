package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/eleven-am/goverlay/internal/domain"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	StrokeWidth = 2
	labelPad    = 2
)

var (
	BoxColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	TextColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// Tracked keeps the detections that carry a track id. The rest are dropped
// without comment.
func Tracked(detections []domain.Detection) []domain.Detection {
	out := make([]domain.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Tracked() {
			out = append(out, d)
		}
	}
	return out
}

func Label(d domain.Detection) string {
	if d.TrackID == nil {
		return d.ClassLabel
	}
	return fmt.Sprintf("%s ID: %d", d.ClassLabel, *d.TrackID)
}

// Annotate draws a box and label for every tracked detection into frame and
// returns how many were drawn. Everything is clipped to the frame.
func Annotate(frame *image.RGBA, detections []domain.Detection) int {
	tracked := Tracked(detections)
	for _, d := range tracked {
		box := d.Box.Rect()
		drawOutline(frame, box)
		drawLabel(frame, box, Label(d))
	}
	return len(tracked)
}

func drawOutline(frame *image.RGBA, box image.Rectangle) {
	src := image.NewUniform(BoxColor)
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+StrokeWidth),
		image.Rect(box.Min.X, box.Max.Y-StrokeWidth, box.Max.X, box.Max.Y),
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+StrokeWidth, box.Max.Y),
		image.Rect(box.Max.X-StrokeWidth, box.Min.Y, box.Max.X, box.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(frame, e.Intersect(frame.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel places the label on a filled strip above the box, or just inside
// its top edge when there is no room above.
func drawLabel(frame *image.RGBA, box image.Rectangle, text string) {
	face := basicfont.Face7x13
	metrics := face.Metrics()
	width := font.MeasureString(face, text).Ceil() + 2*labelPad
	height := metrics.Height.Ceil() + 2*labelPad

	strip := image.Rect(box.Min.X, box.Min.Y-height, box.Min.X+width, box.Min.Y)
	if strip.Min.Y < frame.Bounds().Min.Y {
		strip = strip.Add(image.Pt(0, height))
	}

	draw.Draw(frame, strip.Intersect(frame.Bounds()), image.NewUniform(BoxColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  frame,
		Src:  image.NewUniform(TextColor),
		Face: face,
		Dot:  fixed.P(strip.Min.X+labelPad, strip.Min.Y+labelPad+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
