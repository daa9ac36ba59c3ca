package tracker

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"
	"sync"

	"github.com/eleven-am/goverlay/internal/domain"
)

// session speaks the track protocol to one worker. Requests are strictly
// sequential: one frame out, one result back.
type session struct {
	w      io.Writer
	r      io.Reader
	labels []string

	mu     sync.Mutex
	seq    uint64
	closed bool

	closeOnce sync.Once
	closeErr  error
	release   func() error
}

func newSession(w io.Writer, r io.Reader, labels []string, release func() error) *session {
	return &session{w: w, r: r, labels: labels, release: release}
}

func (s *session) Track(ctx context.Context, frame *image.RGBA, persist bool) ([]domain.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("tracker session closed")
	}

	s.seq++
	req := trackRequest{
		Type:    msgTrack,
		Seq:     s.seq,
		Width:   frame.Bounds().Dx(),
		Height:  frame.Bounds().Dy(),
		Persist: persist,
		Frame:   packedPixels(frame),
	}
	if err := writeMessage(s.w, req); err != nil {
		return nil, fmt.Errorf("send frame %d: %w", s.seq, err)
	}

	var resp trackResponse
	if err := readMessage(s.r, &resp); err != nil {
		return nil, fmt.Errorf("receive result %d: %w", s.seq, err)
	}
	switch {
	case resp.Type == msgError:
		return nil, fmt.Errorf("tracker worker failed on frame %d: %s", s.seq, resp.Error)
	case resp.Type != msgResult:
		return nil, fmt.Errorf("unexpected %q message for frame %d", resp.Type, s.seq)
	case resp.Seq != s.seq:
		return nil, fmt.Errorf("result for frame %d arrived while waiting for %d", resp.Seq, s.seq)
	}

	out := make([]domain.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		out = append(out, domain.Detection{
			Box:        domain.BoundingBox{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			ClassID:    d.ClassID,
			ClassLabel: s.label(d.ClassID),
			TrackID:    d.TrackID,
		})
	}
	return out, nil
}

func (s *session) label(classID int) string {
	if classID >= 0 && classID < len(s.labels) && s.labels[classID] != "" {
		return s.labels[classID]
	}
	return "class_" + strconv.Itoa(classID)
}

func (s *session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	if !first {
		return nil
	}
	return s.closeErr
}

func packedPixels(frame *image.RGBA) []byte {
	b := frame.Bounds()
	rowBytes := b.Dx() * 4
	if frame.Stride == rowBytes && b.Min == (image.Point{}) {
		return frame.Pix[:rowBytes*b.Dy()]
	}
	out := make([]byte, 0, rowBytes*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		out = append(out, frame.Pix[off:off+rowBytes]...)
	}
	return out
}
