package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/eleven-am/goverlay/internal/domain"
)

type fakeCodec struct {
	geometry     domain.Geometry
	frames       int
	decodeErrAt  int
	writeErrAt   int
	sourceErr    error
	sinkErr      error
	sinkCloseErr error

	mu     sync.Mutex
	source *fakeSource
	sink   *fakeSink
}

func (c *fakeCodec) OpenSource(ctx context.Context, path string) (domain.Source, error) {
	if c.sourceErr != nil {
		return nil, c.sourceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = &fakeSource{geometry: c.geometry, frames: c.frames, decodeErrAt: c.decodeErrAt}
	return c.source, nil
}

func (c *fakeCodec) OpenSink(ctx context.Context, path string, g domain.Geometry) (domain.Sink, error) {
	if c.sinkErr != nil {
		return nil, c.sinkErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = &fakeSink{path: path, geometry: g, writeErrAt: c.writeErrAt, closeErr: c.sinkCloseErr}
	return c.sink, nil
}

type fakeSource struct {
	geometry    domain.Geometry
	frames      int
	decodeErrAt int

	decoded int
	calls   int
	closes  int
}

func (s *fakeSource) Geometry() domain.Geometry { return s.geometry }

func (s *fakeSource) Next(ctx context.Context) (*image.RGBA, error) {
	s.calls++
	if s.decodeErrAt > 0 && s.calls == s.decodeErrAt {
		return nil, fmt.Errorf("%w: corrupt packet", domain.ErrDecode)
	}
	if s.decoded >= s.frames {
		return nil, io.EOF
	}
	s.decoded++
	return image.NewRGBA(s.geometry.Bounds()), nil
}

func (s *fakeSource) Close() error {
	s.closes++
	return nil
}

type fakeSink struct {
	path       string
	geometry   domain.Geometry
	writeErrAt int
	closeErr   error

	written []*image.RGBA
	closes  int
}

func (s *fakeSink) Write(frame *image.RGBA) error {
	if s.writeErrAt > 0 && len(s.written)+1 == s.writeErrAt {
		return fmt.Errorf("%w: broken pipe", domain.ErrEncode)
	}
	s.written = append(s.written, frame)
	return nil
}

func (s *fakeSink) Close() error {
	s.closes++
	if s.closes == 1 {
		return s.closeErr
	}
	return nil
}

// fakeLoader hands out sessions whose detections are chosen per 1-based frame
// index by detect.
type fakeLoader struct {
	detect     func(frame int) []domain.Detection
	onTrack    func(frame int)
	loadErr    error
	trackErrAt int

	mu       sync.Mutex
	sessions []*fakeSession
}

func (l *fakeLoader) Load(ctx context.Context, modelPath string) (domain.Session, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSession{loader: l}
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *fakeLoader) last() *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

type fakeSession struct {
	loader  *fakeLoader
	frames  int
	persist []bool
	closes  int
}

func (s *fakeSession) Track(ctx context.Context, frame *image.RGBA, persist bool) ([]domain.Detection, error) {
	s.frames++
	s.persist = append(s.persist, persist)
	if s.loader.onTrack != nil {
		s.loader.onTrack(s.frames)
	}
	if s.loader.trackErrAt > 0 && s.frames == s.loader.trackErrAt {
		return nil, fmt.Errorf("worker died")
	}
	if s.loader.detect == nil {
		return nil, nil
	}
	return s.loader.detect(s.frames), nil
}

func (s *fakeSession) Close() error {
	s.closes++
	return nil
}
