//go:build gocv

package media

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"sync"

	"github.com/eleven-am/goverlay/internal/domain"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func init() {
	register(BackendOpenCV, newOpenCV)
}

func newOpenCV(ctx context.Context, opts Options) (domain.Codec, error) {
	opts.Logger.Info("media backend ready",
		zap.String("backend", BackendOpenCV),
		zap.String("opencv", gocv.OpenCVVersion()),
	)
	return &OpenCVCodec{logger: opts.Logger.With(zap.String("component", "opencv_codec"))}, nil
}

// OpenCVCodec reads and writes through OpenCV's VideoCapture and VideoWriter.
type OpenCVCodec struct {
	logger *zap.Logger
}

func (c *OpenCVCodec) OpenSource(ctx context.Context, path string) (domain.Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: capture not opened for %s", domain.ErrCannotOpenSource, path)
	}

	geometry := domain.Geometry{
		Width:     int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:    int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FrameRate: int(math.Round(capture.Get(gocv.VideoCaptureFPS))),
	}
	if err := geometry.Validate(); err != nil {
		capture.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
	}

	return &opencvSource{geometry: geometry, capture: capture, mat: gocv.NewMat()}, nil
}

func (c *OpenCVCodec) OpenSink(ctx context.Context, path string, geometry domain.Geometry) (domain.Sink, error) {
	if err := geometry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSink, err)
	}

	writer, err := gocv.VideoWriterFile(path, "mp4v", float64(geometry.FrameRate), geometry.Width, geometry.Height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSink, err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("%w: writer not opened for %s", domain.ErrCannotOpenSink, path)
	}

	return &opencvSink{geometry: geometry, writer: writer}, nil
}

type opencvSource struct {
	geometry domain.Geometry
	capture  *gocv.VideoCapture
	mat      gocv.Mat

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (s *opencvSource) Geometry() domain.Geometry {
	return s.geometry
}

// Next converts OpenCV's BGR frame to RGBA. VideoCapture cannot tell end of
// stream apart from a read failure, so a failed read is end of stream.
func (s *opencvSource) Next(ctx context.Context) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: source closed", domain.ErrDecode)
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, io.EOF
	}

	rgba := gocv.NewMat()
	defer rgba.Close()
	gocv.CvtColor(s.mat, &rgba, gocv.ColorBGRToRGBA)

	img, err := rgba.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDecode, err)
	}
	frame, ok := img.(*image.RGBA)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected image type %T", domain.ErrDecode, img)
	}
	return frame, nil
}

func (s *opencvSource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.mat.Close()
		s.capture.Close()
	})
	return nil
}

type opencvSink struct {
	geometry domain.Geometry
	writer   *gocv.VideoWriter

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (s *opencvSink) Write(frame *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: sink closed", domain.ErrEncode)
	}
	if frame.Bounds().Dx() != s.geometry.Width || frame.Bounds().Dy() != s.geometry.Height {
		return fmt.Errorf("%w: frame %v does not match sink %s", domain.ErrEncode, frame.Bounds(), s.geometry)
	}

	rgba, err := gocv.ImageToMatRGBA(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEncode, err)
	}
	defer rgba.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	if err := s.writer.Write(bgr); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEncode, err)
	}
	return nil
}

func (s *opencvSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.writer.Close()
	})
	return nil
}
