package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/eleven-am/goverlay/internal/domain"
	"github.com/eleven-am/goverlay/internal/ffmpeg"
	"github.com/eleven-am/goverlay/internal/probe"

	"go.uber.org/zap"
)

// FFmpegCodec decodes and encodes through ffmpeg subprocesses exchanging raw
// RGBA frames over pipes.
type FFmpegCodec struct {
	prober  *probe.Prober
	builder *ffmpeg.CommandBuilder
	binary  string
	logger  *zap.Logger
}

func NewFFmpegCodec(encoder *domain.EncoderConfig, logger *zap.Logger) *FFmpegCodec {
	return &FFmpegCodec{
		prober:  probe.NewProber(),
		builder: ffmpeg.NewCommandBuilder(encoder),
		binary:  "ffmpeg",
		logger:  logger.With(zap.String("component", "ffmpeg_codec")),
	}
}

// OpenSource probes the file, starts the decoder and waits for its first
// frame, so that an unreadable, non-video or undecodable upload fails here
// rather than on the first call to Next.
func (c *FFmpegCodec) OpenSource(ctx context.Context, path string) (domain.Source, error) {
	geometry, err := c.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	args := c.builder.Decode(ffmpeg.DecodeParams{InputPath: path, Geometry: geometry})
	proc := newProcess(c.binary, args, c.logger)

	var stdout io.ReadCloser
	err = proc.Start(ctx, func(cmd *exec.Cmd) error {
		var err error
		stdout, err = cmd.StdoutPipe()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start decoder: %w", domain.ErrCannotOpenSource, err)
	}

	// ffprobe only reads metadata; the first frame proves the stream decodes.
	reader := bufio.NewReaderSize(stdout, geometry.FrameSize())
	if _, err := reader.Peek(geometry.FrameSize()); err != nil {
		if !errors.Is(err, io.EOF) {
			proc.Kill()
		}
		_, _ = io.Copy(io.Discard, stdout)
		werr := proc.Wait()
		return nil, fmt.Errorf("%w: decoder produced no frame: %w", domain.ErrCannotOpenSource, errors.Join(err, werr))
	}

	return &ffmpegSource{
		geometry: geometry,
		proc:     proc,
		stdout:   stdout,
		reader:   reader,
	}, nil
}

func (c *FFmpegCodec) OpenSink(ctx context.Context, path string, geometry domain.Geometry) (domain.Sink, error) {
	if err := geometry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSink, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSink, err)
	}
	f.Close()

	args := c.builder.Encode(ffmpeg.EncodeParams{OutputPath: path, Geometry: geometry})
	proc := newProcess(c.binary, args, c.logger)

	var stdin io.WriteCloser
	err = proc.Start(ctx, func(cmd *exec.Cmd) error {
		var err error
		stdin, err = cmd.StdinPipe()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start encoder: %w", domain.ErrCannotOpenSink, err)
	}

	return &ffmpegSink{
		geometry: geometry,
		proc:     proc,
		stdin:    stdin,
		writer:   bufio.NewWriterSize(stdin, geometry.FrameSize()),
	}, nil
}

type ffmpegSource struct {
	geometry domain.Geometry
	proc     *process
	stdout   io.ReadCloser
	reader   *bufio.Reader

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (s *ffmpegSource) Geometry() domain.Geometry {
	return s.geometry
}

// Next reads exactly one frame. A clean decoder exit at a frame boundary is
// io.EOF; a truncated frame or a failed decoder is ErrDecode.
func (s *ffmpegSource) Next(ctx context.Context) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: source closed", domain.ErrDecode)
	}

	frame := image.NewRGBA(s.geometry.Bounds())
	_, err := io.ReadFull(s.reader, frame.Pix)
	switch {
	case err == nil:
		return frame, nil
	case errors.Is(err, io.EOF):
		if werr := s.proc.Wait(); werr != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrDecode, werr)
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		werr := s.proc.Wait()
		return nil, fmt.Errorf("%w: truncated frame: %w", domain.ErrDecode, errors.Join(err, werr))
	default:
		return nil, fmt.Errorf("%w: %w", domain.ErrDecode, err)
	}
}

// Close stops the decoder whether or not the stream was drained.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.proc.Kill()
		_, _ = io.Copy(io.Discard, s.stdout)
		_ = s.proc.Wait()
	})
	return nil
}

type ffmpegSink struct {
	geometry domain.Geometry
	proc     *process
	stdin    io.WriteCloser
	writer   *bufio.Writer

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSink) Write(frame *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: sink closed", domain.ErrEncode)
	}
	if frame.Bounds().Dx() != s.geometry.Width || frame.Bounds().Dy() != s.geometry.Height {
		return fmt.Errorf("%w: frame %v does not match sink %s", domain.ErrEncode, frame.Bounds(), s.geometry)
	}

	if err := writeFrame(s.writer, frame); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEncode, errors.Join(err, s.proc.Err()))
	}
	return nil
}

// Close flushes pending frames, finalizes the container and reports encoder
// failure once. Later calls return nil.
func (s *ffmpegSink) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		var errs []error
		if err := s.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := s.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		if err := s.proc.Wait(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			s.closeErr = fmt.Errorf("%w: %w", domain.ErrEncode, err)
		}
	})
	if !first {
		return nil
	}
	return s.closeErr
}

func writeFrame(w io.Writer, frame *image.RGBA) error {
	rowBytes := frame.Bounds().Dx() * 4
	if frame.Stride == rowBytes && frame.Rect.Min == (image.Point{}) {
		_, err := w.Write(frame.Pix[:rowBytes*frame.Bounds().Dy()])
		return err
	}
	for y := frame.Rect.Min.Y; y < frame.Rect.Max.Y; y++ {
		off := frame.PixOffset(frame.Rect.Min.X, y)
		if _, err := w.Write(frame.Pix[off : off+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}
