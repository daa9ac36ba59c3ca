package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/eleven-am/goverlay/internal/domain"
	"github.com/eleven-am/goverlay/internal/metrics"
	"github.com/eleven-am/goverlay/internal/render"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/eleven-am/goverlay/internal/pipeline"

type Options struct {
	Codec     domain.Codec
	Loader    domain.Loader
	ModelPath string

	DecodePolicy DecodePolicy
	// MaxFrames of 0 means unbounded.
	MaxFrames int

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

func (o *Options) setDefaults() {
	if o.DecodePolicy == "" {
		o.DecodePolicy = DecodeLenient
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o *Options) validate() {
	if o.Codec == nil {
		panic("pipeline: Codec is required")
	}
	if o.Loader == nil {
		panic("pipeline: Loader is required")
	}
	if o.ModelPath == "" {
		panic("pipeline: ModelPath is required")
	}
	if o.DecodePolicy != DecodeLenient && o.DecodePolicy != DecodeStrict {
		panic(fmt.Sprintf("pipeline: unknown decode policy %q", o.DecodePolicy))
	}
}

type Result struct {
	Geometry domain.Geometry
	Frames   int
	// Boxes counts tracked detections drawn across all frames.
	Boxes int
	State State
}

// Orchestrator drives decode, track, annotate and encode for one video at a
// time per Run call. It holds no per-run state, so concurrent Runs are
// independent.
type Orchestrator struct {
	opts   Options
	tracer trace.Tracer
	logger *zap.Logger
}

func New(opts Options) *Orchestrator {
	opts.setDefaults()
	opts.validate()

	return &Orchestrator{
		opts:   opts,
		tracer: otel.Tracer(tracerName),
		logger: opts.Logger.With(zap.String("component", "pipeline")),
	}
}

// Run annotates inputPath into outputPath. The source, the sink and the
// tracker session are released on every return path.
func (o *Orchestrator) Run(ctx context.Context, inputPath, outputPath string) (res Result, err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("input", filepath.Base(inputPath)),
		attribute.String("decode_policy", string(o.opts.DecodePolicy)),
	))
	start := time.Now()

	r := &run{logger: o.logger.With(zap.String("input", filepath.Base(inputPath)))}
	defer func() {
		if err != nil {
			r.transition(StateFailed, zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		res.State = r.state
		span.SetAttributes(
			attribute.Int("frames", res.Frames),
			attribute.Int("boxes", res.Boxes),
		)
		span.End()
	}()

	src, err := o.opts.Codec.OpenSource(ctx, inputPath)
	if err != nil {
		return res, err
	}
	defer r.release("source", src)
	r.transition(StateOpened)

	res.Geometry = src.Geometry()
	span.SetAttributes(attribute.String("geometry", res.Geometry.String()))

	session, err := o.opts.Loader.Load(ctx, o.opts.ModelPath)
	if err != nil {
		return res, err
	}
	defer r.release("session", session)

	sink, err := o.opts.Codec.OpenSink(ctx, outputPath, res.Geometry)
	if err != nil {
		return res, err
	}
	defer r.release("sink", sink)
	r.transition(StateLooping)

	if err := o.loop(ctx, r, src, session, sink, &res); err != nil {
		return res, err
	}
	r.transition(StateDrained)

	if err := sink.Close(); err != nil {
		return res, fmt.Errorf("finalize output: %w", err)
	}
	r.transition(StateClosed)

	o.logger.Info("run complete",
		zap.String("input", filepath.Base(inputPath)),
		zap.Stringer("geometry", res.Geometry),
		zap.Int("frames", res.Frames),
		zap.Int("boxes", res.Boxes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) loop(ctx context.Context, r *run, src domain.Source, session domain.Session, sink domain.Sink, res *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled after %d frames: %w", res.Frames, err)
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if res.Frames == 0 {
				return fmt.Errorf("%w: no decodable frame: %w", domain.ErrCannotOpenSource, err)
			}
			if o.opts.DecodePolicy == DecodeStrict {
				return fmt.Errorf("decode frame %d: %w", res.Frames+1, err)
			}
			r.logger.Warn("decode error, treating as end of stream",
				zap.Int("frames", res.Frames),
				zap.Error(err),
			)
			return nil
		}

		if o.opts.MaxFrames > 0 && res.Frames >= o.opts.MaxFrames {
			return fmt.Errorf("%w: more than %d frames", domain.ErrTooManyFrames, o.opts.MaxFrames)
		}
		res.Frames++

		detections, err := session.Track(ctx, frame, true)
		if err != nil {
			return fmt.Errorf("track frame %d: %w", res.Frames, err)
		}

		drawn := render.Annotate(frame, detections)
		res.Boxes += drawn

		if err := sink.Write(frame); err != nil {
			return fmt.Errorf("encode frame %d: %w", res.Frames, err)
		}

		if o.opts.Metrics != nil {
			o.opts.Metrics.RecordFrame(drawn)
		}
	}
}

type run struct {
	logger *zap.Logger
	state  State
}

func (r *run) transition(to State, fields ...zap.Field) {
	r.logger.Debug("pipeline state",
		append([]zap.Field{zap.Stringer("from", r.state), zap.Stringer("to", to)}, fields...)...,
	)
	r.state = to
}

func (r *run) release(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		r.logger.Warn("close failed", zap.String("handle", name), zap.Error(err))
	}
}
