// Package goverlay annotates uploaded videos with the boxes and track ids of
// the objects a detection-and-tracking model follows through them.
//
// A run decodes the upload frame by frame, asks the tracker for detections
// with association state carried across frames, draws a box and a
// "{label} ID: {track}" caption for every tracked object, and re-encodes the
// frames with the source's size and frame rate.
//
// # Basic Usage
//
//	codec, _ := media.Open(ctx, media.Options{})
//	annotator := goverlay.NewAnnotator(goverlay.Options{
//	    Codec:  codec,
//	    Loader: tracker.NewLoader(tracker.Options{}),
//	})
//
//	if err := annotator.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer annotator.Stop()
//
//	artifact, err := annotator.Process(ctx, upload, "clip.mp4")
//	if err != nil {
//	    return err
//	}
//	defer artifact.Release()
//	// stream artifact.Path to the client
//
// # Resource Lifecycle
//
// Each call to Process works inside its own scratch directory, which is
// removed before Process returns whether the run succeeded or not. On success
// the annotated video is copied to OutputDir/<run id>/processed_<name> and
// stays there until Artifact.Release hands it to a background janitor.
//
// # Errors
//
// Failures can be classified with Classify:
//   - KindInvalidInput: the filename could not be normalized, or the video
//     exceeds MaxFrames
//   - KindCannotOpen: the upload is not a decodable video, or the output
//     could not be created
//   - KindModelLoadFailed: the tracker could not be started
//   - KindBusy: MaxConcurrentRuns runs are already in progress
//   - KindInternal: anything else, including decode and encode failures
package goverlay

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/eleven-am/goverlay/internal/domain"
	"github.com/eleven-am/goverlay/internal/metrics"
	"github.com/eleven-am/goverlay/internal/pipeline"
	"github.com/eleven-am/goverlay/internal/scratch"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type (
	// Codec opens decoders and encoders for video files.
	Codec = domain.Codec

	// Loader starts one tracker session per run. Sessions must never be
	// shared between runs.
	Loader = domain.Loader

	// Geometry is the width, height and frame rate shared by input and output.
	Geometry = domain.Geometry

	// Kind is the coarse outcome of a failed run.
	Kind = domain.Kind

	DecodePolicy = pipeline.DecodePolicy
)

const (
	KindCannotOpen      = domain.KindCannotOpen
	KindModelLoadFailed = domain.KindModelLoadFailed
	KindInvalidInput    = domain.KindInvalidInput
	KindBusy            = domain.KindBusy
	KindInternal        = domain.KindInternal

	// DecodeLenient treats a decode error like the end of the stream.
	DecodeLenient = pipeline.DecodeLenient

	// DecodeStrict fails the run on a decode error.
	DecodeStrict = pipeline.DecodeStrict
)

// Classify reduces an error returned by Process to its Kind.
func Classify(err error) Kind {
	return domain.Classify(err)
}

// Options configures the Annotator behavior and dependencies.
type Options struct {
	// Codec is required. Decodes uploads and encodes the annotated output.
	Codec Codec

	// Loader is required. Starts the tracker for each run.
	Loader Loader

	// ModelPath is the tracker weights file.
	// Default: models/yolo11n.pt.
	ModelPath string

	// ScratchRoot is the parent of per-run scratch directories.
	// Default: the OS temp dir.
	ScratchRoot string

	// OutputDir holds annotated videos until they are released.
	// Default: outputs.
	OutputDir string

	// ReleaseDelay postpones deletion of a released artifact.
	ReleaseDelay time.Duration

	// JanitorWorkers is the number of background deletion workers.
	// Default: 1.
	JanitorWorkers int

	// DecodePolicy decides whether a decode error ends or fails the run.
	// Default: DecodeLenient.
	DecodePolicy DecodePolicy

	// MaxFrames rejects longer videos. Zero means no limit.
	MaxFrames int

	// MaxConcurrentRuns bounds simultaneous runs. Runs beyond the bound are
	// refused rather than queued.
	// Default: 2.
	MaxConcurrentRuns int

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

func (o *Options) setDefaults() {
	if o.ModelPath == "" {
		o.ModelPath = "models/yolo11n.pt"
	}
	if o.OutputDir == "" {
		o.OutputDir = "outputs"
	}
	if o.JanitorWorkers == 0 {
		o.JanitorWorkers = 1
	}
	if o.DecodePolicy == "" {
		o.DecodePolicy = DecodeLenient
	}
	if o.MaxConcurrentRuns == 0 {
		o.MaxConcurrentRuns = 2
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o *Options) validate() {
	if o.Codec == nil {
		panic("goverlay: Codec is required")
	}
	if o.Loader == nil {
		panic("goverlay: Loader is required")
	}
}

// Artifact is an annotated video waiting to be delivered.
type Artifact struct {
	RunID string

	// Path is the durable copy of the annotated video.
	Path string

	// Filename is the name to present to the client, processed_<upload name>.
	Filename string

	Geometry Geometry
	Frames   int
	Boxes    int

	releaseOnce sync.Once
	release     func()
}

// Release schedules the artifact for deletion and returns immediately. Call
// it once the video has been delivered. Further calls do nothing.
func (a *Artifact) Release() {
	a.releaseOnce.Do(func() {
		if a.release != nil {
			a.release()
		}
	})
}

// Annotator is the main entry point for annotation runs.
//
// An Annotator must be started with Start so that released artifacts are
// cleaned up, and stopped with Stop on shutdown.
type Annotator struct {
	opts     Options
	pipeline *pipeline.Orchestrator
	store    *scratch.Store
	janitor  *scratch.Janitor
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewAnnotator creates a new Annotator with the given options.
// It panics if Codec or Loader is nil.
func NewAnnotator(opts Options) *Annotator {
	opts.validate()
	opts.setDefaults()

	logger := opts.Logger.With(zap.String("component", "annotator"))

	return &Annotator{
		opts: opts,
		pipeline: pipeline.New(pipeline.Options{
			Codec:        opts.Codec,
			Loader:       opts.Loader,
			ModelPath:    opts.ModelPath,
			DecodePolicy: opts.DecodePolicy,
			MaxFrames:    opts.MaxFrames,
			Metrics:      opts.Metrics,
			Logger:       opts.Logger,
		}),
		store: scratch.NewStore(opts.OutputDir, opts.Logger),
		janitor: scratch.NewJanitor(scratch.JanitorOptions{
			Workers: opts.JanitorWorkers,
			Delay:   opts.ReleaseDelay,
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
		}),
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		logger: logger,
	}
}

// Start launches the background janitor.
func (a *Annotator) Start(ctx context.Context) error {
	if err := a.janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	return nil
}

// Stop halts the janitor after deleting every artifact already released.
func (a *Annotator) Stop() {
	a.janitor.Stop()
}

// Process persists upload under a normalized form of filename, annotates it
// and returns the durable artifact. The scratch directory is gone by the time
// Process returns; on failure no artifact is left behind.
//
// Cancellation of ctx is observed between frames.
func (a *Annotator) Process(ctx context.Context, upload io.Reader, filename string) (artifact *Artifact, err error) {
	runID := uuid.NewString()
	logger := a.logger.With(zap.String("run_id", runID))
	start := time.Now()

	if a.opts.Metrics != nil {
		finish := a.opts.Metrics.RunStarted()
		defer func() {
			outcome := "success"
			if err != nil {
				outcome = string(domain.Classify(err))
			}
			finish(outcome, time.Since(start))
		}()
	}

	name, err := scratch.SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("filename", name))

	if !a.sem.TryAcquire(1) {
		logger.Info("run refused, at capacity", zap.Int("max_concurrent_runs", a.opts.MaxConcurrentRuns))
		return nil, domain.ErrBusy
	}
	defer a.sem.Release(1)

	ws, err := scratch.NewWorkspace(a.opts.ScratchRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUploadPersistFailed, err)
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			logger.Warn("scratch cleanup failed", zap.String("dir", ws.Dir()), zap.Error(cerr))
		}
	}()

	input, size, err := ws.Persist(upload, name)
	if err != nil {
		return nil, err
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordUpload(size)
	}
	logger.Debug("run started", zap.String("scratch", ws.Dir()), zap.Int64("bytes", size))

	res, err := a.pipeline.Run(ctx, input, ws.OutputPath())
	if err != nil {
		logger.Warn("run failed",
			zap.String("kind", string(domain.Classify(err))),
			zap.Int("frames", res.Frames),
			zap.Error(err),
		)
		return nil, err
	}

	path, err := a.store.Save(runID, ws.OutputPath(), name)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Dir(path)

	logger.Info("run succeeded",
		zap.Int("frames", res.Frames),
		zap.Int("boxes", res.Boxes),
		zap.Stringer("geometry", res.Geometry),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Artifact{
		RunID:    runID,
		Path:     path,
		Filename: scratch.ProcessedName(name),
		Geometry: res.Geometry,
		Frames:   res.Frames,
		Boxes:    res.Boxes,
		release: func() {
			a.janitor.Enqueue(runDir)
		},
	}, nil
}
