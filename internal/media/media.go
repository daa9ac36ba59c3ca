package media

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eleven-am/goverlay/internal/domain"
	"github.com/eleven-am/goverlay/internal/hwaccel"

	"go.uber.org/zap"
)

const (
	BackendFFmpeg = "ffmpeg"
	BackendOpenCV = "opencv"
)

type Options struct {
	Backend string
	HWAccel bool
	Logger  *zap.Logger
}

type factory func(ctx context.Context, opts Options) (domain.Codec, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]factory{
		BackendFFmpeg: newFFmpeg,
	}
)

func register(name string, f factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = f
}

// Backends lists the codec backends compiled into this binary.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Open(ctx context.Context, opts Options) (domain.Codec, error) {
	if opts.Backend == "" {
		opts.Backend = BackendFFmpeg
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	backendsMu.RLock()
	f, ok := backends[opts.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown media backend %q (available: %v)", opts.Backend, Backends())
	}
	return f(ctx, opts)
}

func newFFmpeg(ctx context.Context, opts Options) (domain.Codec, error) {
	encoder := hwaccel.NewConfig(domain.AccelNone)
	if opts.HWAccel {
		encoder = hwaccel.DetectBest(ctx)
	}
	opts.Logger.Info("media backend ready",
		zap.String("backend", BackendFFmpeg),
		zap.String("encoder", encoder.Encoder),
		zap.String("accelerator", string(encoder.Accelerator)),
	)
	return NewFFmpegCodec(encoder, opts.Logger), nil
}
