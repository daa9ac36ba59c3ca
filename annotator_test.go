package goverlay

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/goverlay/internal/domain"
	"github.com/eleven-am/goverlay/internal/hwaccel"
	"github.com/eleven-am/goverlay/internal/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fakeMagic = "FAKEVIDEO "

// fileCodec treats "FAKEVIDEO <n>" files as n-frame 8x8 videos and writes one
// byte per encoded frame.
type fileCodec struct {
	entered chan struct{}
	gate    chan struct{}

	mu     sync.Mutex
	inputs []string
}

func (c *fileCodec) OpenSource(ctx context.Context, path string) (domain.Source, error) {
	c.mu.Lock()
	c.inputs = append(c.inputs, path)
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
	}
	text := string(data)
	if !strings.HasPrefix(text, fakeMagic) {
		return nil, fmt.Errorf("%w: not a video", domain.ErrCannotOpenSource)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(text, fakeMagic))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSource, err)
	}
	return &fileSource{frames: n}, nil
}

func (c *fileCodec) OpenSink(ctx context.Context, path string, g domain.Geometry) (domain.Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCannotOpenSink, err)
	}
	return &fileSink{f: f}, nil
}

func (c *fileCodec) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.inputs...)
}

type fileSource struct {
	frames int
	read   int
}

func (s *fileSource) Geometry() domain.Geometry {
	return domain.Geometry{Width: 8, Height: 8, FrameRate: 10}
}

func (s *fileSource) Next(ctx context.Context) (*image.RGBA, error) {
	if s.read == s.frames {
		return nil, io.EOF
	}
	s.read++
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (s *fileSource) Close() error { return nil }

type fileSink struct {
	f    *os.File
	once sync.Once
	err  error
}

func (s *fileSink) Write(frame *image.RGBA) error {
	_, err := s.f.Write([]byte{'F'})
	return err
}

func (s *fileSink) Close() error {
	s.once.Do(func() { s.err = s.f.Close() })
	return s.err
}

type stubLoader struct{}

func (stubLoader) Load(ctx context.Context, modelPath string) (domain.Session, error) {
	return stubSession{}, nil
}

type stubSession struct{}

func (stubSession) Track(ctx context.Context, frame *image.RGBA, persist bool) ([]domain.Detection, error) {
	id := 1
	return []domain.Detection{{
		Box:        domain.BoundingBox{X1: 1, Y1: 1, X2: 6, Y2: 6},
		ClassLabel: "person",
		TrackID:    &id,
	}}, nil
}

func (stubSession) Close() error { return nil }

type testEnv struct {
	codec   *fileCodec
	scratch string
	outputs string
}

func newTestAnnotator(t *testing.T, mutate func(*Options)) (*Annotator, *testEnv) {
	t.Helper()

	env := &testEnv{
		codec:   &fileCodec{},
		scratch: t.TempDir(),
		outputs: t.TempDir(),
	}
	opts := Options{
		Codec:       env.codec,
		Loader:      stubLoader{},
		ScratchRoot: env.scratch,
		OutputDir:   env.outputs,
	}
	if mutate != nil {
		mutate(&opts)
	}

	a := NewAnnotator(opts)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a, env
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "expected %s to be empty", dir)
}

func TestNewAnnotator_PanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { NewAnnotator(Options{Loader: stubLoader{}}) })
	assert.Panics(t, func() { NewAnnotator(Options{Codec: &fileCodec{}}) })
}

func TestProcess_Success(t *testing.T) {
	a, env := newTestAnnotator(t, nil)

	art, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"5"), "clip.mp4")
	require.NoError(t, err)

	assert.Equal(t, 5, art.Frames)
	assert.Equal(t, 5, art.Boxes)
	assert.Equal(t, domain.Geometry{Width: 8, Height: 8, FrameRate: 10}, art.Geometry)
	assert.Equal(t, "processed_clip.mp4", art.Filename)
	assert.Equal(t, filepath.Join(env.outputs, art.RunID, "processed_clip.mp4"), art.Path)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, "FFFFF", string(data))

	inputs := env.codec.seen()
	require.Len(t, inputs, 1)
	assert.Equal(t, "clip.mp4", filepath.Base(inputs[0]))
	assert.Equal(t, env.scratch, filepath.Dir(filepath.Dir(inputs[0])))

	assertEmptyDir(t, env.scratch)
}

func TestProcess_NormalizesFilename(t *testing.T) {
	a, env := newTestAnnotator(t, nil)

	art, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"1"), "../../etc/clip.mp4")
	require.NoError(t, err)

	assert.Equal(t, "processed_clip.mp4", art.Filename)
	assert.Equal(t, env.outputs, filepath.Dir(filepath.Dir(art.Path)))
}

func TestProcess_InvalidFilename(t *testing.T) {
	a, env := newTestAnnotator(t, nil)

	for _, name := range []string{"", "..", "bad\x00name.mp4"} {
		_, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"1"), name)
		require.ErrorIs(t, err, domain.ErrInvalidFilename, "name %q", name)
		assert.Equal(t, KindInvalidInput, Classify(err))
	}

	assert.Empty(t, env.codec.seen())
	assertEmptyDir(t, env.scratch)
	assertEmptyDir(t, env.outputs)
}

func TestProcess_NotAVideo(t *testing.T) {
	a, env := newTestAnnotator(t, nil)

	art, err := a.Process(context.Background(), strings.NewReader("hello, world"), "notes.mp4")
	require.ErrorIs(t, err, domain.ErrCannotOpenSource)
	assert.Nil(t, art)
	assert.Equal(t, KindCannotOpen, Classify(err))

	assertEmptyDir(t, env.scratch)
	assertEmptyDir(t, env.outputs)
}

func TestProcess_FrameLimit(t *testing.T) {
	a, env := newTestAnnotator(t, func(o *Options) { o.MaxFrames = 3 })

	_, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"5"), "long.mp4")
	require.ErrorIs(t, err, domain.ErrTooManyFrames)
	assert.Equal(t, KindInvalidInput, Classify(err))

	assertEmptyDir(t, env.scratch)
	assertEmptyDir(t, env.outputs)
}

func TestProcess_RefusesBeyondCapacity(t *testing.T) {
	a, env := newTestAnnotator(t, func(o *Options) { o.MaxConcurrentRuns = 1 })
	env.codec.entered = make(chan struct{}, 1)
	env.codec.gate = make(chan struct{})

	type outcome struct {
		art *Artifact
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		art, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"2"), "a.mp4")
		first <- outcome{art, err}
	}()

	select {
	case <-env.codec.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the codec")
	}

	_, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"2"), "b.mp4")
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, KindBusy, Classify(err))

	close(env.codec.gate)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.art.Frames)
}

func TestProcess_ConcurrentRunsAreIndependent(t *testing.T) {
	a, _ := newTestAnnotator(t, nil)

	var wg sync.WaitGroup
	arts := make([]*Artifact, 2)
	errs := make([]error, 2)
	for i, frames := range []int{3, 7} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arts[i], errs[i] = a.Process(context.Background(), strings.NewReader(fakeMagic+strconv.Itoa(frames)), "same.mp4")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 3, arts[0].Frames)
	assert.Equal(t, 7, arts[1].Frames)
	assert.NotEqual(t, arts[0].Path, arts[1].Path)
	assert.NotEqual(t, arts[0].RunID, arts[1].RunID)
}

func TestArtifact_Release(t *testing.T) {
	a, env := newTestAnnotator(t, nil)

	art, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"1"), "clip.mp4")
	require.NoError(t, err)
	require.FileExists(t, art.Path)

	art.Release()
	art.Release()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Dir(art.Path))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
	assertEmptyDir(t, env.outputs)
}

func TestArtifact_ReleaseFlushedOnStop(t *testing.T) {
	a, _ := newTestAnnotator(t, func(o *Options) { o.ReleaseDelay = time.Hour })

	art, err := a.Process(context.Background(), strings.NewReader(fakeMagic+"1"), "clip.mp4")
	require.NoError(t, err)

	art.Release()
	a.Stop()

	_, err = os.Stat(art.Path)
	assert.True(t, os.IsNotExist(err))
}

const validGeometryFFprobe = `#!/bin/sh
echo '{"streams":[{"index":0,"codec_name":"h264","codec_type":"video","width":4,"height":2,"r_frame_rate":"25/1"}]}'
`

const brokenDecoderFFmpeg = `#!/bin/sh
echo "Invalid data found when processing input" >&2
exit 1
`

func TestProcess_UndecodableUploadIsCannotOpen(t *testing.T) {
	bin := t.TempDir()
	for name, script := range map[string]string{"ffprobe": validGeometryFFprobe, "ffmpeg": brokenDecoderFFmpeg} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755))
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	codec := media.NewFFmpegCodec(hwaccel.NewConfig(domain.AccelNone), zap.NewNop())
	a, env := newTestAnnotator(t, func(o *Options) { o.Codec = codec })

	art, err := a.Process(context.Background(), strings.NewReader("moov but no mdat"), "clip.mp4")
	require.ErrorIs(t, err, domain.ErrCannotOpenSource)
	assert.Nil(t, art)
	assert.Equal(t, KindCannotOpen, Classify(err))

	assertEmptyDir(t, env.scratch)
	assertEmptyDir(t, env.outputs)
}
