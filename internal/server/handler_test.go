package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/eleven-am/goverlay"
	"github.com/eleven-am/goverlay/internal/domain"
	"github.com/eleven-am/goverlay/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	dir   string
	err   error
	panic bool

	mu       sync.Mutex
	filename string
	received []byte
}

func (p *fakeProcessor) Process(ctx context.Context, upload io.Reader, filename string) (*goverlay.Artifact, error) {
	if p.panic {
		panic("boom")
	}
	data, err := io.ReadAll(upload)
	p.mu.Lock()
	p.filename = filename
	p.received = data
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUploadPersistFailed, err)
	}
	if p.err != nil {
		return nil, p.err
	}

	path := filepath.Join(p.dir, "processed_"+filename)
	if err := os.WriteFile(path, []byte("ANNOTATED:"+string(data)), 0o644); err != nil {
		return nil, err
	}
	return &goverlay.Artifact{
		RunID:    "run-1",
		Path:     path,
		Filename: "processed_" + filename,
		Frames:   4,
	}, nil
}

func newTestHandler(t *testing.T, proc Processor, mutate func(*Options)) http.Handler {
	t.Helper()
	opts := Options{Processor: proc, Logger: zap.NewNop()}
	if mutate != nil {
		mutate(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHandler(ctx, opts)
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/annotate", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestNewHandler_PanicsWithoutProcessor(t *testing.T) {
	assert.Panics(t, func() { NewHandler(context.Background(), Options{}) })
}

func TestAnnotate_Success(t *testing.T) {
	proc := &fakeProcessor{dir: t.TempDir()}
	h := newTestHandler(t, proc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "clip.mp4", []byte("frames")))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=processed_clip.mp4`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "run-1", rec.Header().Get("X-Run-ID"))
	assert.Equal(t, "4", rec.Header().Get("X-Frame-Count"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "ANNOTATED:frames", rec.Body.String())

	assert.Equal(t, "clip.mp4", proc.filename)
	assert.Equal(t, []byte("frames"), proc.received)
}

func TestAnnotate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryAfter bool
	}{
		{"invalid filename", domain.ErrInvalidFilename, http.StatusBadRequest, "invalid_input", false},
		{"too many frames", domain.ErrTooManyFrames, http.StatusBadRequest, "invalid_input", false},
		{"not a video", fmt.Errorf("%w: moov atom not found", domain.ErrCannotOpenSource), http.StatusUnprocessableEntity, "cannot_open", false},
		{"sink", domain.ErrCannotOpenSink, http.StatusUnprocessableEntity, "cannot_open", false},
		{"busy", domain.ErrBusy, http.StatusServiceUnavailable, "busy", true},
		{"model", domain.ErrModelLoadFailed, http.StatusServiceUnavailable, "model_load_failed", false},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeProcessor{dir: t.TempDir(), err: tt.err}, nil)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, "file", "clip.mp4", []byte("x")))

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeResponse(t, rec)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.NotEmpty(t, resp.RequestID)
			if tt.retryAfter {
				assert.Equal(t, "5", rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestAnnotate_ErrorDetailStaysInLogs(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMessage string
	}{
		{
			"cannot open source",
			fmt.Errorf("%w: ffprobe: /tmp/goverlay-123/clip.mp4: Invalid data found", domain.ErrCannotOpenSource),
			"upload is not a decodable video",
		},
		{
			"cannot open sink",
			fmt.Errorf("%w: open /tmp/goverlay-123/output.mp4: permission denied", domain.ErrCannotOpenSink),
			"annotated output could not be created",
		},
		{
			"invalid filename",
			fmt.Errorf("%w: %q has no usable name", domain.ErrInvalidFilename, "/tmp/goverlay-123/.."),
			"invalid upload filename",
		},
		{
			"too many frames",
			fmt.Errorf("%w: more than 10 frames", domain.ErrTooManyFrames),
			"video exceeds the frame limit",
		},
		{
			"model",
			fmt.Errorf("%w: spawn /tmp/goverlay-123/worker: not found", domain.ErrModelLoadFailed),
			"tracking model is unavailable",
		},
		{"internal", errors.New("/tmp/goverlay-123 broke"), "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeProcessor{dir: t.TempDir(), err: tt.err}, nil)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, "file", "clip.mp4", []byte("x")))

			assert.NotContains(t, rec.Body.String(), "goverlay-123")
			assert.Equal(t, tt.wantMessage, decodeResponse(t, rec).Error.Message)
		})
	}
}

func TestAnnotate_BadRequests(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{dir: t.TempDir()}, nil)

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/annotate", strings.NewReader("raw"))
		req.Header.Set("Content-Type", "application/octet-stream")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, uploadRequest(t, "video", "clip.mp4", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeResponse(t, rec).Error.Message, "file")
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/annotate", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestAnnotate_UploadTooLarge(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{dir: t.TempDir()}, func(o *Options) {
		o.MaxUploadBytes = 512
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "big.mp4", bytes.Repeat([]byte("v"), 4096)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "upload_too_large", decodeResponse(t, rec).Error.Code)
}

func TestAnnotate_RateLimited(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{dir: t.TempDir()}, func(o *Options) {
		o.RateLimitRPS = 0.001
		o.RateLimitBurst = 1
	})

	first := httptest.NewRecorder()
	h.ServeHTTP(first, uploadRequest(t, "file", "a.mp4", []byte("x")))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, uploadRequest(t, "file", "b.mp4", []byte("x")))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestAnnotate_PanicRecovered(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{panic: true}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "clip.mp4", []byte("x")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeResponse(t, rec).Error.Code)
}

func TestStaticRoutes(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `action="/annotate"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "abc-123", resp.RequestID)
	assert.Equal(t, map[string]any{"status": "ok"}, resp.Data)
}

func TestMetricsRoute(t *testing.T) {
	collector := metrics.NewCollector("goverlay", zap.NewNop())
	h := newTestHandler(t, &fakeProcessor{}, func(o *Options) { o.Metrics = collector })

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/some/random/path", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `goverlay_http_requests_total{method="GET",path="/healthz",status="2xx"} 1`)
	assert.Contains(t, body, `path="other"`)
	assert.NotContains(t, body, "/some/random/path")
}

func TestMetricsRoute_AbsentWithoutCollector(t *testing.T) {
	h := newTestHandler(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
