package server

import (
	"context"
	_ "embed"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"github.com/eleven-am/goverlay"
	"github.com/eleven-am/goverlay/internal/metrics"

	"go.uber.org/zap"
)

//go:embed index.html
var indexHTML []byte

const uploadField = "file"

// Processor runs one annotation. *goverlay.Annotator satisfies it.
type Processor interface {
	Process(ctx context.Context, upload io.Reader, filename string) (*goverlay.Artifact, error)
}

type Options struct {
	Processor Processor

	// MaxUploadBytes caps the request body. Zero means no limit.
	MaxUploadBytes int64

	// RateLimitRPS of zero disables per-client rate limiting of /annotate.
	RateLimitRPS   float64
	RateLimitBurst int

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

type handler struct {
	processor Processor
	maxUpload int64
	logger    *zap.Logger
}

// NewHandler builds the routed, middleware-wrapped handler. ctx bounds the
// rate limiter's background cleanup.
func NewHandler(ctx context.Context, opts Options) http.Handler {
	if opts.Processor == nil {
		panic("server: Processor is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("component", "http"))

	h := &handler{
		processor: opts.Processor,
		maxUpload: opts.MaxUploadBytes,
		logger:    logger,
	}

	var annotate http.Handler = http.HandlerFunc(h.annotate)
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		annotate = RateLimiter(ctx, opts.RateLimitRPS, burst)(annotate)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.index)
	mux.HandleFunc("GET /favicon.ico", favicon)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("POST /annotate", annotate)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger, opts.Metrics),
	)
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func favicon(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, map[string]string{"status": "ok"})
}

// annotate streams the upload straight into the annotator, then serves the
// artifact and releases it once the body has been written.
func (h *handler) annotate(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, codeInvalidRequest, "expected a multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeErrorMessage(w, r, http.StatusBadRequest, codeInvalidRequest, `missing "file" field`)
			return
		}
		if err != nil {
			h.writeUploadError(w, r, err)
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		h.process(w, r, part)
		_ = part.Close()
		return
	}
}

func (h *handler) process(w http.ResponseWriter, r *http.Request, part *multipart.Part) {
	artifact, err := h.processor.Process(r.Context(), part, part.FileName())
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	defer artifact.Release()

	f, err := os.Open(artifact.Path)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", contentTypeVideoMP4)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	header.Set("X-Run-ID", artifact.RunID)
	header.Set("X-Frame-Count", strconv.Itoa(artifact.Frames))
	http.ServeContent(w, r, artifact.Filename, info.ModTime(), f)
}

func (h *handler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorMessage(w, r, http.StatusRequestEntityTooLarge, codeUploadTooLarge,
			"upload exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return
	}
	writeRunError(w, r, err, h.logger)
}
