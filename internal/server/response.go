package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eleven-am/goverlay/internal/domain"

	"go.uber.org/zap"
)

const (
	codeInvalidRequest  = "invalid_request"
	codeUploadTooLarge  = "upload_too_large"
	codeRateLimited     = "rate_limited"
	codeInternal        = "internal"
	retryAfterSeconds   = "5"
	internalMessage     = "internal error"
	contentTypeJSON     = "application/json; charset=utf-8"
	contentTypeVideoMP4 = "video/mp4"
)

type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message, Retryable: status == http.StatusServiceUnavailable},
		Timestamp: time.Now(),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeRunError maps a failed run to its status code. The client gets a
// fixed message per failure; the error itself, which can carry scratch paths
// and decoder output, is only logged.
func writeRunError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	kind := domain.Classify(err)
	status := statusForKind(kind)

	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("annotate failed", fields...)
	} else {
		logger.Info("annotate rejected", fields...)
	}

	if kind == domain.KindBusy {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeErrorMessage(w, r, status, string(kind), clientMessage(err, kind))
}

func clientMessage(err error, kind domain.Kind) string {
	switch kind {
	case domain.KindInvalidInput:
		if errors.Is(err, domain.ErrTooManyFrames) {
			return "video exceeds the frame limit"
		}
		return "invalid upload filename"
	case domain.KindCannotOpen:
		if errors.Is(err, domain.ErrCannotOpenSink) {
			return "annotated output could not be created"
		}
		return "upload is not a decodable video"
	case domain.KindBusy:
		return "too many videos in progress, retry later"
	case domain.KindModelLoadFailed:
		return "tracking model is unavailable"
	default:
		return internalMessage
	}
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindCannotOpen:
		return http.StatusUnprocessableEntity
	case domain.KindBusy, domain.KindModelLoadFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
