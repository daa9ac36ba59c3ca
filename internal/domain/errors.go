package domain

import "errors"

var (
	ErrCannotOpenSource    = errors.New("cannot open source")
	ErrCannotOpenSink      = errors.New("cannot open sink")
	ErrModelLoadFailed     = errors.New("model load failed")
	ErrUploadPersistFailed = errors.New("upload persist failed")
	ErrDecode              = errors.New("decode failed")
	ErrEncode              = errors.New("encode failed")
	ErrInvalidFilename     = errors.New("invalid filename")
	ErrBusy                = errors.New("too many runs in progress")
	ErrTooManyFrames       = errors.New("video exceeds frame limit")
)

type Kind string

const (
	KindCannotOpen      Kind = "cannot_open"
	KindModelLoadFailed Kind = "model_load_failed"
	KindInvalidInput    Kind = "invalid_input"
	KindBusy            Kind = "busy"
	KindInternal        Kind = "internal"
)

// Classify reduces an error chain to the outcome surfaced to callers.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrCannotOpenSource), errors.Is(err, ErrCannotOpenSink):
		return KindCannotOpen
	case errors.Is(err, ErrModelLoadFailed):
		return KindModelLoadFailed
	case errors.Is(err, ErrInvalidFilename), errors.Is(err, ErrTooManyFrames):
		return KindInvalidInput
	case errors.Is(err, ErrBusy):
		return KindBusy
	default:
		return KindInternal
	}
}
