package core

import (
	"context"
	"errors"

	"github.com/book-expert/voice-clone-service/internal/audio"
)

// Kind names a failure class as reported to callers.
type Kind string

// Failure classes.
const (
	KindValidation        Kind = "ValidationError"
	KindDecode            Kind = "DecodeError"
	KindInvalidAudio      Kind = "InvalidAudioError"
	KindAudioTooLong      Kind = "AudioTooLongError"
	KindGatewayBusy       Kind = "GatewayBusyError"
	KindEngineUnavailable Kind = "EngineUnavailableError"
	KindInference         Kind = "InferenceError"
	KindCanceled          Kind = "RequestCanceled"
	KindInternal          Kind = "InternalError"
)

// Pipeline errors. Audio ingest errors live in the audio package.
var (
	// ErrValidation indicates malformed or out-of-range request parameters.
	ErrValidation = errors.New("invalid request")
	// ErrGatewayBusy indicates the model could not be acquired in time.
	ErrGatewayBusy = errors.New("model gateway busy")
	// ErrEngineUnavailable indicates the model failed to load at startup.
	ErrEngineUnavailable = errors.New("inference engine unavailable")
	// ErrInference indicates the engine failed while converting.
	ErrInference = errors.New("inference failed")
	// ErrCanceled indicates the caller went away while waiting for the model.
	ErrCanceled = errors.New("request canceled")
)

// KindOf classifies err. Engine-side sentinels win over the audio ones so
// that a malformed engine answer is an inference failure. Unknown errors are
// InternalError.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInference):
		return KindInference
	case errors.Is(err, ErrGatewayBusy):
		return KindGatewayBusy
	case errors.Is(err, ErrEngineUnavailable):
		return KindEngineUnavailable
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	case errors.Is(err, audio.ErrDecode):
		return KindDecode
	case errors.Is(err, audio.ErrInvalidAudio):
		return KindInvalidAudio
	case errors.Is(err, audio.ErrAudioTooLong):
		return KindAudioTooLong
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may retry the same request later.
func (k Kind) Retryable() bool {
	return k == KindGatewayBusy || k == KindEngineUnavailable
}

// ClientFault reports whether the failure was caused by the request itself.
func (k Kind) ClientFault() bool {
	switch k {
	case KindValidation, KindDecode, KindInvalidAudio, KindAudioTooLong:
		return true
	case KindGatewayBusy, KindEngineUnavailable, KindInference, KindCanceled, KindInternal:
		return false
	default:
		return false
	}
}
