package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	logClientFailure = "Request %s rejected (%s): %v"
	logServerFailure = "Request %s failed (%s): %v"
)

// statusFor maps a failure class to its HTTP status.
func statusFor(kind core.Kind, err error) int {
	switch kind {
	case core.KindValidation:
		if errors.Is(err, ErrBodyTooLarge) {
			return http.StatusRequestEntityTooLarge
		}

		return http.StatusBadRequest
	case core.KindDecode:
		return http.StatusBadRequest
	case core.KindInvalidAudio:
		return http.StatusUnprocessableEntity
	case core.KindAudioTooLong:
		return http.StatusRequestEntityTooLarge
	case core.KindGatewayBusy, core.KindEngineUnavailable:
		return http.StatusServiceUnavailable
	case core.KindCanceled:
		return statusClientClosed
	case core.KindInference, core.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err as a JSON body with the status of its class.
// Internal failures hide their detail from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := statusFor(kind, err)
	requestID := middleware.GetReqID(r.Context())

	message := err.Error()
	if kind == core.KindInternal {
		message = http.StatusText(http.StatusInternalServerError)
	}

	if kind.ClientFault() || kind == core.KindCanceled {
		s.log.Warn(logClientFailure, requestID, kind, err)
	} else {
		s.log.Error(logServerFailure, requestID, kind, err)
	}

	if kind == core.KindGatewayBusy {
		w.Header().Set("Retry-After", s.retryAfterSeconds())
	}

	s.writeJSON(w, r, status, ErrorResponse{Error: message, Kind: kind})
}

func (s *Server) retryAfterSeconds() string {
	seconds := int(math.Ceil(s.opts.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	return strconv.Itoa(seconds)
}
