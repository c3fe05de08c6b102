package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fileutil"
	"github.com/book-expert/voice-clone-service/internal/gateway"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	statusHealthy = "healthy"
	statusReady   = "ready"

	outputFilename      = "cloned_voice.wav"
	multipartMemory     = 32 << 20
	contentTypeJSON     = "application/json"
	contentTypeWAV      = "audio/wav"
	statusClientClosed  = 499
	tooLargeErrorSuffix = "request body too large"

	logCloneReceived  = "Clone request %s: source %q (%s), target %q (%s)"
	logCloneCompleted = "Clone request %s (session %s) produced %s of audio (%s)"
	logWriteFailed    = "Failed to write response for request %s: %v"
)

// Request errors reported as ValidationError.
var (
	// ErrNotMultipart indicates the clone request was not multipart/form-data.
	ErrNotMultipart = errors.New("expected multipart/form-data body")
	// ErrMissingUpload indicates a required audio part is absent.
	ErrMissingUpload = errors.New("missing audio upload")
	// ErrBodyTooLarge indicates the request exceeds the configured size.
	ErrBodyTooLarge = errors.New("request body too large")
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// ReadyResponse is the readiness body.
type ReadyResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Version string        `json:"version"`
	Gateway gateway.Stats `json:"gateway"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  core.Kind `json:"kind"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  statusHealthy,
		Service: s.opts.ServiceName,
		Version: s.opts.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.readiness.Available() {
		cause := s.readiness.Cause()
		if cause == nil {
			cause = core.ErrEngineUnavailable
		}

		s.writeError(w, r, cause)

		return
	}

	s.writeJSON(w, r, http.StatusOK, ReadyResponse{
		Status:  statusReady,
		Service: s.opts.ServiceName,
		Version: s.opts.Version,
		Gateway: s.readiness.Stats(),
	})
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	if s.opts.MaxRequestBytes > 0 {
		if r.ContentLength > s.opts.MaxRequestBytes {
			s.writeError(w, r, s.tooLarge())

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	}

	parseErr := r.ParseMultipartForm(multipartMemory)
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	if parseErr != nil {
		s.writeError(w, r, s.classifyParseError(parseErr))

		return
	}

	source, err := readUpload(r.MultipartForm, session.FieldSourceAudio)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	target, err := readUpload(r.MultipartForm, session.FieldTargetAudio)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.Info(
		logCloneReceived, requestID,
		fileutil.SanitizeFilename(source.Filename), fileutil.FormatFileSize(int64(len(source.Data))),
		fileutil.SanitizeFilename(target.Filename), fileutil.FormatFileSize(int64(len(target.Data))),
	)

	sess := s.pipeline.NewSession(requestID, session.Request{
		Source: source,
		Target: target,
		Fields: core.FormFields(r.MultipartForm.Value),
	})
	defer sess.Close()

	output, err := sess.Execute(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	wav, err := audio.EncodeWAV(output)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.Info(
		logCloneCompleted, requestID, sess.ID(),
		fileutil.FormatDuration(output.Duration()), fileutil.FormatFileSize(int64(len(wav))),
	)

	header := w.Header()
	header.Set("Content-Type", contentTypeWAV)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", outputFilename))
	header.Set("Content-Length", strconv.Itoa(len(wav)))
	header.Set(headerSessionID, sess.ID())
	w.WriteHeader(http.StatusOK)

	_, writeErr := w.Write(wav)
	if writeErr != nil {
		s.log.Warn(logWriteFailed, requestID, writeErr)
	}
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusTooManyRequests, ErrorResponse{
		Error: "rate limit exceeded",
		Kind:  core.KindGatewayBusy,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusNotFound, ErrorResponse{
		Error: "no route for " + r.URL.Path,
		Kind:  core.KindValidation,
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusMethodNotAllowed, ErrorResponse{
		Error: r.Method + " is not allowed on " + r.URL.Path,
		Kind:  core.KindValidation,
	})
}

// readUpload reads one uploaded file fully into memory. Its spool file is
// removed with the rest of the form.
func readUpload(form *multipart.Form, field string) (session.Upload, error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return session.Upload{}, fmt.Errorf("%w: %w: %s is required", core.ErrValidation, ErrMissingUpload, field)
	}

	header := headers[0]

	file, err := header.Open()
	if err != nil {
		return session.Upload{}, fmt.Errorf("failed to open %s: %w", field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return session.Upload{}, fmt.Errorf("failed to read %s: %w", field, err)
	}

	return session.Upload{
		Data:        data,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	}, nil
}

func (s *Server) classifyParseError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || strings.HasSuffix(err.Error(), tooLargeErrorSuffix) {
		return s.tooLarge()
	}

	return fmt.Errorf("%w: %w: %v", core.ErrValidation, ErrNotMultipart, err)
}

func (s *Server) tooLarge() error {
	return fmt.Errorf("%w: %w: limit is %s", core.ErrValidation, ErrBodyTooLarge, fileutil.FormatFileSize(s.opts.MaxRequestBytes))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	encodeErr := json.NewEncoder(w).Encode(body)
	if encodeErr != nil {
		s.log.Warn(logWriteFailed, middleware.GetReqID(r.Context()), encodeErr)
	}
}
