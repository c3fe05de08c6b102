// Package engine provides the inference engine adapters the gateway loads:
// a Seed-VC HTTP sidecar and a Seed-VC inference subprocess.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// API endpoints and paths.
const (
	apiConvert = "/v1/convert"
	apiHealth  = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeWAV    = "audio/wav"
)

// Multipart field names understood by the sidecar.
const (
	partSource = "source"
	partTarget = "target"
)

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode = "conversion service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "conversion service returned non-OK status: %s, body: %s"
)

// ErrEmptyAudio indicates the sidecar answered with no audio.
var ErrEmptyAudio = errors.New("received empty audio data")

// HTTPEngine converts voices by calling a Seed-VC sidecar over HTTP. The
// sidecar holds the model; this adapter holds only the connection pool.
type HTTPEngine struct {
	httpClient *http.Client
	baseURL    string
	sampleRate int
	log        *logger.Logger
}

// ServiceErrorResponse is the structured error body of the sidecar.
type ServiceErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPEngine creates an adapter for the sidecar at baseURL (for example
// "http://127.0.0.1:7860"). timeout bounds each request.
func NewHTTPEngine(baseURL string, timeout time.Duration, sampleRate int, log *logger.Logger) *HTTPEngine {
	return &HTTPEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: sampleRate,
		log:        log,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SampleRate returns the rate of the waveforms exchanged with the gateway.
func (e *HTTPEngine) SampleRate() int {
	return e.sampleRate
}

// Close drops idle connections to the sidecar.
func (e *HTTPEngine) Close() error {
	e.httpClient.CloseIdleConnections()

	return nil
}

// HealthCheck verifies that the sidecar is up and has its model loaded.
func (e *HTTPEngine) HealthCheck(ctx context.Context) error {
	url := e.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// Convert uploads both waveforms as WAV with the parameters as form fields
// and decodes the WAV answer. Output at another rate is resampled.
func (e *HTTPEngine) Convert(
	ctx context.Context,
	source, target *audio.Waveform,
	params core.ConversionParameters,
) (*audio.Waveform, error) {
	body, contentType, err := e.buildRequestBody(source, target, params)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+apiConvert, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentType)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to conversion service at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.parseErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if mediaType != contentTypeWAV && mediaType != "audio/x-wav" && mediaType != "audio/wave" {
		return nil, fmt.Errorf(errUnexpectedContentType, resp.Header.Get(headerContentType))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return toEngineFormat(audioData, e.sampleRate)
}

func (e *HTTPEngine) buildRequestBody(
	source, target *audio.Waveform,
	params core.ConversionParameters,
) (*bytes.Buffer, string, error) {
	sourceWAV, err := audio.EncodeWAV(source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode source: %w", err)
	}

	targetWAV, err := audio.EncodeWAV(target)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode target: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, part := range []struct {
		field string
		data  []byte
	}{
		{field: partSource, data: sourceWAV},
		{field: partTarget, data: targetWAV},
	} {
		fileWriter, createErr := writer.CreateFormFile(part.field, part.field+".wav")
		if createErr != nil {
			return nil, "", fmt.Errorf("failed to create %s part: %w", part.field, createErr)
		}

		_, writeErr := fileWriter.Write(part.data)
		if writeErr != nil {
			return nil, "", fmt.Errorf("failed to write %s part: %w", part.field, writeErr)
		}
	}

	for name, value := range paramFields(params) {
		fieldErr := writer.WriteField(name, value)
		if fieldErr != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", name, fieldErr)
		}
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", closeErr)
	}

	return body, writer.FormDataContentType(), nil
}

// parseErrorResponse decodes a structured JSON error from the sidecar and
// falls back to the raw body.
func (e *HTTPEngine) parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var errorResp ServiceErrorResponse

	err := json.Unmarshal(raw, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(raw))
}

// paramFields renders the parameters as the sidecar's form fields.
func paramFields(params core.ConversionParameters) map[string]string {
	return map[string]string{
		core.FieldDiffusionSteps:   strconv.Itoa(params.DiffusionSteps),
		core.FieldF0Condition:      strconv.FormatBool(params.F0Condition),
		core.FieldAutoF0Adjust:     strconv.FormatBool(params.AutoF0Adjust),
		core.FieldInferenceCFGRate: strconv.FormatFloat(params.InferenceCFGRate, 'f', -1, 64),
		core.FieldLengthAdjust:     strconv.FormatFloat(params.LengthAdjust, 'f', -1, 64),
		core.FieldPitchShift:       strconv.Itoa(params.PitchShift),
	}
}

// toEngineFormat decodes engine output WAV and brings it to mono at rate.
func toEngineFormat(raw []byte, rate int) (*audio.Waveform, error) {
	decoded, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode engine output: %w", err)
	}

	resampled, err := audio.Resample(audio.DownmixMono(decoded), rate)
	if err != nil {
		return nil, fmt.Errorf("failed to resample engine output: %w", err)
	}

	return resampled, nil
}
