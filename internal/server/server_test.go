package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/gateway"
	"github.com/book-expert/voice-clone-service/internal/server"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineRate = 22050

var errModelMissing = errors.New("checkpoint not found")

// mirrorEngine echoes the source back, optionally holding the model until
// release is closed.
type mirrorEngine struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	params []core.ConversionParameters
}

func (m *mirrorEngine) Convert(
	_ context.Context,
	source, _ *audio.Waveform,
	params core.ConversionParameters,
) (*audio.Waveform, error) {
	m.mu.Lock()
	m.params = append(m.params, params)
	m.mu.Unlock()

	if m.started != nil {
		m.once.Do(func() { close(m.started) })
	}

	if m.release != nil {
		<-m.release
	}

	samples := make([]float32, len(source.Samples))
	copy(samples, source.Samples)

	return &audio.Waveform{Samples: samples, SampleRate: engineRate, Channels: 1}, nil
}

func (m *mirrorEngine) SampleRate() int { return engineRate }

func (m *mirrorEngine) calls() []core.ConversionParameters {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.ConversionParameters(nil), m.params...)
}

func (m *mirrorEngine) Close() error { return nil }

type fixture struct {
	handler http.Handler
	gateway *gateway.Gateway
}

func newFixture(t *testing.T, engine core.InferenceEngine, loadErr error, mutate func(*server.Options)) fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "server_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	load := func(context.Context) (core.InferenceEngine, error) {
		if loadErr != nil {
			return nil, loadErr
		}

		return engine, nil
	}

	gw := gateway.New(context.Background(), load, gateway.Options{AcquireTimeout: 150 * time.Millisecond}, log)
	t.Cleanup(func() { _ = gw.Close() })

	pipeline := session.NewPipeline(
		audio.NewIngestor(engineRate, 10*time.Second),
		gw,
		core.Limits{MaxDiffusionSteps: core.DefaultMaxDiffusionSteps},
		log,
	)

	opts := server.Options{
		Addr:            "127.0.0.1:0",
		ServiceName:     "voice-clone-service",
		Version:         "test",
		MaxRequestBytes: 4 << 20,
		RetryAfter:      1500 * time.Millisecond,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}

	if mutate != nil {
		mutate(&opts)
	}

	return fixture{
		handler: server.New(opts, pipeline, gw, log).Handler(),
		gateway: gw,
	}
}

func toneWAV(t *testing.T, rate int, seconds, amplitude float64) []byte {
	t.Helper()

	samples := make([]float32, int(float64(rate)*seconds))
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}

	raw, err := audio.EncodeWAV(&audio.Waveform{Samples: samples, SampleRate: rate, Channels: 1})
	require.NoError(t, err)

	return raw
}

type part struct {
	field    string
	filename string
	data     []byte
}

func cloneRequest(t *testing.T, parts []part, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	for _, p := range parts {
		fileWriter, err := writer.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)

		_, err = fileWriter.Write(p.data)
		require.NoError(t, err)
	}

	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}

	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, server.PathClone, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req
}

func bothClips(t *testing.T) []part {
	t.Helper()

	return []part{
		{field: session.FieldSourceAudio, filename: "source.wav", data: toneWAV(t, engineRate, 3, 0.5)},
		{field: session.FieldTargetAudio, filename: "target.wav", data: toneWAV(t, 44100, 3, 0.5)},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) server.ErrorResponse {
	t.Helper()

	var body server.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func TestHealth(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, errModelMissing, nil)

	for _, path := range []string{server.PathHealth, strings.TrimSuffix(server.PathHealth, "/")} {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var body server.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, server.HealthResponse{Status: "healthy", Service: "voice-clone-service", Version: "test"}, body)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	t.Run("engine loaded", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t, &mirrorEngine{}, nil, nil)

		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, server.PathReady, nil))

		require.Equal(t, http.StatusOK, rec.Code)

		var body server.ReadyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ready", body.Status)
		assert.True(t, body.Gateway.Available)
	})

	t.Run("engine failed to load", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t, nil, errModelMissing, nil)

		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, server.PathReady, nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		body := decodeError(t, rec)
		assert.Equal(t, core.KindEngineUnavailable, body.Kind)
		assert.Contains(t, body.Error, errModelMissing.Error())
	})
}

func TestClone_ReturnsConvertedWAV(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, nil)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, cloneRequest(t, bothClips(t), map[string]string{
		core.FieldDiffusionSteps: "30",
		core.FieldF0Condition:    "false",
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="cloned_voice.wav"`, rec.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, rec.Header().Get("X-Session-ID"))

	out, err := audio.DecodeWAV(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, engineRate, out.SampleRate)
	assert.InDelta(t, 3.0, out.Duration().Seconds(), 0.05)

	assert.Equal(t, uint64(1), fx.gateway.Stats().Completed)
}

func TestClone_DefaultParameters(t *testing.T) {
	t.Parallel()

	engine := &mirrorEngine{}
	fx := newFixture(t, engine, nil, nil)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, cloneRequest(t, bothClips(t), nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))

	out, err := audio.DecodeWAV(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, engineRate, out.SampleRate)
	assert.Equal(t, 1, out.Channels)
	assert.InDelta(t, 3.0, out.Duration().Seconds(), 0.05)

	calls := engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.DefaultParameters(), calls[0])
}

func TestClone_WithoutTrailingSlash(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, nil)

	req := cloneRequest(t, bothClips(t), nil)
	req.URL.Path = strings.TrimSuffix(server.PathClone, "/")

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClone_Failures(t *testing.T) {
	t.Parallel()

	silent, err := audio.EncodeWAV(&audio.Waveform{Samples: make([]float32, engineRate), SampleRate: engineRate, Channels: 1})
	require.NoError(t, err)

	tests := []struct {
		name       string
		parts      func(t *testing.T) []part
		fields     map[string]string
		wantStatus int
		wantKind   core.Kind
	}{
		{
			name: "missing target",
			parts: func(t *testing.T) []part {
				t.Helper()

				return bothClips(t)[:1]
			},
			wantStatus: http.StatusBadRequest,
			wantKind:   core.KindValidation,
		},
		{
			name:       "steps out of range",
			parts:      bothClips,
			fields:     map[string]string{core.FieldDiffusionSteps: "0"},
			wantStatus: http.StatusBadRequest,
			wantKind:   core.KindValidation,
		},
		{
			name:       "unparseable boolean",
			parts:      bothClips,
			fields:     map[string]string{core.FieldAutoF0Adjust: "maybe"},
			wantStatus: http.StatusBadRequest,
			wantKind:   core.KindValidation,
		},
		{
			name: "undecodable source",
			parts: func(t *testing.T) []part {
				t.Helper()

				clips := bothClips(t)
				clips[0].data = []byte("definitely not audio")

				return clips
			},
			wantStatus: http.StatusBadRequest,
			wantKind:   core.KindDecode,
		},
		{
			name: "silent target",
			parts: func(t *testing.T) []part {
				t.Helper()

				clips := bothClips(t)
				clips[1].data = silent

				return clips
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   core.KindInvalidAudio,
		},
		{
			name: "single-sample source",
			parts: func(t *testing.T) []part {
				t.Helper()

				single, encodeErr := audio.EncodeWAV(&audio.Waveform{Samples: []float32{0.5}, SampleRate: 44100, Channels: 1})
				require.NoError(t, encodeErr)

				clips := bothClips(t)
				clips[0].data = single

				return clips
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   core.KindInvalidAudio,
		},
		{
			name: "source too long",
			parts: func(t *testing.T) []part {
				t.Helper()

				clips := bothClips(t)
				clips[0].data = toneWAV(t, 8000, 12, 0.5)

				return clips
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantKind:   core.KindAudioTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t, &mirrorEngine{}, nil, nil)

			rec := httptest.NewRecorder()
			fx.handler.ServeHTTP(rec, cloneRequest(t, tt.parts(t), tt.fields))

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeError(t, rec).Kind)
			assert.Zero(t, fx.gateway.Stats().Completed)
		})
	}
}

func TestClone_RejectsNonMultipart(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, server.PathClone, strings.NewReader(`{"source":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.KindValidation, decodeError(t, rec).Kind)
}

func TestClone_BodyTooLarge(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, func(opts *server.Options) {
		opts.MaxRequestBytes = 1024
	})

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, cloneRequest(t, bothClips(t), nil))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, core.KindValidation, decodeError(t, rec).Kind)
}

func TestClone_EngineUnavailable(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, errModelMissing, nil)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, cloneRequest(t, bothClips(t), nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, core.KindEngineUnavailable, decodeError(t, rec).Kind)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestClone_BusyWhileModelHeld(t *testing.T) {
	t.Parallel()

	engine := &mirrorEngine{started: make(chan struct{}), release: make(chan struct{})}
	fx := newFixture(t, engine, nil, nil)

	first := httptest.NewRecorder()
	firstReq := cloneRequest(t, bothClips(t), nil)
	secondReq := cloneRequest(t, bothClips(t), nil)
	done := make(chan struct{})

	go func() {
		defer close(done)

		fx.handler.ServeHTTP(first, firstReq)
	}()

	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first conversion never reached the engine")
	}

	second := httptest.NewRecorder()
	fx.handler.ServeHTTP(second, secondReq)

	close(engine.release)
	<-done

	require.Equal(t, http.StatusServiceUnavailable, second.Code)
	assert.Equal(t, core.KindGatewayBusy, decodeError(t, second).Kind)
	assert.Equal(t, "2", second.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, uint64(1), fx.gateway.Stats().BusyRejections)
}

func TestClone_RateLimited(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, func(opts *server.Options) {
		opts.RateLimitPerMinute = 1
	})

	statuses := make([]int, 0, 2)

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, server.PathClone, nil)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, statuses)
}

func TestRouting(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, nil)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{method: http.MethodGet, path: "/api/unknown/", wantStatus: http.StatusNotFound},
		{method: http.MethodGet, path: server.PathClone, wantStatus: http.StatusMethodNotAllowed},
		{method: http.MethodPost, path: server.PathHealth, wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

		assert.Equal(t, tt.wantStatus, rec.Code, tt.method+" "+tt.path)
		assert.Equal(t, core.KindValidation, decodeError(t, rec).Kind)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, func(opts *server.Options) {
		opts.CORSAllowedOrigins = []string{"https://studio.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, server.PathClone, nil)
	req.Header.Set("Origin", "https://studio.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://studio.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &mirrorEngine{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, server.PathHealth, nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-ID"))
}
