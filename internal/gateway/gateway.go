// Package gateway owns the single loaded inference engine and serialises
// access to it. Requests queue in arrival order and give up after a bounded
// wait.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// Defaults applied to zero Options fields.
const (
	DefaultAcquireTimeout = 30 * time.Second
	DefaultMaxQueueDepth  = 16
)

const (
	logEngineLoaded      = "Inference engine loaded (sample rate %d Hz) in %s"
	logEngineLoadFailed  = "Inference engine failed to load, gateway unavailable: %v"
	logGatewayBusy       = "Gateway busy for session %s after %s: %v"
	logInferenceFailed   = "Inference failed for session %s after %s: %v"
	logInferencePanicked = "Inference engine panicked for session %s: %v"
	logEngineCloseFailed = "Failed to close inference engine: %v"

	errFmtLoad       = "%w: %w"
	errFmtNoEngine   = "%w: loader returned no engine"
	errFmtBadRate    = "%w: engine reports sample rate %d"
	errFmtBusy       = "%w: %w"
	errFmtCanceled   = "%w: %w"
	errFmtEngine     = "%w: %w"
	errFmtPanic      = "%w: engine panic: %v"
	errFmtNoOutput   = "%w: engine returned no audio"
	errFmtOutputRate = "%w: engine returned %d Hz, want %d Hz"
	errFmtClosed     = "%w: gateway closed"
)

// LoadFunc loads the engine once at start-up.
type LoadFunc func(ctx context.Context) (core.InferenceEngine, error)

// Options bounds waiting for the engine.
type Options struct {
	// AcquireTimeout is how long a request may wait for its turn.
	AcquireTimeout time.Duration
	// MaxQueueDepth limits waiting requests. Negative means unbounded.
	MaxQueueDepth int
}

// Stats is a point-in-time view of gateway activity.
type Stats struct {
	Available      bool          `json:"available"`
	Queued         int           `json:"queued"`
	InFlight       bool          `json:"in_flight"`
	Completed      uint64        `json:"completed"`
	Failed         uint64        `json:"failed"`
	BusyRejections uint64        `json:"busy_rejections"`
	BusyTime       time.Duration `json:"busy_time_ns"`
}

// Gateway is the process-wide owner of the inference engine.
type Gateway struct {
	engine     core.InferenceEngine
	cause      error
	sampleRate int
	gate       *Gate
	opts       Options
	log        *logger.Logger

	mu     sync.Mutex
	stats  Stats
	closed bool
}

// New loads the engine with load. A load failure does not fail New: the
// returned gateway is permanently unavailable and reports the cause.
func New(ctx context.Context, load LoadFunc, opts Options, log *logger.Logger) *Gateway {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}

	if opts.MaxQueueDepth == 0 {
		opts.MaxQueueDepth = DefaultMaxQueueDepth
	}

	gw := &Gateway{
		gate: NewGate(opts.MaxQueueDepth),
		opts: opts,
		log:  log,
	}

	started := time.Now()

	engine, err := load(ctx)

	switch {
	case err != nil:
		gw.cause = fmt.Errorf(errFmtLoad, core.ErrEngineUnavailable, err)
	case engine == nil:
		gw.cause = fmt.Errorf(errFmtNoEngine, core.ErrEngineUnavailable)
	case engine.SampleRate() <= 0:
		gw.cause = fmt.Errorf(errFmtBadRate, core.ErrEngineUnavailable, engine.SampleRate())
		_ = engine.Close()
	default:
		gw.engine = engine
		gw.sampleRate = engine.SampleRate()
		gw.stats.Available = true
		log.Info(logEngineLoaded, gw.sampleRate, time.Since(started).Round(time.Millisecond))

		return gw
	}

	log.Error(logEngineLoadFailed, gw.cause)

	return gw
}

// Available reports whether the engine loaded and the gateway is open.
func (g *Gateway) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.engine != nil && !g.closed
}

// Cause returns the load failure, or nil when the engine loaded.
func (g *Gateway) Cause() error {
	return g.cause
}

// SampleRate returns the engine's rate, or zero when unavailable.
func (g *Gateway) SampleRate() int {
	return g.sampleRate
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	snapshot := g.stats
	snapshot.Available = g.engine != nil && !g.closed
	g.mu.Unlock()

	snapshot.Queued = g.gate.Waiting()
	snapshot.InFlight = g.gate.Held()

	return snapshot
}

// Run converts source into the timbre of target. It waits for exclusive use
// of the engine in FIFO order. Once the engine call starts it runs to
// completion even if ctx is cancelled; the caller decides whether to use the
// result.
func (g *Gateway) Run(
	ctx context.Context,
	sessionID string,
	source, target *audio.Waveform,
	params core.ConversionParameters,
) (*audio.Waveform, error) {
	if g.engine == nil {
		return nil, g.cause
	}

	waitStarted := time.Now()

	acquireErr := g.gate.Acquire(ctx, g.opts.AcquireTimeout)
	if acquireErr != nil {
		return nil, g.acquireFailure(sessionID, time.Since(waitStarted), acquireErr)
	}
	defer g.gate.Release()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()

		return nil, fmt.Errorf(errFmtClosed, core.ErrEngineUnavailable)
	}

	g.mu.Unlock()

	started := time.Now()
	output, err := g.convert(context.WithoutCancel(ctx), sessionID, source, target, params)
	elapsed := time.Since(started)

	g.mu.Lock()
	g.stats.BusyTime += elapsed

	if err != nil {
		g.stats.Failed++
	} else {
		g.stats.Completed++
	}
	g.mu.Unlock()

	if err != nil {
		g.log.Error(logInferenceFailed, sessionID, elapsed.Round(time.Millisecond), err)

		return nil, err
	}

	return output, nil
}

func (g *Gateway) acquireFailure(sessionID string, waited time.Duration, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf(errFmtCanceled, core.ErrCanceled, err)
	}

	g.mu.Lock()
	g.stats.BusyRejections++
	g.mu.Unlock()

	g.log.Warn(logGatewayBusy, sessionID, waited.Round(time.Millisecond), err)

	return fmt.Errorf(errFmtBusy, core.ErrGatewayBusy, err)
}

// convert calls the engine and turns failures and panics into inference
// errors.
func (g *Gateway) convert(
	ctx context.Context,
	sessionID string,
	source, target *audio.Waveform,
	params core.ConversionParameters,
) (output *audio.Waveform, err error) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			g.log.Error(logInferencePanicked, sessionID, recovered)

			output = nil
			err = fmt.Errorf(errFmtPanic, core.ErrInference, recovered)
		}
	}()

	output, err = g.engine.Convert(ctx, source, target, params)
	if err != nil {
		return nil, fmt.Errorf(errFmtEngine, core.ErrInference, err)
	}

	if output == nil || output.Frames() == 0 {
		return nil, fmt.Errorf(errFmtNoOutput, core.ErrInference)
	}

	if output.SampleRate != g.sampleRate {
		return nil, fmt.Errorf(errFmtOutputRate, core.ErrInference, output.SampleRate, g.sampleRate)
	}

	return output, nil
}

// Close waits for the running conversion, then releases the engine. Later
// calls to Run fail with EngineUnavailableError.
func (g *Gateway) Close() error {
	if g.engine == nil {
		return nil
	}

	acquireErr := g.gate.acquireUnbounded(context.Background())
	if acquireErr != nil {
		return fmt.Errorf("failed to acquire gateway for close: %w", acquireErr)
	}
	defer g.gate.Release()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}

	g.closed = true

	closeErr := g.engine.Close()
	if closeErr != nil {
		g.log.Error(logEngineCloseFailed, closeErr)

		return fmt.Errorf("failed to close inference engine: %w", closeErr)
	}

	return nil
}
