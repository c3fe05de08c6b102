// Package session runs one voice conversion request from raw uploads to an
// output waveform. A Session owns every buffer of its request and releases
// them on Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a session's position in the conversion lifecycle.
type State int

// Lifecycle states. Failed is reachable from every non-terminal state.
const (
	StateCreated State = iota
	StateValidated
	StateDecoding
	StateConverting
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:    "created",
	StateValidated:  "validated",
	StateDecoding:   "decoding",
	StateConverting: "converting",
	StateCompleted:  "completed",
	StateFailed:     "failed",
}

func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		return fmt.Sprintf("state(%d)", int(s))
	}

	return name
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrInvalidTransition indicates a step was called out of order.
var ErrInvalidTransition = errors.New("invalid session transition")

// Upload field names as sent by clients.
const (
	FieldSourceAudio = "source_audio"
	FieldTargetAudio = "target_audio"
)

const (
	logCompleted = "Session %s (request %s) completed: %s source, %d diffusion steps, decode %s, convert %s"
	logFailed    = "Session %s (request %s) failed in %s: [%s] %v"
	logDiscarded = "Session %s (request %s): client went away during conversion, output discarded"

	errFmtTransition = "%w: %s from %s"
	errFmtUpload     = "%s: %w"
	errFmtDiscarded  = "%w: client disconnected during conversion: %w"
)

// Upload is one uploaded audio file.
type Upload struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Request is everything a client submits for one conversion.
type Request struct {
	Source Upload
	Target Upload
	// Fields holds the raw parameter values keyed by field name.
	Fields map[string]any
}

// Converter runs the engine under the gateway's exclusion.
type Converter interface {
	Run(
		ctx context.Context,
		sessionID string,
		source, target *audio.Waveform,
		params core.ConversionParameters,
	) (*audio.Waveform, error)
}

// Pipeline holds the process-wide collaborators shared by every session.
type Pipeline struct {
	ingestor  *audio.Ingestor
	converter Converter
	limits    core.Limits
	log       *logger.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(ingestor *audio.Ingestor, converter Converter, limits core.Limits, log *logger.Logger) *Pipeline {
	return &Pipeline{
		ingestor:  ingestor,
		converter: converter,
		limits:    limits,
		log:       log,
	}
}

// SampleRate is the rate of every waveform the pipeline produces.
func (p *Pipeline) SampleRate() int {
	return p.ingestor.SampleRate()
}

// NewSession starts a session for req. requestID correlates logs with the
// transport that carried the request.
func (p *Pipeline) NewSession(requestID string, req Request) *Session {
	return &Session{
		id:        uuid.NewString(),
		requestID: requestID,
		pipeline:  p,
		request:   req,
		state:     StateCreated,
	}
}

// Session is the per-request state machine. It is not safe for concurrent
// use.
type Session struct {
	id        string
	requestID string
	pipeline  *Pipeline
	request   Request
	state     State
	params    core.ConversionParameters
	source    *audio.Waveform
	target    *audio.Waveform
	output    *audio.Waveform
	err       error
	decodeDur time.Duration
	convDur   time.Duration
	closed    bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RequestID returns the transport request identifier.
func (s *Session) RequestID() string { return s.requestID }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Err returns the failure that moved the session to Failed.
func (s *Session) Err() error { return s.err }

// Params returns the validated parameters. Only meaningful after Validate.
func (s *Session) Params() core.ConversionParameters { return s.params }

// Output returns the converted waveform once Completed.
func (s *Session) Output() *audio.Waveform { return s.output }

// Execute drives the session through every step and returns the output.
func (s *Session) Execute(ctx context.Context) (*audio.Waveform, error) {
	err := s.Validate()
	if err != nil {
		return nil, err
	}

	err = s.Decode(ctx)
	if err != nil {
		return nil, err
	}

	err = s.Convert(ctx)
	if err != nil {
		return nil, err
	}

	return s.output, nil
}

// Validate parses the request parameters. Created -> Validated.
func (s *Session) Validate() error {
	transitionErr := s.expect(StateCreated, "validate")
	if transitionErr != nil {
		return transitionErr
	}

	params, err := core.ParseParameters(s.request.Fields, s.pipeline.limits)
	if err != nil {
		return s.fail(err)
	}

	s.params = params
	s.state = StateValidated

	return nil
}

// Decode decodes both uploads concurrently. Validated -> Decoding, leaving
// the session in Decoding with both inputs ready. Raw bytes are dropped once
// decoded.
func (s *Session) Decode(ctx context.Context) error {
	transitionErr := s.expect(StateValidated, "decode")
	if transitionErr != nil {
		return transitionErr
	}

	s.state = StateDecoding
	started := time.Now()

	group, groupCtx := errgroup.WithContext(ctx)

	var source, target *audio.Waveform

	group.Go(func() error {
		decoded, err := s.decodeUpload(groupCtx, FieldSourceAudio, s.request.Source)
		source = decoded

		return err
	})

	group.Go(func() error {
		decoded, err := s.decodeUpload(groupCtx, FieldTargetAudio, s.request.Target)
		target = decoded

		return err
	})

	err := group.Wait()

	s.request.Source.Data = nil
	s.request.Target.Data = nil
	s.decodeDur = time.Since(started)

	if err != nil {
		source.Release()
		target.Release()

		return s.fail(err)
	}

	s.source = source
	s.target = target

	return nil
}

func (s *Session) decodeUpload(ctx context.Context, field string, upload Upload) (*audio.Waveform, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, fmt.Errorf(errFmtUpload, field, ctxErr)
	}

	declared := audio.DeclaredFormat(upload.Filename, upload.ContentType)

	decoded, err := s.pipeline.ingestor.Decode(upload.Data, declared)
	if err != nil {
		return nil, fmt.Errorf(errFmtUpload, field, err)
	}

	return decoded, nil
}

// Convert runs the engine through the gateway. Decoding -> Converting ->
// Completed. The inputs are released as soon as the engine returns. When ctx
// is cancelled while the engine runs, the output is discarded.
func (s *Session) Convert(ctx context.Context) error {
	transitionErr := s.expect(StateDecoding, "convert")
	if transitionErr != nil {
		return transitionErr
	}

	if s.source.Released() || s.target.Released() {
		return s.fail(fmt.Errorf(errFmtTransition, ErrInvalidTransition, "convert", "incomplete decode"))
	}

	s.state = StateConverting
	started := time.Now()

	output, err := s.pipeline.converter.Run(ctx, s.id, s.source, s.target, s.params)

	s.convDur = time.Since(started)
	sourceDuration := s.source.Duration()

	s.source.Release()
	s.target.Release()

	if err != nil {
		return s.fail(err)
	}

	ctxErr := ctx.Err()
	if ctxErr != nil {
		output.Release()
		s.pipeline.log.Warn(logDiscarded, s.id, s.requestID)

		return s.fail(fmt.Errorf(errFmtDiscarded, core.ErrCanceled, ctxErr))
	}

	audio.Normalize(output)

	s.output = output
	s.state = StateCompleted

	s.pipeline.log.Info(
		logCompleted,
		s.id, s.requestID, sourceDuration.Round(time.Millisecond), s.params.DiffusionSteps,
		s.decodeDur.Round(time.Millisecond), s.convDur.Round(time.Millisecond),
	)

	return nil
}

// Close releases every buffer the session holds. It is safe to call more
// than once and in any state.
func (s *Session) Close() {
	if s.closed {
		return
	}

	s.closed = true
	s.request.Source.Data = nil
	s.request.Target.Data = nil
	s.request.Fields = nil

	s.source.Release()
	s.target.Release()
	s.output.Release()
}

func (s *Session) expect(want State, step string) error {
	if s.state != want || s.closed {
		return fmt.Errorf(errFmtTransition, ErrInvalidTransition, step, s.state)
	}

	return nil
}

func (s *Session) fail(err error) error {
	previous := s.state
	s.state = StateFailed
	s.err = err

	s.pipeline.log.Error(logFailed, s.id, s.requestID, previous, core.KindOf(err), err)

	return err
}
