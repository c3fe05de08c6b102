// Package worker runs voice conversion jobs received over NATS. Audio moves
// through the JetStream object store; the conversion itself goes through the
// same pipeline and gateway as HTTP requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultJobTimeout bounds one job from download to upload.
const DefaultJobTimeout = 10 * time.Minute

const (
	outputExtension = ".wav"

	logSubscribed     = "Listening for conversion jobs on %s (queue group %q)"
	logJobReceived    = "Conversion job %s: source %s, target %s"
	logJobCompleted   = "Conversion job %s wrote %s (%s of audio)"
	logJobFailed      = "Conversion job %s failed (%s): %v"
	logNoReplySubject = "Conversion job %s has no reply subject, result dropped"
	logReplyFailed    = "Failed to reply to conversion job %s: %v"
	logDeleteFailed   = "Failed to delete input %s of job %s: %v"
	logMalformedJob   = "Discarding malformed conversion job: %v"
)

var (
	// ErrSubjectEmpty indicates the worker was configured without a subject.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrMissingKey indicates a job without a source or target object key.
	ErrMissingKey = errors.New("object key is required")
)

// Options configures a NatsWorker.
type Options struct {
	Subject      string
	QueueGroup   string
	DeleteInputs bool
	JobTimeout   time.Duration
}

// NatsWorker listens for conversion jobs on a NATS subject and answers each
// with a ConversionCompletedEvent.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	pipeline       *session.Pipeline
	opts           Options
	log            *logger.Logger
}

// NewNatsWorker creates a worker. It does not subscribe until Run.
func NewNatsWorker(
	natsConnection *nats.Conn,
	store core.ObjectStore,
	pipeline *session.Pipeline,
	opts Options,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		pipeline:       pipeline,
		opts:           opts,
		log:            log,
	}, nil
}

// Run subscribes and handles jobs until ctx is cancelled, then drains the
// subscription so the job in progress can reply.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.opts.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.opts.Subject, w.opts.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.opts.Subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info(logSubscribed, w.opts.Subject, w.opts.QueueGroup)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.JobTimeout)
	defer cancel()

	event, err := parseEvent(msg.Data)
	if err != nil {
		w.log.Error(logMalformedJob, err)
		w.reply(msg, "", w.failure(events.EventHeader{}, err))

		return
	}

	w.log.Info(logJobReceived, event.Header.EventID, event.SourceKey, event.TargetKey)

	reply, err := w.processJob(ctx, event)
	if err != nil {
		w.log.Error(logJobFailed, event.Header.EventID, core.KindOf(err), err)
		reply = w.failure(event.Header, err)
	} else {
		w.log.Info(
			logJobCompleted, event.Header.EventID, reply.OutputKey,
			time.Duration(reply.DurationSeconds*float64(time.Second)).Round(time.Millisecond),
		)

		if w.opts.DeleteInputs {
			w.deleteInputs(ctx, event)
		}
	}

	w.reply(msg, event.Header.EventID, reply)
}

// processJob downloads both inputs, converts them and uploads the result.
func (w *NatsWorker) processJob(ctx context.Context, event *ConversionRequestedEvent) (*ConversionCompletedEvent, error) {
	source, err := w.download(ctx, session.FieldSourceAudio, event.SourceKey, event.SourceFormat)
	if err != nil {
		return nil, err
	}

	target, err := w.download(ctx, session.FieldTargetAudio, event.TargetKey, event.TargetFormat)
	if err != nil {
		return nil, err
	}

	sess := w.pipeline.NewSession(event.Header.EventID, session.Request{
		Source: source,
		Target: target,
		Fields: event.Parameters,
	})
	defer sess.Close()

	output, err := sess.Execute(ctx)
	if err != nil {
		return nil, err
	}

	wav, err := audio.EncodeWAV(output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output of session %s: %w", sess.ID(), err)
	}

	outputKey := uuid.NewString() + outputExtension

	err = w.store.Upload(ctx, outputKey, wav)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio data for key '%s': %w", outputKey, err)
	}

	return &ConversionCompletedEvent{
		Header:          w.replyHeader(event.Header),
		OutputKey:       outputKey,
		SampleRate:      output.SampleRate,
		DurationSeconds: output.Duration().Seconds(),
	}, nil
}

// download fetches one input. A missing key is the requester's fault.
func (w *NatsWorker) download(ctx context.Context, field, key, format string) (session.Upload, error) {
	if key == "" {
		return session.Upload{}, fmt.Errorf("%w: %w: %s", core.ErrValidation, ErrMissingKey, field)
	}

	data, err := w.store.Download(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return session.Upload{}, fmt.Errorf("%w: %s: %w", core.ErrValidation, field, err)
		}

		return session.Upload{}, fmt.Errorf("failed to download %s for key '%s': %w", field, key, err)
	}

	filename := path.Base(key)
	if format != "" {
		filename = field + "." + strings.TrimPrefix(strings.ToLower(format), ".")
	}

	return session.Upload{Data: data, Filename: filename}, nil
}

func (w *NatsWorker) deleteInputs(ctx context.Context, event *ConversionRequestedEvent) {
	for _, key := range []string{event.SourceKey, event.TargetKey} {
		deleteErr := w.store.Delete(ctx, key)
		if deleteErr != nil {
			w.log.Warn(logDeleteFailed, key, event.Header.EventID, deleteErr)
		}
	}
}

func (w *NatsWorker) failure(header events.EventHeader, err error) *ConversionCompletedEvent {
	return &ConversionCompletedEvent{
		Header: w.replyHeader(header),
		Error:  err.Error(),
		Kind:   core.KindOf(err),
	}
}

// replyHeader keeps the workflow identity of the request under a new event ID.
func (w *NatsWorker) replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

func (w *NatsWorker) reply(msg *nats.Msg, eventID string, reply *ConversionCompletedEvent) {
	if msg.Reply == "" {
		w.log.Warn(logNoReplySubject, eventID)

		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error(logReplyFailed, eventID, err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error(logReplyFailed, eventID, err)
	}
}

func parseEvent(data []byte) (*ConversionRequestedEvent, error) {
	var event ConversionRequestedEvent

	err := json.Unmarshal(data, &event)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal event: %w", core.ErrValidation, err)
	}

	return &event, nil
}
