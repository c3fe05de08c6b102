package worker

import (
	"github.com/book-expert/events"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ConversionRequestedEvent asks for the audio stored under SourceKey to be
// spoken in the voice stored under TargetKey.
type ConversionRequestedEvent struct {
	Header       events.EventHeader `json:"header"`
	SourceKey    string             `json:"source_key"`
	TargetKey    string             `json:"target_key"`
	SourceFormat string             `json:"source_format,omitempty"`
	TargetFormat string             `json:"target_format,omitempty"`
	Parameters   map[string]any     `json:"parameters,omitempty"`
}

// ConversionCompletedEvent is the reply to a ConversionRequestedEvent. On
// failure OutputKey is empty and Error and Kind describe the cause.
type ConversionCompletedEvent struct {
	Header          events.EventHeader `json:"header"`
	OutputKey       string             `json:"output_key,omitempty"`
	SampleRate      int                `json:"sample_rate,omitempty"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Error           string             `json:"error,omitempty"`
	Kind            core.Kind          `json:"kind,omitempty"`
}
