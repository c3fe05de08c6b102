// Package core defines the conversion pipeline's contracts: the inference
// engine and object store interfaces, the conversion parameters and the
// error taxonomy shared by every layer.
package core

import (
	"context"

	"github.com/book-expert/voice-clone-service/internal/audio"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// InferenceEngine is the loaded voice conversion model. Implementations hold
// device-resident state and are not safe for concurrent use; callers must go
// through the gateway.
type InferenceEngine interface {
	// Convert renders the content of source in the timbre of target. Both
	// inputs are mono at SampleRate; the output is mono at SampleRate.
	Convert(ctx context.Context, source, target *audio.Waveform, params ConversionParameters) (*audio.Waveform, error)
	// SampleRate is the single rate the engine consumes and produces.
	SampleRate() int
	// Close releases the model.
	Close() error
}
