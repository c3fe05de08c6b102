package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want core.Kind
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("%w: diffusion_steps", core.ErrValidation), want: core.KindValidation},
		{err: fmt.Errorf("source: %w", audio.ErrDecode), want: core.KindDecode},
		{err: fmt.Errorf("target: %w", audio.ErrInvalidAudio), want: core.KindInvalidAudio},
		{err: audio.ErrAudioTooLong, want: core.KindAudioTooLong},
		{err: core.ErrGatewayBusy, want: core.KindGatewayBusy},
		{err: core.ErrEngineUnavailable, want: core.KindEngineUnavailable},
		{err: fmt.Errorf("%w: %w", core.ErrInference, context.Canceled), want: core.KindInference},
		{err: fmt.Errorf("%w: %w", core.ErrInference, audio.ErrDecode), want: core.KindInference},
		{err: core.ErrCanceled, want: core.KindCanceled},
		{err: fmt.Errorf("source_audio: %w", context.Canceled), want: core.KindCanceled},
		{err: context.Canceled, want: core.KindCanceled},
		{err: errors.New("disk on fire"), want: core.KindInternal},
	}

	for _, testCase := range tests {
		assert.Equal(t, testCase.want, core.KindOf(testCase.err), "err=%v", testCase.err)
	}
}

func TestKind_Classification(t *testing.T) {
	t.Parallel()

	assert.True(t, core.KindGatewayBusy.Retryable())
	assert.True(t, core.KindEngineUnavailable.Retryable())
	assert.False(t, core.KindInference.Retryable())

	assert.True(t, core.KindValidation.ClientFault())
	assert.True(t, core.KindAudioTooLong.ClientFault())
	assert.False(t, core.KindGatewayBusy.ClientFault())
	assert.False(t, core.KindInternal.ClientFault())
}
