package audio

import (
	"errors"
	"fmt"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Ingest errors. Callers classify them with errors.Is.
var (
	// ErrDecode indicates the upload is not a readable audio stream.
	ErrDecode = errors.New("audio could not be decoded")
	// ErrInvalidAudio indicates the upload decoded but is empty or silent.
	ErrInvalidAudio = errors.New("audio is empty or silent")
	// ErrAudioTooLong indicates the upload exceeds the configured duration.
	ErrAudioTooLong = errors.New("audio exceeds maximum duration")
)

// silenceFloor is one 16-bit LSB. Anything quieter carries neither timbre nor
// content.
const silenceFloor = float32(1.0 / pcm16FullSize)

const (
	errFmtEmptyUpload = "%w: upload is empty"
	errFmtNoSamples   = "%w: stream contains no samples"
	errFmtSilent      = "%w: stream is silent"
	errFmtTooLong     = "%w: %s exceeds %s"
	errFmtResample    = "failed to resample %d Hz -> %d Hz: %w"
)

// Ingestor turns uploaded bytes into mono waveforms at a fixed sample rate.
type Ingestor struct {
	sampleRate  int
	maxDuration time.Duration
}

// NewIngestor creates an Ingestor. A zero maxDuration disables the limit.
func NewIngestor(sampleRate int, maxDuration time.Duration) *Ingestor {
	return &Ingestor{sampleRate: sampleRate, maxDuration: maxDuration}
}

// SampleRate returns the rate every decoded waveform is resampled to.
func (i *Ingestor) SampleRate() int {
	return i.sampleRate
}

// Decode validates and normalises one upload. The duration limit is applied
// before resampling so oversized input is rejected cheaply.
func (i *Ingestor) Decode(raw []byte, declared Format) (*Waveform, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf(errFmtEmptyUpload, ErrInvalidAudio)
	}

	decoded, err := Decode(raw, declared)
	if err != nil {
		return nil, err
	}

	if decoded.Frames() == 0 {
		return nil, fmt.Errorf(errFmtNoSamples, ErrInvalidAudio)
	}

	if i.maxDuration > 0 && decoded.Duration() > i.maxDuration {
		return nil, fmt.Errorf(errFmtTooLong, ErrAudioTooLong, decoded.Duration(), i.maxDuration)
	}

	mono := DownmixMono(decoded)
	if mono.Peak() < silenceFloor {
		return nil, fmt.Errorf(errFmtSilent, ErrInvalidAudio)
	}

	resampled, err := Resample(mono, i.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if resampled.Frames() == 0 {
		return nil, fmt.Errorf(errFmtNoSamples, ErrInvalidAudio)
	}

	return resampled, nil
}

// Resample converts w to a mono waveform at rate. Multi-channel input is
// downmixed first. A mono waveform already at rate is returned as is.
func Resample(w *Waveform, rate int) (*Waveform, error) {
	w = DownmixMono(w)
	if w.SampleRate == rate {
		return w, nil
	}

	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(w.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf(errFmtResample, w.SampleRate, rate, err)
	}

	input := make([]float64, len(w.Samples))
	for idx, s := range w.Samples {
		input[idx] = float64(s)
	}

	output, err := resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf(errFmtResample, w.SampleRate, rate, err)
	}

	// The filter holds back its latency until end of input.
	tail, err := resampler.Flush()
	if err != nil {
		return nil, fmt.Errorf(errFmtResample, w.SampleRate, rate, err)
	}

	output = append(output, tail...)

	// Flush pads with silence; keep only what the input spans.
	want := int(int64(len(w.Samples)) * int64(rate) / int64(w.SampleRate))
	if len(output) > want {
		output = output[:want]
	}

	samples := make([]float32, len(output))
	for idx, s := range output {
		samples[idx] = float32(s)
	}

	return &Waveform{Samples: samples, SampleRate: rate, Channels: 1}, nil
}
