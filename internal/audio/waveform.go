package audio

import (
	"math"
	"time"
)

// Output loudness targets.
const (
	clipPeak      = 1.0
	clipTarget    = 0.95
	quietPeak     = 0.1
	quietTarget   = 0.5
	pcm16FullSize = 32768.0
)

// Waveform is an interleaved buffer of samples in [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of samples per channel.
func (w *Waveform) Frames() int {
	if w == nil || w.Channels <= 0 {
		return 0
	}

	return len(w.Samples) / w.Channels
}

// Duration returns the playback length of the buffer.
func (w *Waveform) Duration() time.Duration {
	if w == nil || w.SampleRate <= 0 {
		return 0
	}

	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// Peak returns the largest absolute sample value.
func (w *Waveform) Peak() float32 {
	if w == nil {
		return 0
	}

	var peak float32

	for _, s := range w.Samples {
		abs := float32(math.Abs(float64(s)))
		if abs > peak {
			peak = abs
		}
	}

	return peak
}

// Release drops the sample buffer. The waveform keeps its format so it can
// still be described in logs.
func (w *Waveform) Release() {
	if w == nil {
		return
	}

	w.Samples = nil
}

// Released reports whether Release has been called (or the buffer was never
// filled).
func (w *Waveform) Released() bool {
	return w == nil || w.Samples == nil
}

// DownmixMono averages all channels into one. A mono input is returned as is.
func DownmixMono(w *Waveform) *Waveform {
	if w.Channels <= 1 {
		return w
	}

	frames := w.Frames()
	mono := make([]float32, frames)

	for i := range frames {
		var sum float32

		base := i * w.Channels
		for ch := range w.Channels {
			sum += w.Samples[base+ch]
		}

		mono[i] = sum / float32(w.Channels)
	}

	return &Waveform{Samples: mono, SampleRate: w.SampleRate, Channels: 1}
}

// Normalize rescales the buffer in place so that clipped output is pulled
// back under full scale and very quiet output is lifted to an audible level.
func Normalize(w *Waveform) {
	peak := w.Peak()
	if peak == 0 {
		return
	}

	var gain float32

	switch {
	case peak > clipPeak:
		gain = clipTarget / peak
	case peak < quietPeak:
		gain = quietTarget / peak
	default:
		return
	}

	for i := range w.Samples {
		w.Samples[i] *= gain
	}
}
