package audio_test

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	engineRate = 22050
	toneHz     = 220.0

	// resampleSlack absorbs integer rounding of the output length.
	resampleSlack = 2

	flacBlockSize = 4096
	flacBits      = 16

	// speech.mp3 is 57 mono MPEG-2 Layer III frames of 576 samples at 22050 Hz.
	mp3FixtureRate   = 22050
	mp3FixtureFrames = 57 * 576
)

// tone builds an interleaved sine wave with the same signal on every channel.
func tone(rate, channels int, seconds, amplitude float64) *audio.Waveform {
	frames := int(float64(rate) * seconds)
	samples := make([]float32, frames*channels)

	for i := range frames {
		v := float32(amplitude * math.Sin(2*math.Pi*toneHz*float64(i)/float64(rate)))
		for ch := range channels {
			samples[i*channels+ch] = v
		}
	}

	return &audio.Waveform{Samples: samples, SampleRate: rate, Channels: channels}
}

func encode(t *testing.T, w *audio.Waveform) []byte {
	t.Helper()

	raw, err := audio.EncodeWAV(w)
	require.NoError(t, err)

	return raw
}

func TestIngestor_DecodeWAVAtEngineRate(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Minute)

	out, err := ingestor.Decode(encode(t, tone(engineRate, 1, 1, 0.5)), audio.FormatWAV)
	require.NoError(t, err)

	assert.Equal(t, engineRate, out.SampleRate)
	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, engineRate, out.Frames())
	assert.InDelta(t, 0.5, out.Peak(), 0.01)
}

func TestIngestor_DownmixesStereo(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Minute)

	out, err := ingestor.Decode(encode(t, tone(engineRate, 2, 0.5, 0.4)), audio.FormatUnknown)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, engineRate/2, out.Frames())
	assert.InDelta(t, 0.4, out.Peak(), 0.01)
}

// encodeFLAC writes w as a 16-bit FLAC stream of verbatim subframes.
func encodeFLAC(t *testing.T, w *audio.Waveform) []byte {
	t.Helper()

	var out bytes.Buffer

	frames := w.Frames()
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(w.SampleRate),
		NChannels:     uint8(w.Channels),
		BitsPerSample: flacBits,
		NSamples:      uint64(frames),
	}

	encoder, err := flac.NewEncoder(&out, info)
	require.NoError(t, err)

	layout := frame.ChannelsMono
	if w.Channels == 2 {
		layout = frame.ChannelsLR
	}

	for start := 0; start < frames; start += flacBlockSize {
		size := min(flacBlockSize, frames-start)
		subframes := make([]*frame.Subframe, w.Channels)

		for ch := range w.Channels {
			block := make([]int32, size)
			for i := range size {
				block[i] = int32(w.Samples[(start+i)*w.Channels+ch] * (1 << (flacBits - 1)))
			}

			subframes[ch] = &frame.Subframe{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   block,
				NSamples:  size,
			}
		}

		require.NoError(t, encoder.WriteFrame(&frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: true,
				BlockSize:         uint16(size),
				SampleRate:        uint32(w.SampleRate),
				Channels:          layout,
				BitsPerSample:     flacBits,
			},
			Subframes: subframes,
		}))
	}

	require.NoError(t, encoder.Close())

	return out.Bytes()
}

func TestIngestor_ResamplesToEngineRate(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Minute)

	for _, rate := range []int{8000, 16000, 44100, 48000} {
		in := tone(rate, 1, 3, 0.5)

		out, err := ingestor.Decode(encode(t, in), audio.FormatWAV)
		require.NoError(t, err, "rate=%d", rate)

		want := in.Frames() * engineRate / rate
		assert.Equal(t, engineRate, out.SampleRate)
		assert.InDelta(t, want, out.Frames(), resampleSlack, "rate=%d", rate)
		assert.InDelta(t, 0.5, out.Peak(), 0.1, "rate=%d", rate)
	}
}

func TestResample_KeepsTail(t *testing.T) {
	t.Parallel()

	in := tone(44100, 1, 1, 0.5)

	out, err := audio.Resample(in, engineRate)
	require.NoError(t, err)
	require.InDelta(t, engineRate, out.Frames(), resampleSlack)

	// The last 20 ms must still carry the tone rather than the filter's silence.
	tail := &audio.Waveform{Samples: out.Samples[out.Frames()-engineRate/50:], SampleRate: engineRate, Channels: 1}
	assert.Greater(t, tail.Peak(), float32(0.3))
}

func TestIngestor_ShortClips(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Minute)

	// One sample at 44.1 kHz spans less than one output frame.
	single := &audio.Waveform{Samples: []float32{0.5}, SampleRate: 44100, Channels: 1}

	_, err := ingestor.Decode(encode(t, single), audio.FormatWAV)
	require.ErrorIs(t, err, audio.ErrInvalidAudio)

	short := tone(44100, 1, 100.0/44100, 0.5)

	out, err := ingestor.Decode(encode(t, short), audio.FormatWAV)
	require.NoError(t, err)
	assert.Positive(t, out.Frames())
	assert.LessOrEqual(t, out.Frames(), 50)
}

func TestDecode_FLAC(t *testing.T) {
	t.Parallel()

	in := tone(16000, 2, 1.5, 0.4)
	raw := encodeFLAC(t, in)

	require.Equal(t, audio.FormatFLAC, audio.Sniff(raw))

	out, err := audio.Decode(raw, audio.FormatFLAC)
	require.NoError(t, err)

	assert.Equal(t, 16000, out.SampleRate)
	assert.Equal(t, 2, out.Channels)
	assert.Equal(t, in.Frames(), out.Frames())
	assert.InDelta(t, 0.4, out.Peak(), 0.01)

	for i := range 64 {
		assert.InDelta(t, in.Samples[i], out.Samples[i], 1.0/(1<<(flacBits-1)))
	}

	ingested, err := audio.NewIngestor(engineRate, time.Minute).Decode(raw, audio.FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, 1, ingested.Channels)
	assert.InDelta(t, in.Frames()*engineRate/16000, ingested.Frames(), resampleSlack)
}

func TestDecode_MP3(t *testing.T) {
	t.Parallel()

	raw, err := os.ReadFile(filepath.Join("testdata", "speech.mp3"))
	require.NoError(t, err)

	require.Equal(t, audio.FormatMP3, audio.Sniff(raw))

	out, err := audio.Decode(raw, audio.FormatMP3)
	require.NoError(t, err)

	assert.Equal(t, mp3FixtureRate, out.SampleRate)
	assert.Equal(t, 2, out.Channels)
	assert.Equal(t, mp3FixtureFrames, out.Frames())
	assert.Greater(t, out.Peak(), float32(0.01))

	ingested, err := audio.NewIngestor(engineRate, time.Minute).Decode(raw, audio.DeclaredFormat("speech.mp3", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, ingested.Channels)
	assert.Equal(t, mp3FixtureFrames, ingested.Frames())
}

func TestIngestor_RejectsSilence(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Minute)

	for _, frames := range []int{1, 10, engineRate} {
		silent := &audio.Waveform{Samples: make([]float32, frames), SampleRate: engineRate, Channels: 1}

		_, err := ingestor.Decode(encode(t, silent), audio.FormatWAV)
		require.ErrorIs(t, err, audio.ErrInvalidAudio, "frames=%d", frames)
	}
}

func TestIngestor_RejectsEmptyUpload(t *testing.T) {
	t.Parallel()

	_, err := audio.NewIngestor(engineRate, time.Minute).Decode(nil, audio.FormatWAV)
	require.ErrorIs(t, err, audio.ErrInvalidAudio)
}

func TestIngestor_RejectsTooLong(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Second)

	_, err := ingestor.Decode(encode(t, tone(engineRate, 1, 2, 0.5)), audio.FormatWAV)
	require.ErrorIs(t, err, audio.ErrAudioTooLong)
}

func TestIngestor_RejectsUndecodable(t *testing.T) {
	t.Parallel()

	ingestor := audio.NewIngestor(engineRate, time.Minute)

	tests := []struct {
		name     string
		raw      []byte
		declared audio.Format
	}{
		{name: "garbage declared wav", raw: []byte("definitely not a wave file"), declared: audio.FormatWAV},
		{name: "garbage undeclared", raw: []byte("definitely not audio"), declared: audio.FormatUnknown},
		{name: "ogg container", raw: []byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00"), declared: audio.FormatUnknown},
		{name: "truncated riff", raw: []byte("RIFF\x24\x00\x00\x00WAVE"), declared: audio.FormatWAV},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := ingestor.Decode(testCase.raw, testCase.declared)
			require.ErrorIs(t, err, audio.ErrDecode)
		})
	}
}

func TestEncodeWAV_PreservesLayout(t *testing.T) {
	t.Parallel()

	in := tone(24000, 2, 0.25, 0.3)

	out, err := audio.Decode(encode(t, in), audio.FormatWAV)
	require.NoError(t, err)

	assert.Equal(t, in.SampleRate, out.SampleRate)
	assert.Equal(t, in.Channels, out.Channels)
	assert.Equal(t, in.Frames(), out.Frames())
	assert.Equal(t, in.Duration(), out.Duration())
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		peak     float64
		wantPeak float32
	}{
		{name: "clipped is pulled under full scale", peak: 1.6, wantPeak: 0.95},
		{name: "quiet is lifted", peak: 0.02, wantPeak: 0.5},
		{name: "normal is untouched", peak: 0.6, wantPeak: 0.6},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			w := tone(engineRate, 1, 0.1, testCase.peak)
			audio.Normalize(w)
			assert.InDelta(t, testCase.wantPeak, w.Peak(), 0.01)
		})
	}

	silent := &audio.Waveform{Samples: make([]float32, 8), SampleRate: engineRate, Channels: 1}
	audio.Normalize(silent)
	assert.Zero(t, silent.Peak())
}

func TestWaveform_Release(t *testing.T) {
	t.Parallel()

	w := tone(engineRate, 1, 0.1, 0.5)
	require.False(t, w.Released())

	w.Release()
	assert.True(t, w.Released())
	assert.Equal(t, engineRate, w.SampleRate)
}

func TestFormatDetection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, audio.FormatWAV, audio.DeclaredFormat("voice.WAV", ""))
	assert.Equal(t, audio.FormatFLAC, audio.DeclaredFormat("voice", "audio/x-flac"))
	assert.Equal(t, audio.FormatMP3, audio.DeclaredFormat("", "audio/mpeg; charset=binary"))
	assert.Equal(t, audio.FormatUnknown, audio.DeclaredFormat("notes.txt", "text/plain"))

	assert.Equal(t, audio.FormatFLAC, audio.Sniff([]byte("fLaC\x00\x00")))
	assert.Equal(t, audio.FormatMP3, audio.Sniff([]byte("ID3\x04\x00")))
	assert.Equal(t, audio.FormatMP3, audio.Sniff([]byte{0xFF, 0xFB, 0x90}))
	assert.Equal(t, audio.FormatUnknown, audio.Sniff([]byte("hello")))
	assert.True(t, audio.FormatFLAC.Supported())
	assert.False(t, audio.FormatOGG.Supported())
}
