package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

const (
	wavFormatPCM     = 1
	wavFormatFloat   = 3
	outputBitDepth   = 16
	unsigned8Offset  = 128
	mp3Channels      = 2
	mp3BytesPerFrame = 4
	floatBitDepth    = 32
	pcm16Max         = 32767
	pcm16Min         = -32768
)

// Error formats.
const (
	errFmtUnsupported   = "%w: unsupported format %q"
	errFmtUnrecognised  = "%w: unrecognised audio container"
	errFmtWAV           = "%w: wav: %v"
	errFmtWAVHeader     = "%w: wav: missing RIFF/WAVE header"
	errFmtWAVLayout     = "%w: wav: invalid layout (%d channels, %d Hz, %d bits)"
	errFmtMP3           = "%w: mp3: %v"
	errFmtFLAC          = "%w: flac: %v"
	errFmtFLACLayout    = "%w: flac: invalid layout (%d channels, %d Hz, %d bits)"
	errFmtEncodeLayout  = "cannot encode waveform with %d channels at %d Hz"
	errFmtEncodeFailure = "failed to encode wav: %w"
)

// Decode parses raw into a Waveform without any normalisation. The byte
// signature wins over declared when it identifies a container.
func Decode(raw []byte, declared Format) (*Waveform, error) {
	format := resolveFormat(raw, declared)

	switch format {
	case FormatWAV:
		return decodeWAV(raw)
	case FormatFLAC:
		return decodeFLAC(raw)
	case FormatMP3:
		return decodeMP3(raw)
	case FormatUnknown:
		return nil, fmt.Errorf(errFmtUnrecognised, ErrDecode)
	case FormatOGG, FormatM4A, FormatAAC:
		return nil, fmt.Errorf(errFmtUnsupported, ErrDecode, format)
	default:
		return nil, fmt.Errorf(errFmtUnsupported, ErrDecode, format)
	}
}

// DecodeWAV parses a WAV file without resampling or downmixing. Engine
// adapters use it for model output.
func DecodeWAV(raw []byte) (*Waveform, error) {
	return decodeWAV(raw)
}

func decodeWAV(raw []byte) (*Waveform, error) {
	if Sniff(raw) != FormatWAV {
		return nil, fmt.Errorf(errFmtWAVHeader, ErrDecode)
	}

	decoder := wav.NewDecoder(bytes.NewReader(raw))

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf(errFmtWAV, ErrDecode, err)
	}

	if buf == nil {
		return nil, fmt.Errorf(errFmtWAVLayout, ErrDecode, 0, 0, 0)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(decoder.BitDepth)
	}

	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 || bitDepth <= 0 {
		channels, rate := 0, 0
		if buf.Format != nil {
			channels, rate = buf.Format.NumChannels, buf.Format.SampleRate
		}

		return nil, fmt.Errorf(errFmtWAVLayout, ErrDecode, channels, rate, bitDepth)
	}

	samples := make([]float32, len(buf.Data))

	switch {
	case decoder.WavAudioFormat == wavFormatFloat && bitDepth == floatBitDepth:
		for i, v := range buf.Data {
			samples[i] = math.Float32frombits(uint32(v))
		}
	case bitDepth == 8:
		for i, v := range buf.Data {
			samples[i] = float32(v-unsigned8Offset) / unsigned8Offset
		}
	default:
		scale := float32(int64(1) << (bitDepth - 1))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
	}

	return &Waveform{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

func decodeFLAC(raw []byte) (*Waveform, error) {
	stream, err := flac.New(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf(errFmtFLAC, ErrDecode, err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	rate := int(stream.Info.SampleRate)
	bits := int(stream.Info.BitsPerSample)

	if channels <= 0 || rate <= 0 || bits <= 0 {
		return nil, fmt.Errorf(errFmtFLACLayout, ErrDecode, channels, rate, bits)
	}

	scale := float32(int64(1) << (bits - 1))
	samples := make([]float32, 0, int(stream.Info.NSamples)*channels)

	for {
		frame, parseErr := stream.ParseNext()
		if errors.Is(parseErr, io.EOF) {
			break
		}

		if parseErr != nil {
			return nil, fmt.Errorf(errFmtFLAC, ErrDecode, parseErr)
		}

		if len(frame.Subframes) < channels {
			return nil, fmt.Errorf(errFmtFLACLayout, ErrDecode, len(frame.Subframes), rate, bits)
		}

		blockSize := len(frame.Subframes[0].Samples)
		for i := range blockSize {
			for ch := range channels {
				samples = append(samples, float32(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}

	return &Waveform{Samples: samples, SampleRate: rate, Channels: channels}, nil
}

// decodeMP3 relies on go-mp3 always producing 16-bit little-endian stereo.
func decodeMP3(raw []byte) (*Waveform, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf(errFmtMP3, ErrDecode, err)
	}

	pcm, readErr := io.ReadAll(decoder)
	if readErr != nil {
		return nil, fmt.Errorf(errFmtMP3, ErrDecode, readErr)
	}

	frames := len(pcm) / mp3BytesPerFrame
	samples := make([]float32, frames*mp3Channels)

	for i := range samples {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		samples[i] = float32(v) / pcm16FullSize
	}

	return &Waveform{Samples: samples, SampleRate: decoder.SampleRate(), Channels: mp3Channels}, nil
}

// EncodeWAV renders the waveform as a 16-bit PCM WAV file.
func EncodeWAV(w *Waveform) ([]byte, error) {
	if w.Channels <= 0 || w.SampleRate <= 0 {
		return nil, fmt.Errorf(errFmtEncodeLayout, w.Channels, w.SampleRate)
	}

	out := &writeSeeker{}
	encoder := wav.NewEncoder(out, w.SampleRate, outputBitDepth, w.Channels, wavFormatPCM)

	data := make([]int, len(w.Samples))
	for i, s := range w.Samples {
		data[i] = toPCM16(s)
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.Channels, SampleRate: w.SampleRate},
		Data:           data,
		SourceBitDepth: outputBitDepth,
	}

	writeErr := encoder.Write(buf)
	if writeErr != nil {
		return nil, fmt.Errorf(errFmtEncodeFailure, writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf(errFmtEncodeFailure, closeErr)
	}

	return out.Bytes(), nil
}

func toPCM16(s float32) int {
	v := int(math.Round(float64(s) * pcm16Max))

	switch {
	case v > pcm16Max:
		return pcm16Max
	case v < pcm16Min:
		return pcm16Min
	default:
		return v
	}
}
