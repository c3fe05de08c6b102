// Package audio provides the waveform type, container detection, decoding,
// resampling and WAV encoding used by the conversion pipeline.
//
// Every waveform that reaches the inference engine passes through an
// Ingestor, which turns an uploaded byte stream into a mono buffer at the
// engine's sample rate and rejects input that cannot carry speech.
package audio

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

// Format identifies an audio container.
type Format string

// Known containers. Only WAV, FLAC and MP3 can be decoded; the others are
// recognised so that the caller gets a precise error.
const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatOGG     Format = "ogg"
	FormatM4A     Format = "m4a"
	FormatAAC     Format = "aac"
)

// Magic numbers used for sniffing.
const (
	minSniffLen  = 12
	mp3SyncByte  = 0xFF
	mp3SyncMask  = 0xE0
	riffTag      = "RIFF"
	waveTag      = "WAVE"
	flacTag      = "fLaC"
	oggTag       = "OggS"
	id3Tag       = "ID3"
	ftypTag      = "ftyp"
	ftypOffset   = 4
	waveTagStart = 8
)

// Supported reports whether the format can be decoded.
func (f Format) Supported() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatFLAC:
		return true
	case FormatUnknown, FormatOGG, FormatM4A, FormatAAC:
		return false
	default:
		return false
	}
}

// FormatFromFilename maps a file extension to a Format.
func FormatFromFilename(name string) Format {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))

	switch ext {
	case "wav", "wave":
		return FormatWAV
	case "mp3":
		return FormatMP3
	case "flac":
		return FormatFLAC
	case "ogg", "oga", "opus":
		return FormatOGG
	case "m4a", "mp4":
		return FormatM4A
	case "aac":
		return FormatAAC
	default:
		return FormatUnknown
	}
}

// FormatFromContentType maps a MIME type to a Format. Parameters such as
// charset are ignored.
func FormatFromContentType(contentType string) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatUnknown
	}

	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return FormatWAV
	case "audio/mpeg", "audio/mp3":
		return FormatMP3
	case "audio/flac", "audio/x-flac":
		return FormatFLAC
	case "audio/ogg", "audio/opus":
		return FormatOGG
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return FormatM4A
	case "audio/aac":
		return FormatAAC
	default:
		return FormatUnknown
	}
}

// DeclaredFormat picks the format a client claimed for an upload: the
// filename extension first, then the part's content type.
func DeclaredFormat(filename, contentType string) Format {
	if f := FormatFromFilename(filename); f != FormatUnknown {
		return f
	}

	return FormatFromContentType(contentType)
}

// Sniff inspects the leading bytes of raw and returns the container they
// belong to, or FormatUnknown.
func Sniff(raw []byte) Format {
	switch {
	case len(raw) >= minSniffLen &&
		bytes.Equal(raw[:4], []byte(riffTag)) &&
		bytes.Equal(raw[waveTagStart:minSniffLen], []byte(waveTag)):
		return FormatWAV
	case bytes.HasPrefix(raw, []byte(flacTag)):
		return FormatFLAC
	case bytes.HasPrefix(raw, []byte(oggTag)):
		return FormatOGG
	case bytes.HasPrefix(raw, []byte(id3Tag)):
		return FormatMP3
	case len(raw) >= 2 && raw[0] == mp3SyncByte && raw[1]&mp3SyncMask == mp3SyncMask:
		return FormatMP3
	case len(raw) >= ftypOffset+4 && bytes.Equal(raw[ftypOffset:ftypOffset+4], []byte(ftypTag)):
		return FormatM4A
	default:
		return FormatUnknown
	}
}

// resolveFormat trusts the byte signature over the client's declaration.
func resolveFormat(raw []byte, declared Format) Format {
	if sniffed := Sniff(raw); sniffed != FormatUnknown {
		return sniffed
	}

	return declared
}
