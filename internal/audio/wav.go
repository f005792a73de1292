package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV audio format tags
const (
	FormatPCM        uint16 = 1
	FormatIEEEFloat  uint16 = 3
	FormatExtensible uint16 = 0xFFFE
)

// HeaderSize is the size of a canonical RIFF/WAVE header with no extra chunks
const HeaderSize = 44

// ErrInvalidWAV is returned for data that is not a parseable RIFF/WAVE stream
var ErrInvalidWAV = errors.New("invalid WAV data")

// WAVHeader represents the header structure of a canonical WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes a parsed WAV stream
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataOffset    int     `json:"data_offset"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// EncodeWAV encodes mono PCM-16 samples into a canonical 44-byte-header WAV file
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   FormatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// GetWAVInfo walks the RIFF chunk list and returns the fmt/data description.
// Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: need at least 12 bytes, got %d", ErrInvalidWAV, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing WAVE format", ErrInvalidWAV)
	}

	var (
		info    WAVInfo
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			info.Channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			if info.AudioFormat == FormatExtensible && size >= 26 && body+26 <= len(data) {
				// first two bytes of the sub-format GUID carry the real tag
				info.AudioFormat = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			// streaming writers leave the size at 0 or 0xFFFFFFFF; clamp to what we have
			avail := uint32(len(data) - body)
			if size == 0 || size > avail {
				size = avail
			}
			info.DataOffset = body
			info.DataSize = size
			if err := info.finish(); err != nil {
				return nil, err
			}
			return &info, nil
		}

		// chunks are word aligned
		next := body + int(size) + int(size&1)
		if next <= pos {
			break
		}
		pos = next
	}

	if !haveFmt {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

func (i *WAVInfo) finish() error {
	if i.Channels == 0 {
		return fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}
	if i.SampleRate == 0 {
		return fmt.Errorf("%w: invalid sample rate: 0", ErrInvalidWAV)
	}
	if i.BitsPerSample == 0 || i.BitsPerSample%8 != 0 {
		return fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, i.BitsPerSample)
	}
	frameBytes := uint32(i.Channels) * uint32(i.BitsPerSample/8)
	i.NumFrames = i.DataSize / frameBytes
	i.Duration = float64(i.NumFrames) / float64(i.SampleRate)
	return nil
}

// ValidateWAV checks that data is a RIFF/WAVE stream with fmt and data chunks
func ValidateWAV(data []byte) error {
	_, err := GetWAVInfo(data)
	return err
}

// GetWAVDuration calculates the duration of a WAV file in seconds
func GetWAVDuration(data []byte) (float64, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// DecodeMono decodes a WAV stream into normalized float64 samples in [-1, 1],
// averaging all channels into one. Supports 8/16/24/32-bit PCM and 32/64-bit
// IEEE float.
func DecodeMono(data []byte) ([]float64, int, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return nil, 0, err
	}

	sampleBytes := int(info.BitsPerSample / 8)
	channels := int(info.Channels)
	read, err := sampleReader(info.AudioFormat, info.BitsPerSample)
	if err != nil {
		return nil, 0, err
	}

	pcm := data[info.DataOffset : info.DataOffset+int(info.DataSize)]
	frames := int(info.NumFrames)
	out := make([]float64, frames)
	for f := 0; f < frames; f++ {
		base := f * channels * sampleBytes
		var sum float64
		for c := 0; c < channels; c++ {
			off := base + c*sampleBytes
			sum += read(pcm[off : off+sampleBytes])
		}
		out[f] = sum / float64(channels)
	}

	return out, int(info.SampleRate), nil
}

func sampleReader(format, bits uint16) (func([]byte) float64, error) {
	switch format {
	case FormatPCM:
		switch bits {
		case 8:
			return func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }, nil
		case 16:
			return func(b []byte) float64 {
				return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
			}, nil
		case 24:
			return func(b []byte) float64 {
				v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
				if v&0x800000 != 0 {
					v |= ^0xFFFFFF
				}
				return float64(v) / 8388608
			}, nil
		case 32:
			return func(b []byte) float64 {
				return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
			}, nil
		}
	case FormatIEEEFloat:
		switch bits {
		case 32:
			return func(b []byte) float64 {
				return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			}, nil
		case 64:
			return func(b []byte) float64 {
				return math.Float64frombits(binary.LittleEndian.Uint64(b))
			}, nil
		}
	}
	return nil, fmt.Errorf("unsupported WAV encoding: format %d, %d bits", format, bits)
}

// FloatToPCM16 converts normalized samples to PCM-16, clipping out-of-range values
func FloatToPCM16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1:
			out[i] = math.MaxInt16
		case s <= -1:
			out[i] = math.MinInt16
		default:
			out[i] = int16(s * 32767)
		}
	}
	return out
}
