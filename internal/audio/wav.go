package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVHeaderSize is the size of the canonical PCM WAV header
const WAVHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data size
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

// EncodeWAV wraps raw linear PCM bytes into a WAV container.
// The payload is copied verbatim after the header; empty and odd-length
// payloads are valid.
func EncodeWAV(samples []byte, sampleRate, bitsPerSample, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if bitsPerSample <= 0 || bitsPerSample%8 != 0 {
		return nil, fmt.Errorf("bits per sample must be a positive multiple of 8, got %d", bitsPerSample)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	bytesPerSample := uint32(bitsPerSample / 8)
	dataSize := uint32(len(samples))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(channels) * bytesPerSample,
		BlockAlign:    uint16(uint32(channels) * bytesPerSample),
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(samples)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	buf.Write(samples)

	return buf.Bytes(), nil
}

// ParseWAVHeader reads the 44-byte header and returns it together with the
// data payload it describes.
func ParseWAVHeader(data []byte) (*WAVHeader, []byte, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	end := WAVHeaderSize + int(header.Subchunk2Size)
	if end > len(data) {
		return nil, nil, fmt.Errorf("WAV data truncated: header declares %d payload bytes, have %d",
			header.Subchunk2Size, len(data)-WAVHeaderSize)
	}

	return &header, data[WAVHeaderSize:end], nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo is basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, _, err := ParseWAVHeader(data)
	if err != nil {
		return nil, err
	}

	if header.BlockAlign == 0 || header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid WAV header: block_align=%d sample_rate=%d",
			header.BlockAlign, header.SampleRate)
	}

	numSamples := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

// PCMDuration returns the playback length of a raw PCM buffer
func PCMDuration(size, sampleRate, bitsPerSample, channels int) float64 {
	frame := channels * bitsPerSample / 8
	if frame <= 0 || sampleRate <= 0 {
		return 0
	}
	return float64(size/frame) / float64(sampleRate)
}
