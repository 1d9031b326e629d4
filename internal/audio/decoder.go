package audio

import (
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// Output format of decoded voice, fixed for the whole pipeline
const (
	SampleRate    = 48000
	Channels      = 1 // Mono
	BitsPerSample = 16

	// MaxFrameBytes caps the PCM produced for a single packet
	MaxFrameBytes = 22528

	// maxOpusFrameSize is 120 ms at 48 kHz, the longest Opus frame
	maxOpusFrameSize = 5760
)

// ResultCode is the outcome of a decode call
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultNoData
	ResultBufferTooSmall
	ResultDataCorrupted
	ResultUnsupported
	ResultNotInitialized
)

// String returns the result code name used in logs and metric labels
func (r ResultCode) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNoData:
		return "no_data"
	case ResultBufferTooSmall:
		return "buffer_too_small"
	case ResultDataCorrupted:
		return "data_corrupted"
	case ResultUnsupported:
		return "unsupported"
	case ResultNotInitialized:
		return "not_initialized"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Decoder turns a compressed voice payload into little-endian linear PCM.
// Any code other than ResultOK means no samples were produced.
type Decoder interface {
	Decode(participantID int, payload []byte, sampleRateHz int) (ResultCode, []byte)
}

// OpusDecoder decodes Opus voice frames with one gopus decoder per participant,
// keeping decoder state across consecutive frames of the same speaker.
type OpusDecoder struct {
	maxFrameBytes int

	decoders map[int]*gopus.Decoder
	mu       sync.Mutex
}

// NewOpusDecoder creates an Opus decode service; maxFrameBytes <= 0 selects MaxFrameBytes
func NewOpusDecoder(maxFrameBytes int) *OpusDecoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = MaxFrameBytes
	}

	return &OpusDecoder{
		maxFrameBytes: maxFrameBytes,
		decoders:      make(map[int]*gopus.Decoder),
	}
}

// Decode implements Decoder
func (d *OpusDecoder) Decode(participantID int, payload []byte, sampleRateHz int) (ResultCode, []byte) {
	if len(payload) == 0 {
		return ResultNoData, nil
	}

	if sampleRateHz != SampleRate {
		return ResultUnsupported, nil
	}

	dec, err := d.decoderFor(participantID)
	if err != nil {
		return ResultNotInitialized, nil
	}

	pcm, err := dec.Decode(payload, maxOpusFrameSize, false)
	if err != nil {
		return ResultDataCorrupted, nil
	}

	if len(pcm) == 0 {
		return ResultNoData, nil
	}

	if len(pcm)*2 > d.maxFrameBytes {
		return ResultBufferTooSmall, nil
	}

	return ResultOK, int16sToBytes(pcm)
}

// Reset drops the decoder state kept for a participant
func (d *OpusDecoder) Reset(participantID int) {
	d.mu.Lock()
	delete(d.decoders, participantID)
	d.mu.Unlock()
}

// ActiveDecoders returns the number of participants with decoder state
func (d *OpusDecoder) ActiveDecoders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.decoders)
}

func (d *OpusDecoder) decoderFor(participantID int) (*gopus.Decoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dec, ok := d.decoders[participantID]; ok {
		return dec, nil
	}

	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	d.decoders[participantID] = dec

	return dec, nil
}

// int16sToBytes converts PCM samples to little-endian bytes
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
