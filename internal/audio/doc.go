// Package audio handles the audio side of utterance capture: decoding compressed
// voice frames into 48 kHz linear PCM and wrapping finished PCM buffers into
// WAV containers for delivery.
package audio
