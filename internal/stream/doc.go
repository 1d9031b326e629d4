// Package stream reconstructs per-speaker utterances from voice packets.
// It keeps one session per active participant, appends decoded PCM as
// packets arrive, and finalizes a session into a WAV container once the
// speaker has been silent for longer than the configured timeout.
package stream
