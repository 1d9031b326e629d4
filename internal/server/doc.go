// Package server implements the UDP voice packet source and the HTTP API.
// The UDP server parses voice frames and feeds them to a packet handler on
// per-participant workers; the HTTP server exposes the active speakers, the
// silence timeout, monitoring endpoints and the utterance event stream.
package server
