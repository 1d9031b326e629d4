package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voice-packets-service/internal/audio"
	"github.com/skypro1111/voice-packets-service/internal/events"
	"github.com/skypro1111/voice-packets-service/internal/metrics"
	"github.com/skypro1111/voice-packets-service/internal/protocol"
)

// Defaults for the session engine
const (
	DefaultTimeout          = time.Second
	DefaultMinParticipantID = 1
	DefaultMaxParticipantID = 128
)

// Drop reasons reported on the dropped packets metric
const (
	dropInvalidParticipant = "invalid_participant"
	dropInvalidLength      = "invalid_length"
	dropInvalidOffset      = "invalid_offset"
	dropEmptyBuffer        = "empty_buffer"
	dropShortBuffer        = "short_buffer"
)

// Bridge event names reported on the notification failures metric
const (
	eventStart = "utterance_start"
	eventEnd   = "utterance_end"
)

// PacketHandler receives one intercepted voice packet. The raw buffer is only
// valid for the duration of the call.
type PacketHandler func(participantID int, raw []byte, bitOffset, bitLength int)

// Config holds the session engine configuration
type Config struct {
	MinParticipantID int
	MaxParticipantID int
	Timeout          time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MinParticipantID: DefaultMinParticipantID,
		MaxParticipantID: DefaultMaxParticipantID,
		Timeout:          DefaultTimeout,
	}
}

// Validate validates the engine configuration
func (c Config) Validate() error {
	if c.MinParticipantID > c.MaxParticipantID {
		return fmt.Errorf("participant range is empty: min %d > max %d", c.MinParticipantID, c.MaxParticipantID)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}

	return nil
}

// session is the reconstruction state of one utterance
type session struct {
	participantID  int
	samples        []byte
	lastPacket     time.Time
	speaking       bool
	startedAt      time.Time
	packets        uint64
	decodeFailures uint64
}

// SessionInfo is a snapshot of one open utterance, for monitoring
type SessionInfo struct {
	ParticipantID  int       `json:"participant_id"`
	Speaking       bool      `json:"speaking"`
	BufferedBytes  int       `json:"buffered_bytes"`
	Packets        uint64    `json:"packets"`
	DecodeFailures uint64    `json:"decode_failures"`
	StartedAt      time.Time `json:"started_at"`
	LastPacket     time.Time `json:"last_packet"`
}

// resetter is implemented by decoders that keep per-participant state
type resetter interface {
	Reset(participantID int)
}

// Manager owns the voice sessions of all active speakers. A single mutex
// guards the store; decoder and bridge calls are made without holding it.
// The manager starts no goroutines, its owner drives Sweep periodically.
type Manager struct {
	sessions map[int]*session
	mu       sync.Mutex

	timeout atomic.Int64
	cfg     Config

	logger  *slog.Logger
	decoder audio.Decoder
	bridge  events.Bridge
	metrics *metrics.Metrics

	now func() time.Time
}

// NewManager creates a session engine. bridge may be nil, in which case
// utterances are reconstructed but not announced.
func NewManager(logger *slog.Logger, decoder audio.Decoder, bridge events.Bridge, m *metrics.Metrics, cfg Config) (*Manager, error) {
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}

	if m == nil {
		return nil, errors.New("metrics are required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	mgr := &Manager{
		sessions: make(map[int]*session),
		cfg:      cfg,
		logger:   logger,
		decoder:  decoder,
		bridge:   bridge,
		metrics:  m,
		now:      time.Now,
	}
	mgr.timeout.Store(int64(cfg.Timeout))

	return mgr, nil
}

// Ingest processes one voice packet: the payload at bitOffset is aligned,
// the speaker's session is created or refreshed, and the decoded PCM is
// appended. Malformed packets are dropped without touching the store.
func (m *Manager) Ingest(participantID int, raw []byte, bitOffset, bitLength int) {
	if reason := m.validate(participantID, raw, bitOffset, bitLength); reason != "" {
		m.logger.Debug("Dropping voice packet",
			slog.Int("participant_id", participantID),
			slog.String("reason", reason),
			slog.Int("raw_bytes", len(raw)),
			slog.Int("bit_offset", bitOffset),
			slog.Int("bit_length", bitLength),
		)
		m.metrics.RecordPacketDropped(reason)
		return
	}

	payload, err := protocol.AlignBits(raw, bitOffset, bitLength)
	if err != nil {
		m.logger.Debug("Dropping voice packet",
			slog.Int("participant_id", participantID),
			slog.String("error", err.Error()),
		)
		m.metrics.RecordPacketDropped(dropShortBuffer)
		return
	}

	now := m.now()

	m.mu.Lock()
	s, exists := m.sessions[participantID]
	if !exists {
		s = &session{
			participantID: participantID,
			speaking:      true,
			startedAt:     now,
		}
		m.sessions[participantID] = s
	}
	s.lastPacket = now
	s.packets++
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordPacketIngested()

	if !exists {
		m.metrics.RecordUtteranceStarted()
		m.metrics.SetActiveSpeakers(active)
		m.logger.Debug("Utterance started", slog.Int("participant_id", participantID))
		m.notify(eventStart, participantID, func(b events.Bridge) error {
			return b.OnUtteranceStart(participantID)
		})
	}

	code, pcm := m.decoder.Decode(participantID, payload, audio.SampleRate)
	if code == audio.ResultOK && len(pcm) == 0 {
		code = audio.ResultNoData
	}

	if code != audio.ResultOK {
		m.logger.Warn("Voice decode failed",
			slog.Int("participant_id", participantID),
			slog.String("result", code.String()),
			slog.Int("code", int(code)),
			slog.Int("payload_bytes", len(payload)),
		)
		m.metrics.RecordDecodeFailure(code.String())

		m.mu.Lock()
		if m.sessions[participantID] == s {
			s.decodeFailures++
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	live := m.sessions[participantID] == s
	if live {
		s.samples = append(s.samples, pcm...)
	}
	m.mu.Unlock()

	if !live {
		m.logger.Debug("Discarding samples for finalized utterance",
			slog.Int("participant_id", participantID),
			slog.Int("pcm_bytes", len(pcm)),
		)
		return
	}

	m.metrics.RecordDecoded(len(pcm))
}

// validate returns the drop reason for a malformed packet, or "" if the
// packet can be ingested
func (m *Manager) validate(participantID int, raw []byte, bitOffset, bitLength int) string {
	switch {
	case participantID < m.cfg.MinParticipantID || participantID > m.cfg.MaxParticipantID:
		return dropInvalidParticipant
	case bitLength <= 0:
		return dropInvalidLength
	case len(raw) == 0:
		return dropEmptyBuffer
	case bitOffset < 0:
		return dropInvalidOffset
	}

	required := protocol.RequiredBytes(bitOffset, bitLength)
	if required < 0 {
		return dropInvalidLength
	}
	if len(raw) < required {
		return dropShortBuffer
	}
	return ""
}

// Sweep finalizes every utterance silent for longer than the configured
// timeout. It returns the number of sessions finalized.
func (m *Manager) Sweep() int {
	return m.SweepWithTimeout(m.Timeout())
}

// SweepWithTimeout finalizes every utterance whose last packet is older than
// timeout. Expired sessions are removed under the store lock; their audio is
// encoded and announced after it is released. Sessions without decoded audio
// are dropped silently.
func (m *Manager) SweepWithTimeout(timeout time.Duration) int {
	start := time.Now()
	now := m.now()

	var expired []*session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.speaking && now.Sub(s.lastPacket) > timeout {
			s.speaking = false
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	slices.SortFunc(expired, func(a, b *session) int {
		return a.participantID - b.participantID
	})
	// Decoder state goes with the entry, before a new packet can reopen it
	for _, s := range expired {
		m.resetDecoder(s.participantID)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		m.metrics.SetActiveSpeakers(active)

		m.logger.Debug("Finalizing silent utterances",
			slog.Int("expired_count", len(expired)),
			slog.Duration("timeout", timeout),
		)

		for _, s := range expired {
			m.finalize(s, now)
		}
	}

	m.metrics.RecordSweep(time.Since(start).Seconds())

	return len(expired)
}

// finalize encodes a removed session and sends its end notification. The
// session is no longer reachable from the store, so its buffer is stable.
func (m *Manager) finalize(s *session, now time.Time) {
	if len(s.samples) == 0 {
		m.metrics.RecordUtteranceEmpty()
		m.logger.Debug("Dropping utterance without audio",
			slog.Int("participant_id", s.participantID),
			slog.Uint64("packets", s.packets),
			slog.Uint64("decode_failures", s.decodeFailures),
		)
		return
	}

	container, err := audio.EncodeWAV(s.samples, audio.SampleRate, audio.BitsPerSample, audio.Channels)
	if err != nil {
		m.logger.Error("Failed to encode utterance",
			slog.Int("participant_id", s.participantID),
			slog.String("error", err.Error()),
		)
		return
	}

	duration := audio.PCMDuration(len(s.samples), audio.SampleRate, audio.BitsPerSample, audio.Channels)
	m.metrics.RecordUtteranceEnded(duration, len(container))

	m.logger.Info("Utterance finalized",
		slog.Int("participant_id", s.participantID),
		slog.Int("pcm_bytes", len(s.samples)),
		slog.Float64("audio_seconds", duration),
		slog.Uint64("packets", s.packets),
		slog.Uint64("decode_failures", s.decodeFailures),
		slog.Duration("wall_time", now.Sub(s.startedAt)),
	)

	m.notify(eventEnd, s.participantID, func(b events.Bridge) error {
		return b.OnUtteranceEnd(s.participantID, container)
	})
}

// resetDecoder drops per-participant decoder state. Callers hold m.mu;
// decoders never call back into the manager.
func (m *Manager) resetDecoder(participantID int) {
	if r, ok := m.decoder.(resetter); ok {
		r.Reset(participantID)
	}
}

// notify calls the bridge, logging and swallowing errors and panics
func (m *Manager) notify(event string, participantID int, call func(events.Bridge) error) {
	if m.bridge == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event bridge panicked",
				slog.String("event", event),
				slog.Int("participant_id", participantID),
				slog.Any("panic", r),
			)
			m.metrics.RecordNotificationFailure(event)
		}
	}()

	if err := call(m.bridge); err != nil {
		m.logger.Warn("Event bridge notification failed",
			slog.String("event", event),
			slog.Int("participant_id", participantID),
			slog.String("error", err.Error()),
		)
		m.metrics.RecordNotificationFailure(event)
	}
}

// SetTimeout sets the silence timeout in seconds. Non-positive, NaN and
// infinite values are ignored and reported as false.
func (m *Manager) SetTimeout(seconds float64) bool {
	if !(seconds > 0) || math.IsInf(seconds, 0) {
		return false
	}

	ns := seconds * float64(time.Second)
	if ns < 1 || ns >= math.MaxInt64 {
		return false
	}

	d := time.Duration(ns)
	m.timeout.Store(int64(d))

	m.logger.Info("Voice timeout set",
		slog.Float64("seconds", seconds),
		slog.Duration("timeout", d),
	)

	return true
}

// Timeout returns the current silence timeout
func (m *Manager) Timeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

// ActiveSpeakers returns the sorted ids of participants currently speaking
func (m *Manager) ActiveSpeakers() []int {
	m.mu.Lock()
	ids := make([]int, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.speaking {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// ActiveSessionCount returns the number of sessions in the store
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of all open utterances ordered by participant
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, SessionInfo{
			ParticipantID:  s.participantID,
			Speaking:       s.speaking,
			BufferedBytes:  len(s.samples),
			Packets:        s.packets,
			DecodeFailures: s.decodeFailures,
			StartedAt:      s.startedAt,
			LastPacket:     s.lastPacket,
		})
	}
	m.mu.Unlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return a.ParticipantID - b.ParticipantID
	})
	return infos
}

// Close discards all open sessions without finalizing them. No end
// notifications are sent.
func (m *Manager) Close() {
	m.mu.Lock()
	discarded := len(m.sessions)
	for id := range m.sessions {
		m.resetDecoder(id)
	}
	clear(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSpeakers(0)

	m.logger.Info("Stream manager closed", slog.Int("discarded_sessions", discarded))
}
