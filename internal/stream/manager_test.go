package stream

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/voice-packets-service/internal/audio"
	"github.com/skypro1111/voice-packets-service/internal/metrics"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubDecoder echoes the aligned payload as PCM unless decodeFn is set
type stubDecoder struct {
	decodeFn func(participantID int, payload []byte) (audio.ResultCode, []byte)

	mu     sync.Mutex
	calls  int
	resets []int
}

func (d *stubDecoder) Decode(participantID int, payload []byte, sampleRateHz int) (audio.ResultCode, []byte) {
	d.mu.Lock()
	d.calls++
	fn := d.decodeFn
	d.mu.Unlock()

	if sampleRateHz != audio.SampleRate {
		return audio.ResultUnsupported, nil
	}

	if fn != nil {
		return fn(participantID, payload)
	}
	return audio.ResultOK, append([]byte(nil), payload...)
}

func (d *stubDecoder) Reset(participantID int) {
	d.mu.Lock()
	d.resets = append(d.resets, participantID)
	d.mu.Unlock()
}

func (d *stubDecoder) Resets() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.resets...)
}

func (d *stubDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type endCall struct {
	participantID int
	container     []byte
}

// recordingBridge records notifications and optionally fails them
type recordingBridge struct {
	mu     sync.Mutex
	starts []int
	ends   []endCall

	startErr error
	endErr   error
	endPanic bool

	onStart func(participantID int)
	onEnd   func(participantID int)
}

func (b *recordingBridge) OnUtteranceStart(participantID int) error {
	b.mu.Lock()
	b.starts = append(b.starts, participantID)
	hook := b.onStart
	b.mu.Unlock()

	if hook != nil {
		hook(participantID)
	}
	return b.startErr
}

func (b *recordingBridge) OnUtteranceEnd(participantID int, container []byte) error {
	b.mu.Lock()
	b.ends = append(b.ends, endCall{participantID: participantID, container: container})
	hook := b.onEnd
	b.mu.Unlock()

	if hook != nil {
		hook(participantID)
	}
	if b.endPanic {
		panic("bridge exploded")
	}
	return b.endErr
}

func (b *recordingBridge) Starts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.starts...)
}

func (b *recordingBridge) Ends() []endCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]endCall(nil), b.ends...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	mgr     *Manager
	clock   *fakeClock
	decoder *stubDecoder
	bridge  *recordingBridge
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:   newFakeClock(),
		decoder: &stubDecoder{},
		bridge:  &recordingBridge{},
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}

	cfg := DefaultConfig()
	cfg.Timeout = timeout

	mgr, err := NewManager(testLogger(), env.decoder, env.bridge, env.metrics, cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr.now = env.clock.Now
	env.mgr = mgr

	return env
}

// payloadFor returns the container payload of an end notification
func payloadFor(t *testing.T, call endCall) []byte {
	t.Helper()

	header, data, err := audio.ParseWAVHeader(call.container)
	if err != nil {
		t.Fatalf("End notification carried an invalid container: %v", err)
	}
	if header.SampleRate != audio.SampleRate || header.NumChannels != audio.Channels || header.BitsPerSample != audio.BitsPerSample {
		t.Errorf("Unexpected container format: %d Hz, %d channels, %d bits",
			header.SampleRate, header.NumChannels, header.BitsPerSample)
	}
	return data
}

func TestNewManager(t *testing.T) {
	reg := metrics.NewMetrics(prometheus.NewRegistry())

	tests := []struct {
		name    string
		decoder audio.Decoder
		cfg     Config
		wantErr bool
	}{
		{"default config", &stubDecoder{}, DefaultConfig(), false},
		{"single participant range", &stubDecoder{}, Config{MinParticipantID: 5, MaxParticipantID: 5, Timeout: time.Second}, false},
		{"nil decoder", nil, DefaultConfig(), true},
		{"empty range", &stubDecoder{}, Config{MinParticipantID: 10, MaxParticipantID: 1, Timeout: time.Second}, true},
		{"zero timeout", &stubDecoder{}, Config{MinParticipantID: 1, MaxParticipantID: 128}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := NewManager(testLogger(), tt.decoder, nil, reg, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			if mgr.Timeout() != tt.cfg.Timeout {
				t.Errorf("Expected timeout %v, got %v", tt.cfg.Timeout, mgr.Timeout())
			}
			if mgr.ActiveSessionCount() != 0 {
				t.Errorf("Expected 0 sessions, got %d", mgr.ActiveSessionCount())
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, time.Second)

	env.mgr.Ingest(7, []byte{0x01, 0x02}, 0, 16)

	if got := env.bridge.Starts(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("Expected one start notification for participant 7, got %v", got)
	}
	if got := env.mgr.ActiveSpeakers(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("Expected active speakers [7], got %v", got)
	}

	prev := env.mgr.Sessions()[0].BufferedBytes
	for i := 0; i < 10; i++ {
		env.clock.Advance(20 * time.Millisecond)
		env.mgr.Ingest(7, []byte{byte(i), byte(i + 1), byte(i + 2)}, 0, 24)

		sessions := env.mgr.Sessions()
		if len(sessions) != 1 {
			t.Fatalf("Expected exactly one session, got %d", len(sessions))
		}
		if sessions[0].BufferedBytes <= prev {
			t.Fatalf("Buffer did not grow: %d -> %d", prev, sessions[0].BufferedBytes)
		}
		prev = sessions[0].BufferedBytes
	}

	if got := env.bridge.Starts(); len(got) != 1 {
		t.Errorf("Expected no additional start notifications, got %d total", len(got))
	}
	if got := env.mgr.Sessions()[0].Packets; got != 11 {
		t.Errorf("Expected 11 packets, got %d", got)
	}
	if got := testutil.ToFloat64(env.metrics.UtterancesStarted); got != 1 {
		t.Errorf("Expected 1 utterance started, got %v", got)
	}
}

func TestSweepTimeoutBoundary(t *testing.T) {
	const timeout = 1000 * time.Millisecond

	tests := []struct {
		name      string
		elapsed   time.Duration
		finalized bool
	}{
		{"T-1ms untouched", timeout - time.Millisecond, false},
		{"exactly T untouched", timeout, false},
		{"T+1ms finalized", timeout + time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, timeout)

			env.mgr.Ingest(3, []byte{0xAA, 0xBB}, 0, 16)
			env.clock.Advance(tt.elapsed)

			n := env.mgr.Sweep()

			if tt.finalized {
				if n != 1 {
					t.Fatalf("Expected 1 finalized session, got %d", n)
				}
				if env.mgr.ActiveSessionCount() != 0 {
					t.Errorf("Expected store to be empty, got %d", env.mgr.ActiveSessionCount())
				}
				ends := env.bridge.Ends()
				if len(ends) != 1 || ends[0].participantID != 3 {
					t.Fatalf("Expected one end notification for participant 3, got %v", ends)
				}
				if data := payloadFor(t, ends[0]); !bytes.Equal(data, []byte{0xAA, 0xBB}) {
					t.Errorf("Expected payload AABB, got %X", data)
				}
				return
			}

			if n != 0 {
				t.Fatalf("Expected no finalized sessions, got %d", n)
			}
			if got := env.mgr.ActiveSpeakers(); len(got) != 1 || got[0] != 3 {
				t.Errorf("Expected session to stay active, got %v", got)
			}
			if len(env.bridge.Ends()) != 0 {
				t.Errorf("Expected no end notification")
			}
		})
	}
}

func TestSweepWithExplicitTimeout(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	env.mgr.Ingest(1, []byte{0x01, 0x02}, 0, 16)
	env.clock.Advance(300 * time.Millisecond)
	env.mgr.Ingest(2, []byte{0x03, 0x04}, 0, 16)
	env.clock.Advance(100 * time.Millisecond)

	if n := env.mgr.SweepWithTimeout(200 * time.Millisecond); n != 1 {
		t.Fatalf("Expected 1 finalized session, got %d", n)
	}
	if got := env.mgr.ActiveSpeakers(); len(got) != 1 || got[0] != 2 {
		t.Errorf("Expected participant 2 to remain, got %v", got)
	}

	// Idempotent for already removed sessions
	if n := env.mgr.SweepWithTimeout(200 * time.Millisecond); n != 0 {
		t.Errorf("Expected repeated sweep to finalize nothing, got %d", n)
	}
	if len(env.bridge.Ends()) != 1 {
		t.Errorf("Expected exactly one end notification, got %d", len(env.bridge.Ends()))
	}
}

func TestEmptyBufferSuppression(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.decoder.decodeFn = func(int, []byte) (audio.ResultCode, []byte) {
		return audio.ResultDataCorrupted, nil
	}

	for i := 0; i < 3; i++ {
		env.mgr.Ingest(9, []byte{0xFF}, 0, 8)
	}

	if len(env.bridge.Starts()) != 1 {
		t.Fatalf("Expected a start notification even without audio")
	}
	if got := env.mgr.Sessions()[0].DecodeFailures; got != 3 {
		t.Errorf("Expected 3 decode failures, got %d", got)
	}

	env.clock.Advance(2 * time.Second)

	if n := env.mgr.Sweep(); n != 1 {
		t.Fatalf("Expected the empty session to be finalized, got %d", n)
	}
	if len(env.bridge.Ends()) != 0 {
		t.Errorf("Expected no end notification for empty utterance")
	}
	if env.mgr.ActiveSessionCount() != 0 {
		t.Errorf("Expected store to be empty")
	}
	if got := testutil.ToFloat64(env.metrics.DecodeFailures.WithLabelValues("data_corrupted")); got != 3 {
		t.Errorf("Expected 3 data_corrupted failures, got %v", got)
	}
	if got := testutil.ToFloat64(env.metrics.UtterancesEmpty); got != 1 {
		t.Errorf("Expected 1 empty utterance, got %v", got)
	}
}

func TestEmptyDecodeOutputCountsAsFailure(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.decoder.decodeFn = func(int, []byte) (audio.ResultCode, []byte) {
		return audio.ResultOK, nil
	}

	env.mgr.Ingest(4, []byte{0x10}, 0, 8)

	if got := env.mgr.Sessions()[0]; got.BufferedBytes != 0 || got.DecodeFailures != 1 {
		t.Errorf("Expected empty buffer with one failure, got %+v", got)
	}
	if got := testutil.ToFloat64(env.metrics.DecodeFailures.WithLabelValues("no_data")); got != 1 {
		t.Errorf("Expected 1 no_data failure, got %v", got)
	}
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name          string
		participantID int
		raw           []byte
		bitOffset     int
		bitLength     int
		reason        string
	}{
		{"participant zero", 0, []byte{0x01}, 0, 8, dropInvalidParticipant},
		{"negative participant", -1, []byte{0x01}, 0, 8, dropInvalidParticipant},
		{"participant above range", 129, []byte{0x01}, 0, 8, dropInvalidParticipant},
		{"zero length", 1, []byte{0x01}, 0, 0, dropInvalidLength},
		{"negative length", 1, []byte{0x01}, 0, -8, dropInvalidLength},
		{"nil buffer", 1, nil, 0, 8, dropEmptyBuffer},
		{"empty buffer", 1, []byte{}, 0, 8, dropEmptyBuffer},
		{"negative offset", 1, []byte{0x01, 0x02}, -1, 8, dropInvalidOffset},
		{"short aligned buffer", 1, []byte{0x01}, 0, 16, dropShortBuffer},
		{"short unaligned buffer", 1, []byte{0x01}, 4, 8, dropShortBuffer},
		{"offset past buffer", 1, []byte{0x01, 0x02}, 16, 8, dropShortBuffer},
		{"overflowing length", 1, []byte{0x01, 0x02}, 0, math.MaxInt, dropInvalidLength},
		{"huge unaligned range", 1, []byte{0x01, 0x02}, 7, math.MaxInt - 7, dropShortBuffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, time.Second)

			env.mgr.Ingest(tt.participantID, tt.raw, tt.bitOffset, tt.bitLength)

			if env.mgr.ActiveSessionCount() != 0 {
				t.Errorf("Expected store unchanged, got %d sessions", env.mgr.ActiveSessionCount())
			}
			if len(env.bridge.Starts()) != 0 || len(env.bridge.Ends()) != 0 {
				t.Errorf("Expected no notifications")
			}
			if env.decoder.Calls() != 0 {
				t.Errorf("Expected decoder not to be called")
			}
			if got := testutil.ToFloat64(env.metrics.PacketsDropped.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("Expected 1 drop with reason %q, got %v", tt.reason, got)
			}
		})
	}
}

func TestIngestAlignsPayload(t *testing.T) {
	env := newTestEnv(t, time.Second)

	// Nibble offset: (0xAB >> 4) | (0xCD << 4) = 0xDA
	env.mgr.Ingest(2, []byte{0xAB, 0xCD}, 4, 8)
	env.clock.Advance(2 * time.Second)
	env.mgr.Sweep()

	ends := env.bridge.Ends()
	if len(ends) != 1 {
		t.Fatalf("Expected one end notification, got %d", len(ends))
	}
	if data := payloadFor(t, ends[0]); !bytes.Equal(data, []byte{0xDA}) {
		t.Errorf("Expected payload DA, got %X", data)
	}
}

func TestIngestDoesNotRetainRawBuffer(t *testing.T) {
	env := newTestEnv(t, time.Second)

	raw := []byte{0x11, 0x22, 0x33}
	env.mgr.Ingest(5, raw, 0, 24)
	raw[0], raw[1], raw[2] = 0, 0, 0

	env.clock.Advance(2 * time.Second)
	env.mgr.Sweep()

	ends := env.bridge.Ends()
	if len(ends) != 1 {
		t.Fatalf("Expected one end notification, got %d", len(ends))
	}
	if data := payloadFor(t, ends[0]); !bytes.Equal(data, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("Expected original payload, got %X", data)
	}
}

func TestReturningParticipantStartsEmpty(t *testing.T) {
	env := newTestEnv(t, time.Second)

	env.mgr.Ingest(8, []byte{0x01, 0x02}, 0, 16)
	env.clock.Advance(2 * time.Second)
	env.mgr.Sweep()

	env.mgr.Ingest(8, []byte{0x03, 0x04}, 0, 16)
	env.clock.Advance(2 * time.Second)
	env.mgr.Sweep()

	if got := env.bridge.Starts(); len(got) != 2 {
		t.Fatalf("Expected two start notifications, got %v", got)
	}
	ends := env.bridge.Ends()
	if len(ends) != 2 {
		t.Fatalf("Expected two end notifications, got %d", len(ends))
	}
	if data := payloadFor(t, ends[1]); !bytes.Equal(data, []byte{0x03, 0x04}) {
		t.Errorf("Expected second utterance to hold only its own audio, got %X", data)
	}
	if got := env.decoder.Resets(); len(got) != 2 {
		t.Errorf("Expected decoder reset on each finalization, got %v", got)
	}
}

// TestSweepResetsDecoderBeforeReopen reopens participant 2 from the end
// notification of participant 1, while the same sweep is still finalizing 2.
func TestSweepResetsDecoderBeforeReopen(t *testing.T) {
	env := newTestEnv(t, time.Second)

	env.mgr.Ingest(1, []byte{0x01}, 0, 8)
	env.mgr.Ingest(2, []byte{0x02}, 0, 8)
	env.clock.Advance(2 * time.Second)

	var resetsAtDecode []int
	env.decoder.decodeFn = func(participantID int, payload []byte) (audio.ResultCode, []byte) {
		if participantID == 2 {
			resetsAtDecode = env.decoder.Resets()
		}
		return audio.ResultOK, append([]byte(nil), payload...)
	}

	reopened := false
	env.bridge.onEnd = func(participantID int) {
		if participantID == 1 && !reopened {
			reopened = true
			env.mgr.Ingest(2, []byte{0x22}, 0, 8)
		}
	}

	if n := env.mgr.Sweep(); n != 2 {
		t.Fatalf("Expected 2 finalized sessions, got %d", n)
	}

	if !slices.Contains(resetsAtDecode, 2) {
		t.Errorf("Expected participant 2 decoder reset before the new utterance decoded, resets were %v", resetsAtDecode)
	}
	if got := env.decoder.Resets(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("Expected one reset per finalized session and none after reopen, got %v", got)
	}
	if got := env.mgr.ActiveSpeakers(); !slices.Equal(got, []int{2}) {
		t.Errorf("Expected participant 2 speaking again, got %v", got)
	}
}

// TestSweepDuringDecode runs a sweep from inside the decode call, between the
// session refresh and the sample append.
func TestSweepDuringDecode(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var calls int
	env.decoder.decodeFn = func(participantID int, payload []byte) (audio.ResultCode, []byte) {
		calls++
		if calls == 2 {
			env.clock.Advance(time.Second + time.Millisecond)
			if n := env.mgr.Sweep(); n != 1 {
				t.Errorf("Expected mid-decode sweep to finalize 1 session, got %d", n)
			}
		}
		return audio.ResultOK, append([]byte(nil), payload...)
	}

	env.mgr.Ingest(6, []byte{0x01}, 0, 8)
	env.mgr.Ingest(6, []byte{0x02}, 0, 8)

	if env.mgr.ActiveSessionCount() != 0 {
		t.Fatalf("Expected no ghost entry after concurrent finalization, got %d", env.mgr.ActiveSessionCount())
	}

	ends := env.bridge.Ends()
	if len(ends) != 1 {
		t.Fatalf("Expected one end notification, got %d", len(ends))
	}
	if data := payloadFor(t, ends[0]); !bytes.Equal(data, []byte{0x01}) {
		t.Errorf("Expected finalized audio 01, got %X", data)
	}

	env.mgr.Ingest(6, []byte{0x03}, 0, 8)

	if got := env.bridge.Starts(); len(got) != 2 {
		t.Fatalf("Expected a fresh start notification, got %v", got)
	}
	if got := env.mgr.Sessions()[0].BufferedBytes; got != 1 {
		t.Errorf("Expected new session to hold only its own packet, got %d bytes", got)
	}
}

func TestConcurrentIngestAndSweep(t *testing.T) {
	env := newTestEnv(t, 5*time.Millisecond)

	// Every clock read moves time forward so sweeps keep finalizing
	var ticks atomic.Int64
	base := env.clock.Now()
	env.mgr.now = func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}

	const participants = 8
	const packets = 200

	stop := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
				env.mgr.Sweep()
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 1; p <= participants; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < packets; i++ {
				env.mgr.Ingest(id, []byte{byte(id), byte(i)}, 0, 16)
				_ = env.mgr.ActiveSpeakers()
			}
		}(p)
	}

	wg.Wait()
	close(stop)
	sweeps.Wait()

	ticks.Add(int64(time.Hour / time.Millisecond))
	env.mgr.Sweep()

	if env.mgr.ActiveSessionCount() != 0 {
		t.Fatalf("Expected store to drain, got %d sessions", env.mgr.ActiveSessionCount())
	}

	starts := env.bridge.Starts()
	ends := env.bridge.Ends()
	if len(starts) < participants {
		t.Errorf("Expected at least %d starts, got %d", participants, len(starts))
	}
	if len(ends) > len(starts) {
		t.Errorf("More end notifications (%d) than starts (%d)", len(ends), len(starts))
	}
	for _, call := range ends {
		data := payloadFor(t, call)
		if len(data) == 0 || len(data)%2 != 0 {
			t.Errorf("Unexpected payload size %d for participant %d", len(data), call.participantID)
		}
		for i := 0; i < len(data); i += 2 {
			if int(data[i]) != call.participantID {
				t.Fatalf("Participant %d container holds audio from %d", call.participantID, data[i])
			}
		}
	}
}

func TestSessionDroppedWhenEndHandlerFails(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.bridge.endErr = errors.New("bridge unavailable")

	env.mgr.Ingest(11, []byte{0x01}, 0, 8)
	env.clock.Advance(2 * time.Second)

	if n := env.mgr.Sweep(); n != 1 {
		t.Fatalf("Expected 1 finalized session, got %d", n)
	}
	if n := env.mgr.Sweep(); n != 0 {
		t.Fatalf("Expected failed session not to be retried, got %d", n)
	}
	if env.mgr.ActiveSessionCount() != 0 {
		t.Errorf("Expected session to be dropped")
	}
	if len(env.bridge.Ends()) != 1 {
		t.Errorf("Expected exactly one end attempt, got %d", len(env.bridge.Ends()))
	}
	if got := testutil.ToFloat64(env.metrics.NotificationFailures.WithLabelValues(eventEnd)); got != 1 {
		t.Errorf("Expected 1 notification failure, got %v", got)
	}
}

func TestSweepSurvivesBridgePanic(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.bridge.endPanic = true

	env.mgr.Ingest(1, []byte{0x01}, 0, 8)
	env.mgr.Ingest(2, []byte{0x02}, 0, 8)
	env.clock.Advance(2 * time.Second)

	if n := env.mgr.Sweep(); n != 2 {
		t.Fatalf("Expected 2 finalized sessions, got %d", n)
	}
	if len(env.bridge.Ends()) != 2 {
		t.Errorf("Expected both sessions to be announced, got %d", len(env.bridge.Ends()))
	}
	if got := testutil.ToFloat64(env.metrics.NotificationFailures.WithLabelValues(eventEnd)); got != 2 {
		t.Errorf("Expected 2 notification failures, got %v", got)
	}
}

func TestStartHandlerFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.bridge.startErr = errors.New("bridge unavailable")

	env.mgr.Ingest(12, []byte{0x01}, 0, 8)

	if got := env.mgr.Sessions(); len(got) != 1 || got[0].BufferedBytes != 1 {
		t.Fatalf("Expected session with decoded audio, got %+v", got)
	}
}

func TestReentrantBridge(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var seen []int
	env.bridge.onStart = func(int) {
		seen = env.mgr.ActiveSpeakers()
		env.mgr.SetTimeout(2)
	}
	env.bridge.onEnd = func(int) {
		_ = env.mgr.Sessions()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.mgr.Ingest(3, []byte{0x01}, 0, 8)
		env.clock.Advance(3 * time.Second)
		env.mgr.Sweep()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Bridge callback deadlocked on the manager")
	}

	if len(seen) != 1 || seen[0] != 3 {
		t.Errorf("Expected start callback to see [3], got %v", seen)
	}
	if env.mgr.Timeout() != 2*time.Second {
		t.Errorf("Expected timeout updated from callback, got %v", env.mgr.Timeout())
	}
}

func TestCloseEmitsNothing(t *testing.T) {
	env := newTestEnv(t, time.Second)

	for id := 1; id <= 3; id++ {
		env.mgr.Ingest(id, []byte{byte(id)}, 0, 8)
	}

	env.mgr.Close()

	if env.mgr.ActiveSessionCount() != 0 {
		t.Errorf("Expected all sessions cleared, got %d", env.mgr.ActiveSessionCount())
	}

	env.clock.Advance(time.Hour)
	if n := env.mgr.Sweep(); n != 0 {
		t.Errorf("Expected nothing left to sweep, got %d", n)
	}
	if len(env.bridge.Ends()) != 0 {
		t.Errorf("Expected no end notifications on close, got %d", len(env.bridge.Ends()))
	}
	if got := testutil.ToFloat64(env.metrics.ActiveSpeakers); got != 0 {
		t.Errorf("Expected active speakers gauge reset, got %v", got)
	}
}

func TestSetTimeout(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		ok      bool
		want    time.Duration
	}{
		{"positive", 1.5, true, 1500 * time.Millisecond},
		{"sub-second", 0.25, true, 250 * time.Millisecond},
		{"zero", 0, false, time.Second},
		{"negative", -2, false, time.Second},
		{"NaN", math.NaN(), false, time.Second},
		{"positive infinity", math.Inf(1), false, time.Second},
		{"negative infinity", math.Inf(-1), false, time.Second},
		{"overflow", 1e300, false, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, time.Second)

			if got := env.mgr.SetTimeout(tt.seconds); got != tt.ok {
				t.Errorf("SetTimeout(%v) = %v, want %v", tt.seconds, got, tt.ok)
			}
			if got := env.mgr.Timeout(); got != tt.want {
				t.Errorf("Expected timeout %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSetTimeoutAffectsSweep(t *testing.T) {
	env := newTestEnv(t, time.Second)

	env.mgr.Ingest(1, []byte{0x01}, 0, 8)
	env.clock.Advance(1500 * time.Millisecond)

	env.mgr.SetTimeout(2)
	if n := env.mgr.Sweep(); n != 0 {
		t.Fatalf("Expected longer timeout to keep the session, got %d finalized", n)
	}

	env.mgr.SetTimeout(1)
	if n := env.mgr.Sweep(); n != 1 {
		t.Fatalf("Expected shorter timeout to finalize the session, got %d", n)
	}
}

func TestActiveSpeakersSnapshot(t *testing.T) {
	env := newTestEnv(t, time.Second)

	for _, id := range []int{9, 3, 5} {
		env.mgr.Ingest(id, []byte{0x01}, 0, 8)
	}

	got := env.mgr.ActiveSpeakers()
	want := []int{3, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}

	got[0] = 100
	if again := env.mgr.ActiveSpeakers(); again[0] != 3 {
		t.Errorf("Snapshot mutation leaked into the store: %v", again)
	}

	env.clock.Advance(2 * time.Second)
	env.mgr.Sweep()

	if got := env.mgr.ActiveSpeakers(); len(got) != 0 {
		t.Errorf("Expected no active speakers after sweep, got %v", got)
	}
}
