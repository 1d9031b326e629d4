package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/voice-packets-service/internal/stream"
)

// DefaultSweepInterval is the silence sweep cadence
const DefaultSweepInterval = 100 * time.Millisecond

// Source delivers intercepted voice packets. Start installs the handler and
// returns once packets may flow; Stop removes it.
type Source interface {
	Start(handler stream.PacketHandler) error
	Stop() error
}

// Engine is the part of the session engine the module drives
type Engine interface {
	Ingest(participantID int, raw []byte, bitOffset, bitLength int)
	Sweep() int
	Close()
}

// Module owns the packet source hook and the sweep tick
type Module struct {
	source   Source
	engine   Engine
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	opened bool
}

// NewModule creates a capture module; interval <= 0 selects DefaultSweepInterval
func NewModule(source Source, engine Engine, interval time.Duration, logger *slog.Logger) *Module {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Module{
		source:   source,
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Open installs the engine as the source's packet handler. If the source
// cannot be started the module stays closed and the error is returned.
func (m *Module) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return errors.New("capture module already open")
	}

	if err := m.source.Start(m.engine.Ingest); err != nil {
		return fmt.Errorf("failed to start packet source: %w", err)
	}
	m.opened = true

	m.logger.Info("Voice capture module loaded", slog.Duration("sweep_interval", m.interval))

	return nil
}

// Run sweeps the engine on every tick until ctx is cancelled
func (m *Module) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one sweep; a panic is logged so the tick keeps running
func (m *Module) sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Silence sweep panicked", slog.Any("panic", r))
		}
	}()

	if n := m.engine.Sweep(); n > 0 {
		m.logger.Debug("Silence sweep finalized utterances", slog.Int("count", n))
	}
}

// Close removes the packet handler and discards open sessions without
// emitting end notifications. It is best effort: failures are logged and
// returned, never raised.
func (m *Module) Close() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return nil
	}
	m.opened = false

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Voice capture module teardown panicked", slog.Any("panic", r))
			err = fmt.Errorf("teardown panicked: %v", r)
		}
	}()

	if stopErr := m.stopSource(); stopErr != nil {
		m.logger.Warn("Failed to stop packet source", slog.String("error", stopErr.Error()))
		err = fmt.Errorf("failed to stop packet source: %w", stopErr)
	}

	m.engine.Close()

	m.logger.Info("Voice capture module unloaded")

	return err
}

func (m *Module) stopSource() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("packet source panicked: %v", r)
		}
	}()
	return m.source.Stop()
}
