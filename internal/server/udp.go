package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voice-packets-service/internal/config"
	"github.com/skypro1111/voice-packets-service/internal/metrics"
	"github.com/skypro1111/voice-packets-service/internal/protocol"
	"github.com/skypro1111/voice-packets-service/internal/stream"
)

// UDPServer receives voice frames over UDP and hands them to a packet
// handler. Frames are sharded onto workers by participant id so each
// speaker's packets are handled in arrival order by a single goroutine.
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	handler stream.PacketHandler
	queues  []chan *protocol.VoiceFrame
	done    chan struct{}
	wg      sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once

	// Counters for /stats, mirrored in Prometheus
	packetsReceived  atomic.Uint64
	packetsProcessed atomic.Uint64
	parseErrors      atomic.Uint64
	queueDrops       atomic.Uint64
}

// NewUDPServer creates a new UDP packet source
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) *UDPServer {
	return &UDPServer{
		config:  cfg,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start binds the UDP socket and begins delivering frames to handler.
// Nothing is left running when it returns an error.
func (s *UDPServer) Start(handler stream.PacketHandler) error {
	if handler == nil {
		return errors.New("packet handler is required")
	}

	if !s.started.CompareAndSwap(false, true) {
		return errors.New("UDP server already started")
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn
	s.handler = handler

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	workers := max(s.config.Workers, 1)
	queueSize := max(s.config.QueueSize, 1)

	s.queues = make([]chan *protocol.VoiceFrame, workers)
	for i := range s.queues {
		s.queues[i] = make(chan *protocol.VoiceFrame, queueSize)
		s.wg.Add(1)
		go s.packetProcessor(i, s.queues[i])
	}

	s.wg.Add(1)
	go s.receiveLoop()

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", workers),
	)

	return nil
}

// Addr returns the bound socket address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for queued frames to be handled
func (s *UDPServer) Stop() error {
	if !s.started.Load() {
		return nil
	}

	var closeErr error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP server...")

		close(s.done)

		if err := s.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close UDP connection: %w", err)
		}

		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("UDP server stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("queue_drops", stats.QueueDrops),
		)
	})

	return closeErr
}

// receiveLoop reads datagrams, parses them and queues them on the worker
// owning the participant. Worker queues are closed when it returns.
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, q := range s.queues {
			close(q)
		}
	}()

	buffer := make([]byte, max(s.config.BufferSize, protocol.MaxPacketSize))

	for {
		select {
		case <-s.done:
			return
		default:
		}

		// Periodic deadline so a stop is noticed even without traffic
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.done:
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.packetsReceived.Add(1)
		s.metrics.RecordPacketReceived()

		// ParsePacket copies the payload out of the reused buffer
		frame, err := protocol.ParsePacket(buffer[:n])
		if err != nil {
			s.parseErrors.Add(1)
			s.metrics.RecordParseError()
			s.logger.Debug("Failed to parse packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
				slog.String("error", err.Error()),
			)
			continue
		}

		q := s.queues[shardFor(frame.Header.ParticipantID, len(s.queues))]
		select {
		case q <- frame:
		default:
			s.queueDrops.Add(1)
			s.metrics.RecordQueueDrop()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("participant_id", int(frame.Header.ParticipantID)),
			)
		}
	}
}

// packetProcessor hands queued frames to the packet handler
func (s *UDPServer) packetProcessor(workerID int, queue <-chan *protocol.VoiceFrame) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for frame := range queue {
		h := frame.Header
		s.handler(int(h.ParticipantID), frame.Raw, int(h.BitOffset), int(h.BitLength))

		s.packetsProcessed.Add(1)
		s.metrics.RecordPacketProcessed()
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// shardFor maps a participant to a worker index
func shardFor(participantID int32, workers int) int {
	return int(uint32(participantID) % uint32(workers))
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	stats := ServerStatistics{
		PacketsReceived:  s.packetsReceived.Load(),
		PacketsProcessed: s.packetsProcessed.Load(),
		ParseErrors:      s.parseErrors.Load(),
		QueueDrops:       s.queueDrops.Load(),
		Workers:          len(s.queues),
	}

	for _, q := range s.queues {
		stats.QueueSize += uint64(len(q))
		stats.QueueCapacity += uint64(cap(q))
	}

	return stats
}

// ServerStatistics represents packet source counters
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	QueueDrops       uint64 `json:"queue_drops"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
	Workers          int    `json:"workers"`
}
