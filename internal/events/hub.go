package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types sent to subscribers
const (
	TypeUtteranceStart = "utterance_start"
	TypeUtteranceEnd   = "utterance_end"
)

const (
	writeWait      = 5 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = pingPeriod + 10*time.Second
	subscriberSize = 64
)

// ErrSubscriberBehind is returned when at least one subscriber's queue was
// full and the event was not delivered to it.
var ErrSubscriberBehind = errors.New("subscriber queue full, event dropped")

// Event is the JSON message broadcast to websocket subscribers.
// Audio holds the WAV container and is base64 encoded by encoding/json.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ParticipantID int       `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
	Audio         []byte    `json:"audio,omitempty"`
}

// Hub broadcasts utterance events to websocket subscribers. Delivery never
// blocks the caller: each subscriber has a bounded queue drained by its own
// writer goroutine.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	subscribers map[*subscriber]struct{}
	mu          sync.Mutex
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates an event hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// OnUtteranceStart implements Bridge
func (h *Hub) OnUtteranceStart(participantID int) error {
	return h.broadcast(Event{
		ID:            uuid.NewString(),
		Type:          TypeUtteranceStart,
		ParticipantID: participantID,
		Timestamp:     time.Now().UTC(),
	})
}

// OnUtteranceEnd implements Bridge
func (h *Hub) OnUtteranceEnd(participantID int, container []byte) error {
	return h.broadcast(Event{
		ID:            uuid.NewString(),
		Type:          TypeUtteranceEnd,
		ParticipantID: participantID,
		Timestamp:     time.Now().UTC(),
		Audio:         container,
	})
}

// SubscriberCount returns the number of connected subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberSize)}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Event subscriber connected", slog.String("remote_addr", r.RemoteAddr))

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// Close disconnects all subscribers
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) broadcast(ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for sub := range h.subscribers {
		select {
		case sub.send <- msg:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		return fmt.Errorf("%s for participant %d to %d subscriber(s): %w",
			ev.Type, ev.ParticipantID, dropped, ErrSubscriberBehind)
	}
	return nil
}

// readLoop consumes control frames and detects disconnects
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Event write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()

	if ok {
		sub.close()
		h.logger.Info("Event subscriber disconnected")
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}
