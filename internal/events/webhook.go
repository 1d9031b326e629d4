package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrWebhookQueueFull is returned when an utterance cannot be queued for delivery
var ErrWebhookQueueFull = errors.New("webhook delivery queue full")

// ErrWebhookClosed is returned for notifications after Close
var ErrWebhookClosed = errors.New("webhook closed")

// WebhookConfig contains webhook delivery configuration
type WebhookConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	QueueSize     int

	// Backoff is the delay before the first retry, doubled per attempt
	Backoff time.Duration
}

// Webhook uploads finished utterances to an HTTP endpoint as multipart
// form data. Notifications only enqueue; delivery with retries happens on
// background workers so the caller is never blocked on the network.
type Webhook struct {
	config     WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger

	queue  chan *delivery
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	// Statistics
	delivered atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	dropped   atomic.Uint64
}

type delivery struct {
	eventID       string
	participantID int
	container     []byte
	finishedAt    time.Time
}

// WebhookStats represents webhook delivery statistics
type WebhookStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// statusError is a non-2xx response from the endpoint
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewWebhook creates a webhook bridge and starts its delivery workers
func NewWebhook(config WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}

	w := &Webhook{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
		queue:  make(chan *delivery, config.QueueSize),
	}

	for i := 0; i < config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.worker()
	}

	return w, nil
}

// OnUtteranceStart implements Bridge; starts are not delivered
func (w *Webhook) OnUtteranceStart(participantID int) error {
	return nil
}

// OnUtteranceEnd implements Bridge by queueing the container for upload
func (w *Webhook) OnUtteranceEnd(participantID int, container []byte) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWebhookClosed
	}

	d := &delivery{
		eventID:       uuid.NewString(),
		participantID: participantID,
		container:     container,
		finishedAt:    time.Now().UTC(),
	}

	select {
	case w.queue <- d:
		return nil
	default:
		w.dropped.Add(1)
		return fmt.Errorf("utterance for participant %d: %w", participantID, ErrWebhookQueueFull)
	}
}

// Close stops accepting utterances and waits for queued deliveries until
// ctx expires
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook deliveries still pending: %w", ctx.Err())
	}
}

// GetStats returns current delivery statistics
func (w *Webhook) GetStats() WebhookStats {
	return WebhookStats{
		Delivered: w.delivered.Load(),
		Failed:    w.failed.Load(),
		Retries:   w.retries.Load(),
		Dropped:   w.dropped.Load(),
		Queued:    len(w.queue),
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()

	for d := range w.queue {
		if err := w.deliver(d); err != nil {
			w.failed.Add(1)
			w.logger.Warn("Webhook delivery failed",
				slog.String("event_id", d.eventID),
				slog.Int("participant_id", d.participantID),
				slog.String("error", err.Error()),
			)
			continue
		}

		w.delivered.Add(1)
		w.logger.Debug("Webhook delivered",
			slog.String("event_id", d.eventID),
			slog.Int("participant_id", d.participantID),
		)
	}
}

// deliver posts one utterance with exponential backoff between attempts
func (w *Webhook) deliver(d *delivery) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			w.retries.Add(1)

			backoff := w.config.Backoff << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			time.Sleep(backoff)
		}

		err := w.doRequest(d)
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	return fmt.Errorf("delivery failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}

// doRequest performs a single upload
func (w *Webhook) doRequest(d *delivery) error {
	body, contentType, err := createMultipartBody(d)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.config.Endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "Voice-Packets-Service/1.0")
	req.Header.Set("Idempotency-Key", d.eventID)
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	return nil
}

// createMultipartBody builds the form: the WAV file plus metadata fields
func createMultipartBody(d *delivery) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", fmt.Sprintf("%s.wav", d.eventID))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(d.container); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"event_id", d.eventID},
		{"participant_id", strconv.Itoa(d.participantID)},
		{"finished_at", d.finishedAt.Format(time.RFC3339Nano)},
		{"format", "wav"},
		{"size_bytes", strconv.Itoa(len(d.container))},
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports whether a failed upload should be attempted again:
// server errors, rate limiting and network failures are retried
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
