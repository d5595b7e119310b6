package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oshokin/lob-publisher/internal/logger"
)

const (
	// DefaultWebhookTimeout bounds every webhook request.
	DefaultWebhookTimeout = 10 * time.Second
	// DefaultWebhookRetries is the number of retries after the first attempt.
	DefaultWebhookRetries = 3
	// DefaultWebhookQueueSize is how many events may wait for delivery.
	DefaultWebhookQueueSize = 256

	webhookBaseBackoff = 500 * time.Millisecond
)

var (
	errNoWebhookURL = errors.New("webhook sink requires a URL")
	errSinkClosed   = errors.New("webhook sink is closed")
)

// WebhookSink posts every event as JSON to a URL.
// Emit only enqueues; a single goroutine delivers events in order.
// Delivery failures are logged and never propagate into the pipeline.
type WebhookSink struct {
	url       string
	client    *http.Client
	retries   int
	backoff   time.Duration
	queueSize int

	mu     sync.Mutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}
	abort  context.Context //nolint:containedctx // Cancels in-flight delivery when a flush gives up.
	cancel context.CancelFunc
}

type queuedEvent struct {
	ctx    context.Context //nolint:containedctx // Carries the emitter's logger fields.
	name   string
	fields Fields
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithWebhookRetries sets the retry count and base backoff.
func WithWebhookRetries(retries int, backoff time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		if retries >= 0 {
			s.retries = retries
		}

		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithWebhookQueueSize sets how many events may wait for delivery.
// Events emitted while the queue is full are dropped.
func WithWebhookQueueSize(size int) WebhookOption {
	return func(s *WebhookSink) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// NewWebhookSink creates a sink posting to url and starts its delivery goroutine.
// Close must be called to flush pending events.
func NewWebhookSink(url string, opts ...WebhookOption) (*WebhookSink, error) {
	if url == "" {
		return nil, errNoWebhookURL
	}

	s := &WebhookSink{
		url:       url,
		client:    &http.Client{Timeout: DefaultWebhookTimeout},
		retries:   DefaultWebhookRetries,
		backoff:   webhookBaseBackoff,
		queueSize: DefaultWebhookQueueSize,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.queue = make(chan queuedEvent, s.queueSize)
	s.abort, s.cancel = context.WithCancel(context.Background())

	go s.run()

	return s, nil
}

// webhookPayload is the JSON document posted per event.
type webhookPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Fields    Fields `json:"fields,omitempty"`
}

// statusError is returned for non-2xx webhook responses.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// Emit implements Sink. It never blocks on the network.
func (s *WebhookSink) Emit(ctx context.Context, name string, fields Fields) {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		logger.WarnKV(ctx, "Event dropped", "event", name, "error", errSinkClosed)

		return
	}

	select {
	case s.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), name: name, fields: copied}:
	default:
		logger.WarnKV(ctx, "Event dropped, webhook queue is full", "event", name, "queue_size", s.queueSize)
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
// When ctx ends first, in-flight delivery is abandoned and ctx.Err() is returned.
func (s *WebhookSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done

		return fmt.Errorf("flush event webhook: %w", ctx.Err())
	}
}

// run drains the queue until Close.
func (s *WebhookSink) run() {
	defer close(s.done)
	defer s.cancel()

	for event := range s.queue {
		ctx, cancel := context.WithCancel(event.ctx)
		stop := context.AfterFunc(s.abort, cancel)

		if err := s.deliver(ctx, event.name, event.fields); err != nil {
			logger.WarnKV(event.ctx, "Event webhook delivery failed", "event", event.name, "error", err)
		}

		stop()
		cancel()
	}
}

// deliver posts one event, retrying 5xx and transport errors with exponential backoff.
func (s *WebhookSink) deliver(ctx context.Context, name string, fields Fields) error {
	body, err := json.Marshal(webhookPayload{
		Event:     name,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Fields:    fields,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	//nolint:gosec // retries is never negative.
	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewExponential(s.backoff))
	attempts := 0

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		postErr := s.post(ctx, body)
		if postErr == nil {
			return nil
		}

		var statusErr *statusError
		if errors.As(postErr, &statusErr) && statusErr.code < http.StatusInternalServerError {
			return postErr
		}

		return retry.RetryableError(postErr)
	})
	if err != nil {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}

	return nil
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}
