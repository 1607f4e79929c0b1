package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Queue delivers a Message to a worker. Implementations must return nil
// only once the worker has acknowledged the delivery with a 2xx response.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
}

// HTTPQueue delivers messages to the worker endpoint over HTTP, signing
// each request body. Failed deliveries are retried with a short backoff;
// a 404 is treated as permanent and not retried.
type HTTPQueue struct {
	workerURL  string
	signer     *Signer
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
}

// NewHTTPQueue creates a queue delivering to baseURL + /workers/execute-step.
func NewHTTPQueue(baseURL string, signer *Signer, logger *slog.Logger, maxRetries int) *HTTPQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPQueue{
		workerURL:  baseURL + "/workers/execute-step",
		signer:     signer,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		maxRetries: maxRetries,
	}
}

func (q *HTTPQueue) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: marshal message: %w", err)
	}

	sig, err := q.signer.Sign(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		status, retriable, err := q.deliver(ctx, body, sig)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return fmt.Errorf("dispatch: delivery rejected (status %d): %w", status, err)
		}
		q.logger.Warn("dispatch: delivery failed, retrying",
			"run_id", msg.RunID,
			"step_position", msg.StepPosition,
			"attempt", attempt,
			"error", err,
		)
	}
	return fmt.Errorf("dispatch: delivery failed after %d attempts: %w", q.maxRetries, lastErr)
}

// deliver performs one HTTP attempt. retriable reports whether a failure
// is worth another attempt (network error or 5xx; not 4xx).
func (q *HTTPQueue) deliver(ctx context.Context, body []byte, sig string) (status int, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.workerURL, bytes.NewReader(body))
	if err != nil {
		return 0, false, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("dispatch: post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, false, nil
	case resp.StatusCode >= 500:
		return resp.StatusCode, true, fmt.Errorf("dispatch: worker returned %d", resp.StatusCode)
	default:
		return resp.StatusCode, false, fmt.Errorf("dispatch: worker returned %d", resp.StatusCode)
	}
}

// Handler processes a Message directly, without a network hop.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// Loopback is a Queue that invokes the executor in-process. It keeps
// single-binary deployments and tests free of HTTP round-trips while
// preserving the same delivery semantics.
type Loopback struct {
	handler Handler
}

// NewLoopback creates an in-process queue backed by handler.
func NewLoopback(handler Handler) *Loopback {
	return &Loopback{handler: handler}
}

func (q *Loopback) Publish(ctx context.Context, msg Message) error {
	return q.handler.Handle(ctx, msg)
}
