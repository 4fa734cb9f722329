// Package callback delivers recognition results to the client-supplied
// callback URL. Delivery is best effort: its outcome is recorded but never
// affects the recognition status itself.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/record"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// Delivered means the callback endpoint acknowledged the notification.
	Delivered Outcome = iota
	// Rejected means the endpoint responded with a non-success status.
	Rejected
	// Timeout means the delivery attempt exceeded the configured bound.
	Timeout
	// ConnectionError means the endpoint could not be reached at all.
	ConnectionError
)

// Invoker posts recognition results as JSON to callback URLs.
type Invoker struct {
	client  *http.Client
	timeout time.Duration
}

// NewInvoker creates an Invoker whose deliveries are bounded by timeout.
func NewInvoker(timeout time.Duration) *Invoker {
	return &Invoker{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Payload is the JSON document delivered to the callback endpoint.
type Payload struct {
	BlobID    string           `json:"blob_id"`
	Status    record.Status    `json:"status"`
	Labels    []record.Label   `json:"labels,omitempty"`
	ErrorKind record.ErrorKind `json:"error_kind,omitempty"`
}

// Invoke POSTs the payload to the callback URL and classifies the result.
// The error return carries detail for logging; the Outcome is what callers
// act on.
func (i *Invoker) Invoke(ctx context.Context, callbackURL string, payload Payload) (Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ConnectionError, fmt.Errorf("marshal callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return ConnectionError, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		outcome := classifyTransportError(err)
		return outcome, fmt.Errorf("deliver callback to %s: %w", callbackURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Debug().
			Str("blobId", payload.BlobID).
			Int("status", resp.StatusCode).
			Msg("Callback delivered")
		return Delivered, nil
	}
	return Rejected, fmt.Errorf("callback endpoint %s responded %d", callbackURL, resp.StatusCode)
}

func classifyTransportError(err error) Outcome {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return ConnectionError
}

// RecordStatus maps a delivery outcome to the side-channel status stored on
// the blob record.
func (o Outcome) RecordStatus() record.CallbackStatus {
	switch o {
	case Delivered:
		return record.CallbackDelivered
	case Timeout:
		return record.CallbackConnectionTimeout
	case ConnectionError:
		return record.CallbackConnectionError
	default:
		return record.CallbackFailed
	}
}
