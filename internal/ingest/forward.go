package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tracegate.org/internal/auth"
)

// CredentialFunc supplies the bearer credential for one forwarding attempt.
// It runs per attempt, never once per forwarder, so a rotated key or a fresh
// access token is picked up without restarting anything.
type CredentialFunc func(ctx context.Context) (string, error)

// StaticCredential returns the same credential for every attempt.
func StaticCredential(credential string) CredentialFunc {
	return func(context.Context) (string, error) { return credential, nil }
}

// Forwarder re-exports accepted batches to a downstream collector over HTTP.
type Forwarder struct {
	target      string
	credentials CredentialFunc
	client      *http.Client
	limiter     *rate.Limiter
	attempts    int
	backoff     time.Duration
}

// ForwarderOption configures Forwarder behavior.
type ForwarderOption func(*Forwarder)

// WithForwardClient overrides the HTTP client.
func WithForwardClient(client *http.Client) ForwarderOption {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

// WithForwardAttempts sets how many times a batch is tried before giving up.
func WithForwardAttempts(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithForwardBackoff sets the base delay between attempts.
func WithForwardBackoff(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.backoff = d
		}
	}
}

// WithForwardRateLimit caps outgoing batches per second.
func WithForwardRateLimit(perSecond float64, burst int) ForwarderOption {
	return func(f *Forwarder) {
		if perSecond > 0 && burst > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewForwarder constructs a Forwarder for the given downstream URL.
func NewForwarder(target string, credentials CredentialFunc, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		target:      target,
		credentials: credentials,
		client:      &http.Client{Timeout: 10 * time.Second},
		attempts:    3,
		backoff:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type forwardPayload struct {
	Project string `json:"project"`
	Spans   []Span `json:"spans"`
}

// Forward ships one batch downstream. A 401 response fails immediately as
// ErrUnauthenticated; server-side failures retry with linear backoff.
func (f *Forwarder) Forward(ctx context.Context, project string, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}
	body, err := json.Marshal(forwardPayload{Project: project, Spans: spans})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * f.backoff):
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		lastErr = f.send(ctx, body)
		if lastErr == nil {
			return nil
		}
		// Credential rejections are not transient: the caller must swap
		// credentials, not retry the same ones.
		if err := ctx.Err(); err != nil {
			return err
		}
		if isUnauthenticated(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("forward batch: %w", lastErr)
}

func (f *Forwarder) send(ctx context.Context, body []byte) error {
	credential, err := f.credentials(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: downstream rejected credentials (%d)", auth.ErrUnauthenticated, resp.StatusCode)
	default:
		return fmt.Errorf("downstream returned %d", resp.StatusCode)
	}
}

func isUnauthenticated(err error) bool {
	return errors.Is(err, auth.ErrUnauthenticated)
}
