// Package notifier delivers operational alerts to a configured HTTPS endpoint
// as HMAC-signed JSON documents. The billing reconciler uses it to flag
// data-integrity gaps (webhook events referencing unknown users, customers, or
// plans) that are acknowledged to the payment provider but need human review.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// Config holds the alert endpoint settings. An empty URL disables delivery,
// which keeps local development working without an ops endpoint.
type Config struct {
	URL        string        `env:"OPS_ALERT_URL"`
	Secret     string        `env:"OPS_ALERT_SECRET"`
	Timeout    time.Duration `env:"OPS_ALERT_TIMEOUT" envDefault:"10s"`
	MaxRetries int           `env:"OPS_ALERT_MAX_RETRIES" envDefault:"3"`
}

// Notifier posts alerts with retry and exponential backoff.
// Zero value is not usable; use New.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// New creates a Notifier. The HTTP client is reused across alerts for
// connection pooling.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		// Restrict to HTTP/HTTPS to prevent SSRF via misconfiguration
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("%w: only http and https schemes are supported", ErrInvalidConfiguration)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type alertPayload struct {
	Subject    string         `json:"subject"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Alert delivers an alert document to the configured endpoint. Returns nil
// immediately when no endpoint is configured. Delivery failures after all
// retries are returned wrapped in ErrDeliveryFailed; callers generally log
// them rather than fail their own operation.
func (n *Notifier) Alert(ctx context.Context, subject string, details map[string]any) error {
	if n.cfg.URL == "" {
		return nil
	}

	payload, err := json.Marshal(alertPayload{
		Subject:    subject,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		statusCode, err := n.attempt(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		// 4xx responses (except rate limiting) won't resolve with retries
		if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", ErrPermanentFailure, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, n.cfg.MaxRetries+1, lastErr)
}

func (n *Notifier) attempt(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "quillchat-billing/1.0")

	if n.cfg.Secret != "" {
		sig, err := SignPayload(n.cfg.Secret, payload)
		if err != nil {
			return 0, err
		}
		for k, v := range sig.Headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain to allow connection reuse; cap to prevent memory exhaustion
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff returns the wait before the given retry attempt (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
