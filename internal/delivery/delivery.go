// Package delivery implements at-least-once webhook delivery with signed
// payloads and bounded backoff. The engine keeps per-attempt records but
// persists nothing; the caller owns the aggregate result.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/accordsai/signlane/pkg/webhooks"
)

type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

const fixedInterval = 5 * time.Second

type Options struct {
	Backoff     Backoff
	MaxAttempts int
	Timeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Backoff == "" {
		o.Backoff = BackoffExponential
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

type Attempt struct {
	Attempt    int           `json:"attempt"`
	Success    bool          `json:"success"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

type Result struct {
	Success       bool      `json:"success"`
	Attempts      []Attempt `json:"attempts"`
	TotalAttempts int       `json:"total_attempts"`
	FinalStatus   string    `json:"final_status"`
	PayloadHash   string    `json:"payload_hash,omitempty"`
}

type Engine struct {
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func NewEngine(client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	return &Engine{
		client: client,
		logger: slog.Default().With("component", "delivery"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deliver posts payload to target, retrying per opts. A timestamp field is
// injected before signing so the receiver can bound replay windows; the
// HMAC-SHA256 signature over the canonical JSON body travels in the
// X-Signlane-Signature header.
func (e *Engine) Deliver(ctx context.Context, target, secret string, payload map[string]any, opts Options) (Result, error) {
	opts = opts.withDefaults()

	signed := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		signed[k] = v
	}
	if _, ok := signed["timestamp"]; !ok {
		signed["timestamp"] = e.now().UTC().Format(time.RFC3339)
	}
	body, signature, err := webhooks.SignPayload(secret, signed)
	if err != nil {
		return Result{FinalStatus: "failed"}, fmt.Errorf("sign payload: %w", err)
	}

	// The digest identifies the exact signed body for audit correlation.
	result := Result{PayloadHash: webhooks.PayloadHash(body)}
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		a := e.attempt(ctx, target, body, signature, opts.Timeout)
		a.Attempt = attempt + 1
		result.Attempts = append(result.Attempts, a)
		result.TotalAttempts = attempt + 1

		if a.Success {
			result.Success = true
			result.FinalStatus = "delivered"
			return result, nil
		}
		e.logger.Warn("delivery attempt failed",
			"target", target, "attempt", a.Attempt, "status", a.HTTPStatus, "error", a.Error)

		if attempt == opts.MaxAttempts-1 {
			break
		}
		if err := e.sleep(ctx, backoffInterval(opts.Backoff, attempt)); err != nil {
			result.FinalStatus = "failed"
			return result, err
		}
	}
	result.FinalStatus = "failed"
	return result, nil
}

func (e *Engine) attempt(ctx context.Context, target string, body []byte, signature string, timeout time.Duration) Attempt {
	start := e.now()
	a := Attempt{At: start.UTC()}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		a.Error = err.Error()
		a.Duration = e.now().Sub(start)
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooks.SignatureHeader, signature)

	resp, err := e.client.Do(req)
	a.Duration = e.now().Sub(start)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	a.HTTPStatus = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Success = true
	} else {
		a.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return a
}

// backoffInterval returns the sleep before the attempt after attempt (0-based):
// exponential yields 2s, 4s, 8s, ...; fixed always 5s.
func backoffInterval(b Backoff, attempt int) time.Duration {
	if b == BackoffFixed {
		return fixedInterval
	}
	return time.Duration(1<<uint(attempt+1)) * time.Second
}
