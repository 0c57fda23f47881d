// Package crm talks to the remote contact-upsert endpoint.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// MaxBatchSize is the endpoint's hard per-call entry limit.
	MaxBatchSize = 100

	upsertPath = "/crm/v3/objects/contacts/batch/upsert"

	maxAttempts         = 5
	initialBackoff      = 500 * time.Millisecond
	maxBackoff          = 30 * time.Second
	defaultTimeout      = 60 * time.Second
	maxIdleConns        = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Entry is one upsert input: the derived unique key plus the contact
// properties written under it.
type Entry struct {
	IDProperty string            `json:"idProperty"`
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type upsertRequest struct {
	Inputs []Entry `json:"inputs"`
}

type apiError struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// Client is the upsert endpoint client. Throttled responses are retried a
// bounded number of times with exponential backoff and jitter; every other
// failure is surfaced to the caller on the first occurrence.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	log        zerolog.Logger

	// backoffBase is initialBackoff except in tests.
	backoffBase time.Duration
}

// NewClient creates a client for the given endpoint and bearer token.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		baseURL:     baseURL,
		token:       token,
		log:         log,
		backoffBase: initialBackoff,
	}
}

// SetRequestsPerSecond sets a smooth pacing limit on outgoing calls.
// rps<=0 disables pacing.
func (c *Client) SetRequestsPerSecond(rps float64) {
	if rps <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
}

// BatchUpsert delivers one batch of at most MaxBatchSize entries. The same
// batch is retried on throttling; on success the batch is considered
// delivered exactly as passed.
func (c *Client) BatchUpsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds endpoint limit of %d", len(entries), MaxBatchSize)
	}

	body, err := json.Marshal(upsertRequest{Inputs: entries})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.waitBackoff(ctx, attempt, lastErr); err != nil {
				return err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		retryable, err := c.doUpsert(ctx, body)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		c.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(entries)).
			Msg("upsert throttled, will retry")
	}

	return &RetryExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// doUpsert performs one HTTP round trip. The bool reports whether the error
// is a throttle that may be retried.
func (c *Client) doUpsert(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+upsertPath, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("upsert request failed: %w", err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if readErr != nil {
		return false, fmt.Errorf("reading response (status %d): %w", resp.StatusCode, readErr)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &AuthError{StatusCode: resp.StatusCode, Message: parseAPIError(respBody).Message}

	case resp.StatusCode == http.StatusTooManyRequests:
		return true, &RateLimitError{RetryAfter: resp.Header.Get("Retry-After")}

	case resp.StatusCode == http.StatusBadRequest:
		detail := parseAPIError(respBody)
		c.log.Error().
			Str("category", detail.Category).
			Str("message", detail.Message).
			RawJSON("payload", body).
			Msg("upsert batch rejected")
		return false, &ValidationError{Message: detail.Message, Category: detail.Category}

	default:
		return false, fmt.Errorf("upsert failed with status %d: %s", resp.StatusCode, parseAPIError(respBody).Message)
	}
}

// waitBackoff sleeps before a retry: the endpoint's Retry-After hint when
// the last throttle carried one, exponential backoff with jitter otherwise.
func (c *Client) waitBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := calculateBackoff(c.backoffBase, attempt)
	if rl, ok := lastErr.(*RateLimitError); ok && rl.RetryAfter != "" {
		if secs, err := strconv.Atoi(rl.RetryAfter); err == nil && secs > 0 {
			delay = time.Duration(secs) * time.Second
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func calculateBackoff(base time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

func parseAPIError(body []byte) apiError {
	var out apiError
	if err := json.Unmarshal(body, &out); err != nil {
		out.Message = string(body)
	}
	return out
}
