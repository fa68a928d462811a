// Package httputil wraps outbound HTTP calls with bounded retry and
// backoff for the GitLab and SonarQube clients.
package httputil

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy controls retry behavior for a request.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay to randomize, 0..1
}

// DefaultPolicy returns the retry policy used for CI/CD API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
	}
}

// Do runs an HTTP request under the policy. buildReq is invoked once per
// attempt because request bodies are consumed on read. Network errors,
// 429 and 5xx responses retry with backoff (honoring Retry-After); other
// 4xx responses return immediately with the body intact.
func Do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), pol Policy) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for attempt := range pol.MaxAttempts {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err == nil && !retryable(resp.StatusCode) {
			return resp, nil
		}

		var delay time.Duration
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			delay = retryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
		}

		if attempt == pol.MaxAttempts-1 {
			break
		}
		if delay == 0 {
			delay = backoff(pol, attempt)
		}
		log.Printf("httputil: retrying %s %s in %s (attempt %d/%d): %v",
			req.Method, req.URL.Path, delay.Round(time.Millisecond), attempt+1, pol.MaxAttempts, lastErr)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", pol.MaxAttempts, lastErr)
}

// retryable reports whether the status code is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff doubles the base delay per attempt, capped at MaxDelay, with
// +/- Jitter applied so synchronized callers spread out.
func backoff(pol Policy, attempt int) time.Duration {
	delay := float64(pol.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(pol.MaxDelay) {
		delay = float64(pol.MaxDelay)
	}
	delay += delay * pol.Jitter * (rand.Float64()*2 - 1)
	if delay < 0 {
		delay = float64(pol.BaseDelay)
	}
	return time.Duration(delay)
}

// retryAfter parses a Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Zero means absent or unusable.
func retryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
