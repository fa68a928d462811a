package httputil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      0,
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest("GET", srv.URL, nil)
	}, fastPolicy())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest("GET", srv.URL, nil)
	}, fastPolicy())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDo_FailsFastOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"404 Not Found"}`)
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest("GET", srv.URL, nil)
	}, fastPolicy())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (fail fast)", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "404 Not Found") {
		t.Errorf("body = %q, want intact error body", body)
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	start := time.Now()
	resp, err := Do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest("GET", srv.URL, nil)
	}, fastPolicy())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("elapsed = %v, want ~1s from Retry-After", elapsed)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest("GET", srv.URL, nil)
	}, fastPolicy())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "all 3 attempts exhausted") {
		t.Errorf("error = %q, want to mention exhausted attempts", err.Error())
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	pol := Policy{MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, srv.Client(), func() (*http.Request, error) {
			return http.NewRequest("GET", srv.URL, nil)
		}, pol)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; err == nil || !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("error = %v, want context canceled", err)
	}
}

func TestRetryAfter_Parsing(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"120", 120 * time.Second},
		{"1", time.Second},
		{"", 0},
		{"abc", 0},
		{"0", 0},
		{"-5", 0},
	}
	for _, tc := range tests {
		if got := retryAfter(tc.val); got != tc.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tc.val, got, tc.want)
		}
	}
}

func TestRetryAfter_HTTPDate(t *testing.T) {
	future := time.Now().Add(5 * time.Second).UTC().Format(time.RFC1123)
	if d := retryAfter(future); d < 3*time.Second || d > 6*time.Second {
		t.Errorf("retryAfter(date) = %v, want ~5s", d)
	}
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	pol := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	if got := backoff(pol, 10); got != 4*time.Second {
		t.Errorf("backoff = %v, want cap %v", got, 4*time.Second)
	}
}
