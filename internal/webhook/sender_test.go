package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestHTTPSender_Success(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(2*time.Second, 0)
	ctx := context.Background()
	err := s.Notify(ctx, srv.URL, Event{ProjectID: "1", Type: "submitted", Status: "cloning", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.ProjectID != "1" || got.Status != "cloning" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHTTPSender_RetryThenSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(2*time.Second, 5)
	ctx := context.Background()
	start := time.Now()
	err := s.Notify(ctx, srv.URL, Event{ProjectID: "2", Status: "building", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if atomic.LoadInt32(&hits) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", hits)
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatalf("expected backoff delay to elapse, too fast: %s", time.Since(start))
	}
}

func TestHTTPSender_ExhaustRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSender(500*time.Millisecond, 2)
	ctx := context.Background()
	err := s.Notify(ctx, srv.URL, Event{ProjectID: "3", Status: "failed", Timestamp: time.Now()})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
}

func TestHTTPSender_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(5*time.Second, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Notify(ctx, srv.URL, Event{ProjectID: "4", Status: "hosted", Timestamp: time.Now()})
	if err == nil {
		t.Fatalf("expected context timeout error")
	}
}

func TestHTTPSender_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPSender(time.Second, 0, WithBreaker(2, time.Minute))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Notify(ctx, srv.URL, Event{ProjectID: "5"}); err == nil {
			t.Fatalf("attempt %d: expected delivery error", i)
		}
	}

	err := s.Notify(ctx, srv.URL, Event{ProjectID: "5"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("expected 2 requests to reach the server, got %d", n)
	}
}

func TestHTTPSender_BackoffIsCapped(t *testing.T) {
	s := NewHTTPSender(time.Second, 100).(*httpsender)

	if got := s.backoff(0); got != 500*time.Millisecond {
		t.Fatalf("attempt 0: expected 500ms, got %v", got)
	}
	if got := s.backoff(1); got != 1050*time.Millisecond {
		t.Fatalf("attempt 1: expected 1.05s, got %v", got)
	}
	for _, attempt := range []int{6, 31, 40, 63, 64, 99} {
		got := s.backoff(attempt)
		if got <= 0 || got > maxBackoff {
			t.Fatalf("attempt %d: backoff %v outside (0, %v]", attempt, got, maxBackoff)
		}
	}
}
