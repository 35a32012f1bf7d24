package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

type Event struct {
	ProjectID string    `json:"project_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type Sender interface {
	Notify(ctx context.Context, url string, event Event) error
}

const maxBackoff = 30 * time.Second

type httpsender struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration

	// one breaker per target URL
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	tripAt   uint32
	cooldown time.Duration
}

type Option func(*httpsender)

// WithBreaker opens the circuit for a URL after failures consecutive failed
// deliveries and keeps it open for cooldown.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(s *httpsender) {
		s.tripAt = failures
		s.cooldown = cooldown
	}
}

func NewHTTPSender(timeout time.Duration, maxRetries int, opts ...Option) Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	s := &httpsender{
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		tripAt:      5,
		cooldown:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *httpsender) breaker(url string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[url]
	if !ok {
		tripAt := s.tripAt
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    url,
			Timeout: s.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= tripAt
			},
		})
		s.breakers[url] = cb
	}
	return cb
}

func (s *httpsender) Notify(ctx context.Context, url string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.breaker(url).Execute(func() (interface{}, error) {
		return nil, s.deliver(ctx, url, body)
	})
	return err
}

func (s *httpsender) deliver(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		resp, err := s.client.Do(req)
		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			lastErr = errors.New(resp.Status)
		} else {
			lastErr = err
		}
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-time.After(s.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoff doubles from baseBackoff per attempt, plus a small linear jitter,
// and never exceeds maxBackoff.
func (s *httpsender) backoff(attempt int) time.Duration {
	d := maxBackoff
	if attempt < 32 {
		if b := s.baseBackoff << attempt; b > 0 && b < maxBackoff {
			d = b
		}
	}
	d += time.Duration(attempt%20) * 50 * time.Millisecond
	return min(d, maxBackoff)
}
