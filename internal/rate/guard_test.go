package rate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGuardExhaustsMinuteBudget(t *testing.T) {
	guard := NewGuard(Limits{PerMinute: 5})
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := guard.Allow(now); err != nil {
			t.Fatalf("request %d blocked: %v", i, err)
		}
	}

	err := guard.Allow(now)
	var limited Error
	if !errors.As(err, &limited) {
		t.Fatalf("got %v, want rate Error", err)
	}
	if !limited.RetryAt.After(now) {
		t.Fatalf("retry at %v not in the future", limited.RetryAt)
	}
}

func TestGuardRefillsOverTime(t *testing.T) {
	guard := NewGuard(Limits{PerMinute: 60})
	now := time.Now()

	for i := 0; i < 60; i++ {
		if err := guard.Allow(now); err != nil {
			t.Fatalf("request %d blocked: %v", i, err)
		}
	}
	if err := guard.Allow(now); err == nil {
		t.Fatalf("budget not exhausted")
	}

	// One token per second at 60/min.
	if err := guard.Allow(now.Add(1100 * time.Millisecond)); err != nil {
		t.Fatalf("refilled request blocked: %v", err)
	}
}

func TestObserve429StartsCooldown(t *testing.T) {
	guard := NewGuard(Limits{PerMinute: 100})

	headers := http.Header{}
	headers.Set("Retry-After", "120")
	guard.Observe(http.StatusTooManyRequests, headers)

	err := guard.Allow(time.Now())
	var limited Error
	if !errors.As(err, &limited) {
		t.Fatalf("got %v, want cooldown Error", err)
	}
	if limited.Reason != "cooldown" {
		t.Fatalf("reason = %q, want cooldown", limited.Reason)
	}
	until := time.Until(limited.RetryAt)
	if until < 110*time.Second || until > 130*time.Second {
		t.Fatalf("cooldown %v, want about 120s", until)
	}
}

func TestObserveIgnoresNon429(t *testing.T) {
	guard := NewGuard(Limits{PerMinute: 100})
	guard.Observe(http.StatusBadGateway, http.Header{})

	if err := guard.Allow(time.Now()); err != nil {
		t.Fatalf("non-429 response started a cooldown: %v", err)
	}
}

func TestWrapHTTPBlocksLocally(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := WrapHTTP(Limits{PerMinute: 1}, nil)

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	_, err = client.Get(server.URL)
	var limited Error
	if !errors.As(err, &limited) {
		t.Fatalf("got %v, want rate Error", err)
	}
	if hits != 1 {
		t.Fatalf("blocked request reached the server: %d hits", hits)
	}
}
