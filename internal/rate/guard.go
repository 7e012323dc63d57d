// Package rate keeps outbound API traffic under the vendor's limits.
// The vendor does not publish numbers; the defaults are sized for the
// two polling cadences plus interactive commands, and a 429 response
// backs everything off via Retry-After.
package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limits bounds request volume per window. Zero values disable the
// corresponding bucket.
type Limits struct {
	PerMinute int
	PerDay    int
}

// DefaultLimits covers two beds on both schedules with headroom for
// commands and their targeted refreshes.
func DefaultLimits() Limits {
	return Limits{PerMinute: 30, PerDay: 20000}
}

// Error is returned when a request is blocked locally instead of being
// sent to the cloud.
type Error struct {
	Reason  string
	RetryAt time.Time
}

func (e Error) Error() string {
	if e.RetryAt.IsZero() {
		return "rate limited: " + e.Reason
	}
	return fmt.Sprintf("rate limited: %s (retry at %s)", e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type bucket struct {
	capacity int
	window   time.Duration
	tokens   float64
	last     time.Time
}

func (b *bucket) take(now time.Time) (bool, time.Time) {
	if b.last.IsZero() {
		b.last = now
	}
	refill := float64(b.capacity) / b.window.Seconds()
	b.tokens += now.Sub(b.last).Seconds() * refill
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, time.Time{}
	}
	wait := time.Duration((1 - b.tokens) / refill * float64(time.Second))
	return false, now.Add(wait)
}

// Guard is a token-bucket limiter that also honors server-driven
// cooldowns from 429 Retry-After responses.
type Guard struct {
	mu       sync.Mutex
	buckets  []*bucket
	cooldown time.Time
}

func NewGuard(limits Limits) *Guard {
	g := &Guard{}
	if limits.PerMinute > 0 {
		g.buckets = append(g.buckets, &bucket{
			capacity: limits.PerMinute,
			window:   time.Minute,
			tokens:   float64(limits.PerMinute),
		})
	}
	if limits.PerDay > 0 {
		g.buckets = append(g.buckets, &bucket{
			capacity: limits.PerDay,
			window:   24 * time.Hour,
			tokens:   float64(limits.PerDay),
		})
	}
	return g
}

// Allow reports whether one request may go out now.
func (g *Guard) Allow(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.cooldown) {
		return Error{Reason: "cooldown", RetryAt: g.cooldown}
	}
	for _, b := range g.buckets {
		ok, retryAt := b.take(now)
		if !ok {
			return Error{Reason: "budget", RetryAt: retryAt}
		}
	}
	return nil
}

// Observe records a response. A 429 starts a cooldown during which
// every request is blocked locally; without a Retry-After header the
// cooldown defaults to a minute.
func (g *Guard) Observe(status int, headers http.Header) {
	lastStatusGauge.Set(float64(status))
	if status != http.StatusTooManyRequests {
		return
	}

	seconds := headerSeconds(headers, "Retry-After")
	if seconds <= 0 {
		seconds = 60
	}
	retryAfterGauge.Set(float64(seconds))

	g.mu.Lock()
	g.cooldown = time.Now().Add(time.Duration(seconds) * time.Second)
	g.mu.Unlock()
}

func headerSeconds(h http.Header, key string) int {
	value := h.Get(key)
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return seconds
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.guard.Allow(time.Now()); err != nil {
		return nil, err
	}
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.Observe(resp.StatusCode, resp.Header)
	return resp, nil
}

// WrapHTTP returns a copy of base whose transport enforces the limits.
func WrapHTTP(limits Limits, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: NewGuard(limits)}
	return &client
}
