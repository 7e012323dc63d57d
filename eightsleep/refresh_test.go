package eightsleep

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// faultySurfaces serves every refresh surface with minimal payloads and
// can be flipped into an all-500 failure mode.
type faultySurfaces struct {
	failing atomic.Bool

	mu    sync.Mutex
	paths []string
}

func (f *faultySurfaces) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.paths = append(f.paths, r.URL.Path)
		f.mu.Unlock()

		if f.failing.Load() {
			http.Error(w, "upstream down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/devices/"):
			_, _ = io.WriteString(w, `{"result":{"deviceId":"dev-1","hasWater":true,"leftHeatingLevel":25}}`)
		case strings.HasSuffix(r.URL.Path, "/temperature"):
			_, _ = io.WriteString(w, `{"currentLevel":25}`)
		case strings.HasSuffix(r.URL.Path, "/trends"):
			_, _ = io.WriteString(w, `{"days":[]}`)
		case strings.HasSuffix(r.URL.Path, "/routines"):
			_, _ = io.WriteString(w, `{"settings":{"routines":[]}}`)
		case strings.HasSuffix(r.URL.Path, "/base"):
			_, _ = io.WriteString(w, `{"left":{"leg":{"currentAngle":10},"torso":{"currentAngle":20},"preset":{"name":"sleep"}}}`)
		default:
			t.Errorf("unexpected refresh request: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func (f *faultySurfaces) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

func (f *faultySurfaces) requested(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, path := range f.paths {
		if strings.HasSuffix(path, suffix) {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, surfaces *faultySurfaces) (*Engine, *Account, *Side) {
	t.Helper()
	client, _, _ := newTestClient(t, surfaces.handler(t))
	account, left, _ := testAccount()
	return NewEngine(client, account), account, left
}

func TestRefreshAppliesTelemetry(t *testing.T) {
	surfaces := &faultySurfaces{}
	engine, _, left := newTestEngine(t, surfaces)

	applied := 0
	engine.OnApplied = func(scope Scope) {
		applied++
		if scope != ScopeTelemetry {
			t.Errorf("applied scope = %s, want %s", scope, ScopeTelemetry)
		}
	}

	if err := engine.Refresh(context.Background(), ScopeTelemetry); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if applied != 1 {
		t.Fatalf("OnApplied fired %d times, want 1", applied)
	}
	if level, ok := left.HeatingLevel(); !ok || level != 25 {
		t.Fatalf("heating level = %d, %v; want 25, true", level, ok)
	}
	// Both bound sides get their per-user surfaces fetched.
	if n := surfaces.requested("/temperature"); n != 2 {
		t.Fatalf("temperature fetched %d times, want 2", n)
	}
}

func TestRefreshFailureKeepsLastKnownState(t *testing.T) {
	surfaces := &faultySurfaces{}
	engine, _, left := newTestEngine(t, surfaces)
	ctx := context.Background()

	if err := engine.Refresh(ctx, ScopeTelemetry); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}

	surfaces.failing.Store(true)
	err := engine.Refresh(ctx, ScopeTelemetry)
	var refreshErr RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("got %v, want RefreshError", err)
	}
	if refreshErr.Scope != ScopeTelemetry {
		t.Fatalf("refresh error scope = %q, want %q", refreshErr.Scope, ScopeTelemetry)
	}

	if level, ok := left.HeatingLevel(); !ok || level != 25 {
		t.Fatalf("stale state dropped on failure: level = %d, %v", level, ok)
	}
	if !engine.Available(ScopeTelemetry) {
		t.Fatalf("one failure must not mark the scope unavailable")
	}
}

func TestAvailabilitySignalsOncePerStreak(t *testing.T) {
	surfaces := &faultySurfaces{}
	engine, _, _ := newTestEngine(t, surfaces)
	ctx := context.Background()

	var lost, recovered int
	engine.OnAvailability = func(scope Scope, available bool) {
		if scope != ScopeTelemetry {
			t.Errorf("availability scope = %s, want %s", scope, ScopeTelemetry)
		}
		if available {
			recovered++
		} else {
			lost++
		}
	}

	surfaces.failing.Store(true)
	for i := 0; i < 5; i++ {
		if err := engine.Refresh(ctx, ScopeTelemetry); err == nil {
			t.Fatalf("refresh %d should fail", i)
		}
	}
	if lost != 1 {
		t.Fatalf("unavailable signaled %d times over one streak, want 1", lost)
	}
	if engine.Available(ScopeTelemetry) {
		t.Fatalf("scope still available after %d failures", 5)
	}

	surfaces.failing.Store(false)
	if err := engine.Refresh(ctx, ScopeTelemetry); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovery signaled %d times, want 1", recovered)
	}
	if !engine.Available(ScopeTelemetry) {
		t.Fatalf("scope unavailable after successful refresh")
	}

	// A fresh streak has to reach the threshold again before re-signaling.
	surfaces.failing.Store(true)
	if err := engine.Refresh(ctx, ScopeTelemetry); err == nil {
		t.Fatalf("refresh should fail")
	}
	if lost != 1 {
		t.Fatalf("single failure after recovery re-signaled unavailable")
	}
}

func TestScopeStreaksAreIndependent(t *testing.T) {
	failBase := &faultySurfaces{}
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/base") {
			http.Error(w, "base offline", http.StatusInternalServerError)
			return
		}
		failBase.handler(t)(w, r)
	}))
	account, _, _ := testAccount()
	engine := NewEngine(client, account)
	ctx := context.Background()

	for i := 0; i < unavailableThreshold; i++ {
		if err := engine.Refresh(ctx, ScopeBase); err == nil {
			t.Fatalf("base refresh %d should fail", i)
		}
		if err := engine.Refresh(ctx, ScopeTelemetry); err != nil {
			t.Fatalf("telemetry refresh %d: %v", i, err)
		}
	}

	if engine.Available(ScopeBase) {
		t.Fatalf("base scope should be unavailable")
	}
	if !engine.Available(ScopeTelemetry) {
		t.Fatalf("base failures leaked into the telemetry streak")
	}
}

func TestTargetedRefreshesTouchOneSurface(t *testing.T) {
	surfaces := &faultySurfaces{}
	engine, account, left := newTestEngine(t, surfaces)
	ctx := context.Background()

	if err := engine.RefreshSide(ctx, left); err != nil {
		t.Fatalf("refresh side: %v", err)
	}
	if got := surfaces.requested("/temperature"); got != 1 {
		t.Fatalf("temperature fetched %d times, want 1", got)
	}
	if got := surfaces.total(); got != 1 {
		t.Fatalf("side refresh made %d requests, want 1", got)
	}
	if level, ok := left.HeatingLevel(); !ok || level != 25 {
		t.Fatalf("side refresh did not apply: level = %d, %v", level, ok)
	}

	bed, _ := account.Bed("dev-1")
	if err := engine.RefreshBed(ctx, bed); err != nil {
		t.Fatalf("refresh bed: %v", err)
	}
	if got := surfaces.requested("/devices/dev-1"); got != 1 {
		t.Fatalf("device fetched %d times, want 1", got)
	}

	// Targeted refreshes never count toward a scope streak.
	surfaces.failing.Store(true)
	for i := 0; i < 2*unavailableThreshold; i++ {
		if err := engine.RefreshSide(ctx, left); err == nil {
			t.Fatalf("failing side refresh %d returned nil", i)
		}
	}
	if !engine.Available(ScopeTelemetry) || !engine.Available(ScopeBase) {
		t.Fatalf("targeted refresh failures moved a scope streak")
	}
}
