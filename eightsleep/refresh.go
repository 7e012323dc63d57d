package eightsleep

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Scope names one of the two refresh cadences. Telemetry covers the
// device, temperature, biometric and alarm surfaces; base covers the
// adjustable frame, which moves on command and so gets polled faster.
type Scope string

const (
	ScopeTelemetry Scope = "biometric-and-heating"
	ScopeBase      Scope = "base"
)

const (
	DefaultTelemetryInterval = 5 * time.Minute
	DefaultBaseInterval      = time.Minute

	// Consecutive scheduled failures before a scope is reported unavailable.
	unavailableThreshold = 3
)

// Engine polls the cloud on two independent schedules and merges the
// results into the account's state model. Failures leave the last known
// state in place; availability is reported through OnAvailability once
// per streak, not once per failure.
type Engine struct {
	client  *Client
	account *Account

	TelemetryInterval time.Duration
	BaseInterval      time.Duration

	// OnAvailability fires when a scope crosses the failure threshold and
	// again when it recovers. Optional.
	OnAvailability func(scope Scope, available bool)
	// OnApplied fires after a refresh successfully updated the model.
	// Optional.
	OnApplied func(scope Scope)

	mu       sync.Mutex
	failures map[Scope]int
	down     map[Scope]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(client *Client, account *Account) *Engine {
	return &Engine{
		client:            client,
		account:           account,
		TelemetryInterval: DefaultTelemetryInterval,
		BaseInterval:      DefaultBaseInterval,
		failures:          make(map[Scope]int),
		down:              make(map[Scope]bool),
	}
}

// Start launches the schedules. The base schedule only runs when the
// account has an adjustable base.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.loop(ctx, ScopeTelemetry, e.TelemetryInterval)
	if e.account.HasBase() {
		e.wg.Add(1)
		go e.loop(ctx, ScopeBase, e.BaseInterval)
	}
}

// Stop cancels the schedules and waits for in-flight refreshes.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, scope Scope, interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.Refresh(ctx, scope); err != nil && ctx.Err() == nil {
			log.Printf("eightsleep: %s refresh failed: %v", scope, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh runs one full cycle for a scope and records the outcome
// against the scope's failure streak. Each bed is fetched and applied
// under its own ops lock so a cycle never interleaves with a command
// sequence on the same bed.
func (e *Engine) Refresh(ctx context.Context, scope Scope) error {
	var err error
	switch scope {
	case ScopeTelemetry:
		err = e.refreshTelemetry(ctx)
	case ScopeBase:
		err = e.refreshBase(ctx)
	default:
		return InvalidStateError{Op: "refresh", Reason: "unknown scope " + string(scope)}
	}

	e.recordResult(scope, err)
	if err != nil {
		return RefreshError{Scope: scope, Err: err}
	}
	if e.OnApplied != nil {
		e.OnApplied(scope)
	}
	return nil
}

func (e *Engine) refreshTelemetry(ctx context.Context) error {
	var errs []error
	for _, bed := range e.account.Beds() {
		bed.ops.Lock()
		errs = append(errs, e.refreshBedLocked(ctx, bed))
		bed.ops.Unlock()
	}
	return errors.Join(errs...)
}

// refreshBedLocked fetches every telemetry surface for one bed. Callers
// hold bed.ops. Fetch errors are returned; malformed payloads are logged
// and skipped so one bad section never blanks the rest of the cycle.
func (e *Engine) refreshBedLocked(ctx context.Context, bed *Bed) error {
	var (
		update Update
		errs   []error
	)

	device, err := e.client.Device(ctx, bed.ID())
	if err != nil {
		errs = append(errs, err)
	} else {
		update.Device = &device
	}

	for _, side := range []*Side{bed.Left(), bed.Right()} {
		userID := side.UserID()
		if userID == "" {
			continue
		}

		temperature, err := e.client.Temperature(ctx, userID)
		if err != nil {
			errs = append(errs, err)
		} else {
			update.Temperature = append(update.Temperature, temperature)
		}

		trends, err := e.client.Trends(ctx, userID)
		if err != nil {
			errs = append(errs, err)
		} else {
			update.Trends = append(update.Trends, trends)
		}

		routines, err := e.client.Routines(ctx, userID)
		if err != nil {
			errs = append(errs, err)
		} else {
			update.Routines = append(update.Routines, routines)
		}
	}

	if err := e.account.Apply(update); err != nil {
		log.Printf("eightsleep: bed %s: skipped malformed sections: %v", bed.ID(), err)
	}
	return errors.Join(errs...)
}

func (e *Engine) refreshBase(ctx context.Context) error {
	var errs []error
	for _, bed := range e.account.Beds() {
		side := bed.Left()
		if side.UserID() == "" {
			side = bed.Right()
		}
		userID := side.UserID()
		if userID == "" {
			continue
		}

		bed.ops.Lock()
		snap, err := e.client.Base(ctx, userID, bed.ID(), side.Position())
		if err != nil {
			errs = append(errs, err)
		} else if err := e.account.Apply(Update{Base: &snap}); err != nil {
			log.Printf("eightsleep: bed %s: skipped malformed base: %v", bed.ID(), err)
		}
		bed.ops.Unlock()
	}
	return errors.Join(errs...)
}

// RefreshSide fetches just the temperature surface for one side. Used
// after heating commands so the model converges ahead of the next
// scheduled cycle; does not count toward any failure streak.
func (e *Engine) RefreshSide(ctx context.Context, side *Side) error {
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "refresh side", Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	temperature, err := e.client.Temperature(ctx, userID)
	if err != nil {
		return RefreshError{Scope: "side", Err: err}
	}
	if err := e.account.Apply(Update{Temperature: []TemperatureSnapshot{temperature}}); err != nil {
		log.Printf("eightsleep: side %s: skipped malformed temperature: %v", userID, err)
	}
	return nil
}

// RefreshAlarms fetches just the routines surface for one side.
func (e *Engine) RefreshAlarms(ctx context.Context, side *Side) error {
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "refresh alarms", Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	routines, err := e.client.Routines(ctx, userID)
	if err != nil {
		return RefreshError{Scope: "alarms", Err: err}
	}
	if err := e.account.Apply(Update{Routines: []RoutinesSnapshot{routines}}); err != nil {
		log.Printf("eightsleep: side %s: skipped malformed routines: %v", userID, err)
	}
	return nil
}

// RefreshBed fetches just the device surface for one bed.
func (e *Engine) RefreshBed(ctx context.Context, bed *Bed) error {
	bed.ops.Lock()
	defer bed.ops.Unlock()

	device, err := e.client.Device(ctx, bed.ID())
	if err != nil {
		return RefreshError{Scope: "device", Err: err}
	}
	if err := e.account.Apply(Update{Device: &device}); err != nil {
		log.Printf("eightsleep: bed %s: skipped malformed device: %v", bed.ID(), err)
	}
	return nil
}

// recordResult updates a scope's streak and fires OnAvailability exactly
// once per transition in either direction.
func (e *Engine) recordResult(scope Scope, err error) {
	e.mu.Lock()
	var notify func(Scope, bool)
	var available bool

	if err != nil {
		e.failures[scope]++
		if e.failures[scope] == unavailableThreshold && !e.down[scope] {
			e.down[scope] = true
			notify, available = e.OnAvailability, false
		}
	} else {
		e.failures[scope] = 0
		if e.down[scope] {
			e.down[scope] = false
			notify, available = e.OnAvailability, true
		}
	}
	e.mu.Unlock()

	if notify != nil {
		notify(scope, available)
	}
}

// Available reports whether a scope is currently below its failure
// threshold.
func (e *Engine) Available(scope Scope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.down[scope]
}
