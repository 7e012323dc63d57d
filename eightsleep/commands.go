package eightsleep

import (
	"context"
	"fmt"
	"log"
	"time"
)

const targetedRefreshTimeout = 30 * time.Second

// Dispatcher validates and executes user commands against the cloud.
// Parameter errors are rejected before any network call; cloud-side
// rejections are mapped onto the error taxonomy. Successful mutating
// commands schedule a targeted refresh of the affected state before
// returning, so the model converges without waiting for the next
// scheduled cycle.
type Dispatcher struct {
	client  *Client
	account *Account

	// engine runs the post-command targeted refreshes. Nil disables them,
	// which is useful in tests and one-shot CLI contexts.
	engine *Engine
}

func NewDispatcher(client *Client, account *Account, engine *Engine) *Dispatcher {
	return &Dispatcher{client: client, account: account, engine: engine}
}

// HeatSet sets the heating target for one sleep stage. For the current
// stage the duration governs auto-off; the API ignores duration on the
// three smart stages. Out-of-range parameters are rejected without a
// network call.
func (d *Dispatcher) HeatSet(ctx context.Context, side *Side, target int, stage SleepStage, durationSeconds int) error {
	if target < MinHeatLevel || target > MaxHeatLevel {
		return rangeErr("target", target, MinHeatLevel, MaxHeatLevel)
	}
	if durationSeconds < 0 || durationSeconds > MaxHeatDurationSeconds {
		return rangeErr("duration", durationSeconds, 0, MaxHeatDurationSeconds)
	}
	if !ValidSleepStage(stage) {
		return choiceErr("sleepStage", string(stage),
			string(StageCurrent), string(StageBedtime), string(StageInitial), string(StageFinal))
	}
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "heat set", Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if stage == StageCurrent {
		// Ordering matters: the side must be on before the level write
		// sticks, and the duration write references the level.
		if err := d.client.SetCurrentState(ctx, userID, "smart"); err != nil {
			return mapCommandError("heat set", err)
		}
		if err := d.client.SetCurrentLevel(ctx, userID, target); err != nil {
			return mapCommandError("heat set", err)
		}
		if err := d.client.SetLevelDuration(ctx, userID, target, durationSeconds); err != nil {
			return mapCommandError("heat set", err)
		}
	} else {
		// Smart levels are written as a full document, so start from the
		// cloud's current values rather than a possibly stale cache.
		snap, err := d.client.Temperature(ctx, userID)
		if err != nil {
			return mapCommandError("heat set", err)
		}
		smart := SmartLevels{}
		if snap.Smart != nil {
			smart = *snap.Smart
		}
		smart.setLevel(stage, target)
		if err := d.client.SetSmartLevels(ctx, userID, smart); err != nil {
			return mapCommandError("heat set", err)
		}
	}

	d.scheduleSideRefresh(side)
	return nil
}

// HeatIncrement adjusts the current heating level by delta, clamped to
// the valid range. The current level is re-fetched immediately before
// computing the result so concurrent external changes never compound.
// Returns the level that was set.
func (d *Dispatcher) HeatIncrement(ctx context.Context, side *Side, delta int) (int, error) {
	if delta < MinHeatLevel || delta > MaxHeatLevel {
		return 0, rangeErr("delta", delta, MinHeatLevel, MaxHeatLevel)
	}
	userID := side.UserID()
	if userID == "" {
		return 0, InvalidStateError{Op: "heat increment", Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	current, err := d.client.CurrentLevel(ctx, userID)
	if err != nil {
		return 0, mapCommandError("heat increment", err)
	}
	level := clampLevel(current + delta)
	if err := d.client.SetCurrentLevel(ctx, userID, level); err != nil {
		return 0, mapCommandError("heat increment", err)
	}

	d.scheduleSideRefresh(side)
	return level, nil
}

// SideOn switches a side into smart temperature mode.
func (d *Dispatcher) SideOn(ctx context.Context, side *Side) error {
	return d.setSideState(ctx, side, "smart")
}

// SideOff turns a side's temperature control off.
func (d *Dispatcher) SideOff(ctx context.Context, side *Side) error {
	return d.setSideState(ctx, side, "off")
}

func (d *Dispatcher) setSideState(ctx context.Context, side *Side, stateType string) error {
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "side " + stateType, Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if err := d.client.SetCurrentState(ctx, userID, stateType); err != nil {
		return mapCommandError("side "+stateType, err)
	}
	d.scheduleSideRefresh(side)
	return nil
}

// AwayModeStart marks a side away. Heat commands on an away side are
// rejected by the cloud, not pre-validated here, since away status is
// itself an async cloud state.
func (d *Dispatcher) AwayModeStart(ctx context.Context, side *Side) error {
	return d.setAwayMode(ctx, side, "start")
}

// AwayModeStop clears a side's away flag.
func (d *Dispatcher) AwayModeStop(ctx context.Context, side *Side) error {
	return d.setAwayMode(ctx, side, "end")
}

func (d *Dispatcher) setAwayMode(ctx context.Context, side *Side, action string) error {
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "away mode " + action, Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if err := d.client.SetAwayMode(ctx, userID, action); err != nil {
		return mapCommandError("away mode "+action, err)
	}

	side.bed.mu.Lock()
	side.away = action == "start"
	side.bed.mu.Unlock()

	d.scheduleBedRefresh(side.Bed())
	return nil
}

// PrimePod starts a priming cycle on the side's bed. There is no direct
// completion signal; completion shows up in the bed's priming and
// last-prime fields on a later refresh.
func (d *Dispatcher) PrimePod(ctx context.Context, side *Side) error {
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "prime pod", Reason: "side has no user"}
	}
	bed := side.Bed()

	bed.ops.Lock()
	defer bed.ops.Unlock()

	if err := d.client.PrimePod(ctx, bed.ID(), userID); err != nil {
		return mapCommandError("prime pod", err)
	}
	d.scheduleBedRefresh(bed)
	return nil
}

// SetBedSide reassigns the side's user to a position. Away cannot be
// expressed through this call; use the away-mode commands instead.
func (d *Dispatcher) SetBedSide(ctx context.Context, side *Side, position SidePosition) error {
	if !ValidSidePosition(position) {
		return choiceErr("state", string(position),
			string(SideSolo), string(SideLeft), string(SideRight))
	}
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "set bed side", Reason: "side has no user"}
	}
	bed := side.Bed()

	bed.ops.Lock()
	defer bed.ops.Unlock()

	if err := d.client.SetBedSide(ctx, userID, bed.ID(), position); err != nil {
		return mapCommandError("set bed side", err)
	}
	d.scheduleBedRefresh(bed)
	return nil
}

// AlarmSnooze snoozes an active alarm for the given number of minutes.
func (d *Dispatcher) AlarmSnooze(ctx context.Context, side *Side, alarmID string, minutes int) error {
	if minutes < 1 || minutes > MaxSnoozeMinutes {
		return rangeErr("minutes", minutes, 1, MaxSnoozeMinutes)
	}
	if err := d.requireAlarmStatus(side, alarmID, "snooze", AlarmActive); err != nil {
		return err
	}
	userID := side.UserID()

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if err := d.client.SnoozeAlarm(ctx, userID, alarmID, minutes); err != nil {
		return mapCommandError("alarm snooze", err)
	}
	d.scheduleAlarmRefresh(side)
	return nil
}

// AlarmStop stops an active alarm.
func (d *Dispatcher) AlarmStop(ctx context.Context, side *Side, alarmID string) error {
	if err := d.requireAlarmStatus(side, alarmID, "stop", AlarmActive); err != nil {
		return err
	}
	userID := side.UserID()

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if err := d.client.StopAlarm(ctx, userID, alarmID); err != nil {
		return mapCommandError("alarm stop", err)
	}
	d.scheduleAlarmRefresh(side)
	return nil
}

// AlarmDismiss dismisses an upcoming alarm before it fires.
func (d *Dispatcher) AlarmDismiss(ctx context.Context, side *Side, alarmID string) error {
	if err := d.requireAlarmStatus(side, alarmID, "dismiss", AlarmUpcoming); err != nil {
		return err
	}
	userID := side.UserID()

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if err := d.client.DismissAlarm(ctx, userID, alarmID); err != nil {
		return mapCommandError("alarm dismiss", err)
	}
	d.scheduleAlarmRefresh(side)
	return nil
}

func (d *Dispatcher) requireAlarmStatus(side *Side, alarmID, op string, want AlarmStatus) error {
	alarm, ok := side.Alarm(alarmID)
	if !ok {
		return fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
	}
	if alarm.Status != want {
		return InvalidStateError{
			Op:     "alarm " + op,
			Reason: fmt.Sprintf("alarm %s is %s, not %s", alarmID, alarm.Status, want),
		}
	}
	return nil
}

// DefaultOneOffAlarm returns a one-off alarm for the given time with the
// documented defaults: enabled, vibrating at power 50 with the RISE
// pattern, thermal wake at level 0.
func DefaultOneOffAlarm(timeOfDay string) OneOffAlarm {
	return OneOffAlarm{
		Time:           timeOfDay,
		Enabled:        true,
		VibrationOn:    true,
		VibrationPower: 50,
		Pattern:        PatternRise,
		ThermalOn:      true,
		ThermalLevel:   0,
	}
}

// SetOneOffAlarm creates or updates a single-use alarm. The API keys
// one-offs by side and time, so resending identical parameters is safe.
func (d *Dispatcher) SetOneOffAlarm(ctx context.Context, side *Side, alarm OneOffAlarm) error {
	if !ValidVibrationPower(alarm.VibrationPower) {
		return choiceErr("vibrationPowerLevel", fmt.Sprint(alarm.VibrationPower), "20", "50", "100")
	}
	if !ValidVibrationPattern(alarm.Pattern) {
		return choiceErr("vibrationPattern", string(alarm.Pattern),
			string(PatternRise), string(PatternIntense))
	}
	if alarm.ThermalLevel < MinHeatLevel || alarm.ThermalLevel > MaxHeatLevel {
		return rangeErr("thermalLevel", alarm.ThermalLevel, MinHeatLevel, MaxHeatLevel)
	}
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "set one-off alarm", Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	if err := d.client.SetOneOffAlarm(ctx, userID, alarm); err != nil {
		return mapCommandError("set one-off alarm", err)
	}
	d.scheduleAlarmRefresh(side)
	return nil
}

// SetRoutineAlarm changes the time of an alarm inside an existing
// routine. A NotFound here usually means the caller holds a stale id and
// should refresh before retrying.
func (d *Dispatcher) SetRoutineAlarm(ctx context.Context, side *Side, routineID, alarmID, alarmTime string) error {
	return d.mutateRoutine(ctx, side, routineID, "set routine alarm", func(routine *Routine) error {
		for i := range routine.Alarms {
			if routine.Alarms[i].ID == alarmID {
				routine.Alarms[i].Time = alarmTime
				return nil
			}
		}
		return fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
	})
}

// SetRoutineBedtime changes the bedtime of an existing routine.
func (d *Dispatcher) SetRoutineBedtime(ctx context.Context, side *Side, routineID, bedtime string) error {
	return d.mutateRoutine(ctx, side, routineID, "set routine bedtime", func(routine *Routine) error {
		routine.Bedtime = bedtime
		return nil
	})
}

// SetAlarmEnabled toggles an alarm inside an existing routine.
func (d *Dispatcher) SetAlarmEnabled(ctx context.Context, side *Side, routineID, alarmID string, enabled bool) error {
	return d.mutateRoutine(ctx, side, routineID, "set alarm enabled", func(routine *Routine) error {
		for i := range routine.Alarms {
			if routine.Alarms[i].ID == alarmID {
				routine.Alarms[i].Enabled = enabled
				return nil
			}
		}
		return fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
	})
}

// mutateRoutine re-fetches the user's routines, applies mutate to the
// named routine and writes the full document back. Routines are owned by
// the cloud, so edits always start from the freshest snapshot.
func (d *Dispatcher) mutateRoutine(ctx context.Context, side *Side, routineID, op string, mutate func(*Routine) error) error {
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: op, Reason: "side has no user"}
	}

	side.Bed().ops.Lock()
	defer side.Bed().ops.Unlock()

	snap, err := d.client.Routines(ctx, userID)
	if err != nil {
		return mapCommandError(op, err)
	}
	var routine *Routine
	for i := range snap.Routines {
		if snap.Routines[i].ID == routineID {
			routine = &snap.Routines[i]
			break
		}
	}
	if routine == nil {
		return fmt.Errorf("routine %s: %w", routineID, ErrNotFound)
	}
	if err := mutate(routine); err != nil {
		return err
	}
	if err := d.client.PutRoutine(ctx, userID, routineID, *routine); err != nil {
		return mapCommandError(op, err)
	}
	d.scheduleAlarmRefresh(side)
	return nil
}

// SetBaseAngle moves the adjustable base to explicit feet and head
// angles, in degrees.
func (d *Dispatcher) SetBaseAngle(ctx context.Context, side *Side, feetAngle, headAngle int) error {
	if feetAngle < MinBaseAngle || feetAngle > MaxBaseAngle {
		return rangeErr("feetAngle", feetAngle, MinBaseAngle, MaxBaseAngle)
	}
	if headAngle < MinBaseAngle || headAngle > MaxBaseAngle {
		return rangeErr("headAngle", headAngle, MinBaseAngle, MaxBaseAngle)
	}
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "set base angle", Reason: "side has no user"}
	}
	bed := side.Bed()

	bed.ops.Lock()
	defer bed.ops.Unlock()

	if err := d.client.SetBaseAngle(ctx, userID, bed.ID(), feetAngle, headAngle); err != nil {
		return mapCommandError("set base angle", err)
	}
	d.scheduleBedRefresh(bed)
	return nil
}

// SetBasePreset moves the adjustable base to a named preset.
func (d *Dispatcher) SetBasePreset(ctx context.Context, side *Side, preset BasePreset) error {
	if !ValidBasePreset(preset) {
		return choiceErr("preset", string(preset),
			string(PresetSleep), string(PresetRelaxing), string(PresetReading))
	}
	userID := side.UserID()
	if userID == "" {
		return InvalidStateError{Op: "set base preset", Reason: "side has no user"}
	}
	bed := side.Bed()

	bed.ops.Lock()
	defer bed.ops.Unlock()

	if err := d.client.SetBasePreset(ctx, userID, bed.ID(), preset); err != nil {
		return mapCommandError("set base preset", err)
	}
	d.scheduleBedRefresh(bed)
	return nil
}

// mapCommandError translates cloud rejections onto the command error
// taxonomy. 400 and 409 mean the command was not valid for the current
// cloud-side state, 404 means the referenced id is gone.
func mapCommandError(op string, err error) error {
	statusErr, ok := asStatusError(err)
	if !ok {
		return err
	}
	switch {
	case statusErr.Status == 404:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case invalidStateStatus(statusErr.Status):
		return InvalidStateError{Op: op, Reason: statusErr.Error()}
	}
	return err
}

// The schedule* helpers run targeted refreshes in the background so the
// command returns as soon as the API acknowledges it. The refresh takes
// the same per-bed ops lock the command holds, so it starts only after
// the command sequence finishes.

func (d *Dispatcher) scheduleSideRefresh(side *Side) {
	if d.engine == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), targetedRefreshTimeout)
		defer cancel()
		if err := d.engine.RefreshSide(ctx, side); err != nil {
			log.Printf("eightsleep: post-command side refresh: %v", err)
		}
	}()
}

func (d *Dispatcher) scheduleBedRefresh(bed *Bed) {
	if d.engine == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), targetedRefreshTimeout)
		defer cancel()
		if err := d.engine.RefreshBed(ctx, bed); err != nil {
			log.Printf("eightsleep: post-command bed refresh: %v", err)
		}
	}()
}

func (d *Dispatcher) scheduleAlarmRefresh(side *Side) {
	if d.engine == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), targetedRefreshTimeout)
		defer cancel()
		if err := d.engine.RefreshAlarms(ctx, side); err != nil {
			log.Printf("eightsleep: post-command alarm refresh: %v", err)
		}
	}()
}
