package eightsleep

import (
	"errors"
	"sync"
	"time"
)

// presenceWindow is how recent the last heart-rate sample must be for a side
// to count as occupied. Trends update roughly every five minutes, so ten
// minutes tolerates one missed cycle.
const presenceWindow = 10 * time.Minute

// levelHistorySize matches the rolling device-reading window kept upstream.
const levelHistorySize = 10

// Account is the root of the state model: one login owning one or more beds.
// Objects are constructed once at setup and refreshed in place, so callers
// may hold *Bed and *Side references for the process lifetime.
type Account struct {
	UserID string

	mu      sync.RWMutex
	beds    map[string]*Bed
	sides   map[string]*Side
	isPod   bool
	hasBase bool
}

func NewAccount(userID string) *Account {
	return &Account{
		UserID: userID,
		beds:   make(map[string]*Bed),
		sides:  make(map[string]*Side),
	}
}

// EnsureBed returns the bed with the given device id, creating it if needed.
func (a *Account) EnsureBed(deviceID string) *Bed {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bed, ok := a.beds[deviceID]; ok {
		return bed
	}
	bed := &Bed{account: a, id: deviceID}
	bed.left = &Side{bed: bed, position: SideLeft}
	bed.right = &Side{bed: bed, position: SideRight}
	a.beds[deviceID] = bed
	return bed
}

func (a *Account) Bed(deviceID string) (*Bed, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bed, ok := a.beds[deviceID]
	return bed, ok
}

func (a *Account) Beds() []*Bed {
	a.mu.RLock()
	defer a.mu.RUnlock()
	beds := make([]*Bed, 0, len(a.beds))
	for _, bed := range a.beds {
		beds = append(beds, bed)
	}
	return beds
}

// Side returns the side mapped to the given user id.
func (a *Account) Side(userID string) (*Side, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	side, ok := a.sides[userID]
	return side, ok
}

func (a *Account) Sides() []*Side {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sides := make([]*Side, 0, len(a.sides))
	for _, side := range a.sides {
		sides = append(sides, side)
	}
	return sides
}

// SetFeatures records device capabilities from discovery.
func (a *Account) SetFeatures(isPod, hasBase bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isPod = isPod
	a.hasBase = hasBase
}

func (a *Account) IsPod() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isPod
}

func (a *Account) HasBase() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hasBase
}

// bindSide maps a user id onto a physical side of a bed, preserving the Side
// instance if the user was already bound.
func (a *Account) bindSide(bed *Bed, position SidePosition, userID string) *Side {
	side := bed.side(position)
	bed.mu.Lock()
	previous := side.userID
	side.userID = userID
	bed.mu.Unlock()

	a.mu.Lock()
	if previous != "" && previous != userID {
		delete(a.sides, previous)
	}
	if userID != "" {
		a.sides[userID] = side
	}
	a.mu.Unlock()
	return side
}

// Apply merges a partial snapshot into the model. Only present (non-nil)
// fields are written, and object identity is preserved so observers holding
// a *Side see fresh data without re-subscribing. Sections whose identifying
// fields are absent or inconsistent are skipped and reported as
// MalformedResponseError; valid sections are still applied.
func (a *Account) Apply(u Update) error {
	var errs []error

	if u.Device != nil {
		if err := a.applyDevice(u.Device); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range u.Temperature {
		if err := a.applyTemperature(&u.Temperature[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range u.Trends {
		if err := a.applyTrends(&u.Trends[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range u.Routines {
		if err := a.applyRoutines(&u.Routines[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if u.Base != nil {
		if err := a.applyBase(u.Base); err != nil {
			errs = append(errs, err)
		}
	}
	for userID, away := range u.Away {
		side, ok := a.Side(userID)
		if !ok {
			errs = append(errs, MalformedResponseError{Entity: "away", Reason: "unknown user id " + userID})
			continue
		}
		side.bed.mu.Lock()
		side.away = away
		side.bed.mu.Unlock()
	}

	return errors.Join(errs...)
}

func (a *Account) applyDevice(snap *DeviceSnapshot) error {
	if snap.DeviceID == "" {
		return MalformedResponseError{Entity: "device", Reason: "missing device id"}
	}
	bed, ok := a.Bed(snap.DeviceID)
	if !ok {
		return MalformedResponseError{Entity: "device", Reason: "unknown device id " + snap.DeviceID}
	}

	bed.mu.Lock()
	if snap.HasWater != nil {
		bed.hasWater = *snap.HasWater
	}
	if snap.Priming != nil {
		bed.priming = *snap.Priming
	}
	if snap.NeedsPriming != nil {
		bed.needsPriming = *snap.NeedsPriming
	}
	if snap.LastPrime != nil {
		bed.lastPrime = *snap.LastPrime
	}
	if snap.SensorLabel != nil {
		bed.sensorLabel = *snap.SensorLabel
	}
	bed.mu.Unlock()

	if snap.Left != nil {
		a.applySideDevice(bed, SideLeft, snap.Left)
	}
	if snap.Right != nil {
		a.applySideDevice(bed, SideRight, snap.Right)
	}

	if snap.AwayUserIDs != nil {
		away := make(map[string]bool, len(snap.AwayUserIDs))
		for _, userID := range snap.AwayUserIDs {
			away[userID] = true
		}
		bed.mu.Lock()
		for _, side := range []*Side{bed.left, bed.right} {
			if side.userID != "" {
				side.away = away[side.userID]
			}
		}
		bed.mu.Unlock()
	}
	return nil
}

func (a *Account) applySideDevice(bed *Bed, position SidePosition, snap *SideDeviceSnapshot) {
	side := bed.side(position)
	if snap.UserID != nil && *snap.UserID != side.UserID() {
		side = a.bindSide(bed, position, *snap.UserID)
	}

	bed.mu.Lock()
	defer bed.mu.Unlock()
	if snap.HeatingLevel != nil {
		side.heatingLevel = intPtr(*snap.HeatingLevel)
		side.pushHistory(*snap.HeatingLevel)
	}
	if snap.TargetLevel != nil {
		side.targetLevel = intPtr(*snap.TargetLevel)
	}
	if snap.NowHeating != nil {
		side.nowHeating = boolPtr(*snap.NowHeating)
	}
	if snap.DurationSeconds != nil {
		side.durationSeconds = intPtr(*snap.DurationSeconds)
	}
	if snap.PresenceEnd != nil {
		side.devicePresenceEnd = timePtr(*snap.PresenceEnd)
	}
}

func (a *Account) applyTemperature(snap *TemperatureSnapshot) error {
	side, err := a.sideFor("temperature", snap.UserID)
	if err != nil {
		return err
	}
	side.bed.mu.Lock()
	defer side.bed.mu.Unlock()
	if snap.CurrentLevel != nil {
		side.heatingLevel = intPtr(*snap.CurrentLevel)
	}
	if snap.DeviceLevel != nil {
		side.deviceLevel = intPtr(*snap.DeviceLevel)
	}
	if snap.StateType != nil {
		side.stateType = *snap.StateType
	}
	if snap.Smart != nil {
		smart := *snap.Smart
		side.smart = &smart
	}
	return nil
}

func (a *Account) applyTrends(snap *TrendsSnapshot) error {
	side, err := a.sideFor("trends", snap.UserID)
	if err != nil {
		return err
	}
	side.bed.mu.Lock()
	defer side.bed.mu.Unlock()
	mergeFloat(&side.breathRate, snap.BreathRate)
	mergeFloat(&side.heartRate, snap.HeartRate)
	mergeFloat(&side.hrv, snap.HRV)
	mergeTime(&side.presenceStart, snap.PresenceStart)
	mergeTime(&side.presenceEnd, snap.PresenceEnd)
	mergeTime(&side.lastHeartRateTime, snap.LastHeartRateTime)
	if snap.SleepStage != nil {
		stage := *snap.SleepStage
		side.sleepStage = &stage
	}
	mergeInt(&side.timeSleptSeconds, snap.TimeSleptSeconds)
	mergeInt(&side.tossAndTurns, snap.TossAndTurns)
	mergeInt(&side.fitnessScore, snap.FitnessScore)
	mergeInt(&side.qualityScore, snap.QualityScore)
	mergeInt(&side.routineScore, snap.RoutineScore)
	mergeFloat(&side.roomTempC, snap.RoomTempC)
	mergeFloat(&side.bedTempC, snap.BedTempC)
	if snap.Processing != nil {
		processing := *snap.Processing
		side.processing = &processing
	}
	if snap.Breakdown != nil {
		breakdown := *snap.Breakdown
		side.breakdown = &breakdown
	}
	return nil
}

func (a *Account) applyRoutines(snap *RoutinesSnapshot) error {
	side, err := a.sideFor("routines", snap.UserID)
	if err != nil {
		return err
	}
	side.bed.mu.Lock()
	defer side.bed.mu.Unlock()
	// Wholesale replacement: stale entries drop out, the cloud owns schedule
	// truth and the model holds no authoritative alarm state.
	side.routines = append([]Routine(nil), snap.Routines...)
	side.oneOff = append([]Alarm(nil), snap.OneOff...)
	if snap.NextAlarmID != nil {
		id := *snap.NextAlarmID
		side.nextAlarmID = &id
	} else {
		side.nextAlarmID = nil
	}
	if snap.NextAlarm != nil {
		at := *snap.NextAlarm
		side.nextAlarm = &at
	} else {
		side.nextAlarm = nil
	}
	return nil
}

func (a *Account) applyBase(snap *BaseSnapshot) error {
	if snap.DeviceID == "" {
		return MalformedResponseError{Entity: "base", Reason: "missing device id"}
	}
	bed, ok := a.Bed(snap.DeviceID)
	if !ok {
		return MalformedResponseError{Entity: "base", Reason: "unknown device id " + snap.DeviceID}
	}
	bed.mu.Lock()
	defer bed.mu.Unlock()
	if bed.base == nil {
		bed.base = &Base{}
	}
	if snap.SnoreMitigation != nil {
		bed.base.SnoreMitigation = *snap.SnoreMitigation
	}
	if snap.FeetAngle != nil {
		bed.base.FeetAngle = *snap.FeetAngle
	}
	if snap.HeadAngle != nil {
		bed.base.HeadAngle = *snap.HeadAngle
	}
	if snap.Preset != nil {
		bed.base.Preset = *snap.Preset
	}
	return nil
}

func (a *Account) sideFor(entity, userID string) (*Side, error) {
	if userID == "" {
		return nil, MalformedResponseError{Entity: entity, Reason: "missing user id"}
	}
	side, ok := a.Side(userID)
	if !ok {
		return nil, MalformedResponseError{Entity: entity, Reason: "unknown user id " + userID}
	}
	return side, nil
}

// Bed is one physical unit with two independently controlled sides.
type Bed struct {
	account *Account
	id      string

	mu sync.RWMutex

	// ops serializes command sequences and refreshes touching this bed so a
	// targeted refresh never interleaves with a scheduled one. Unrelated beds
	// stay independent.
	ops sync.Mutex

	hasWater     bool
	priming      bool
	needsPriming bool
	lastPrime    time.Time
	sensorLabel  string

	left, right *Side
	base        *Base
}

// Base is the adjustable frame under a bed.
type Base struct {
	SnoreMitigation bool
	FeetAngle       int
	HeadAngle       int
	Preset          BasePreset
}

// BedState is a consistent copy of a bed's fields.
type BedState struct {
	ID           string
	HasWater     bool
	Priming      bool
	NeedsPriming bool
	LastPrime    time.Time
	SensorLabel  string
	Base         *Base
}

func (b *Bed) ID() string { return b.id }

func (b *Bed) Left() *Side  { return b.left }
func (b *Bed) Right() *Side { return b.right }

// side resolves a position to a Side; solo maps onto left, matching how the
// cloud keys device fields for solo sleepers.
func (b *Bed) side(position SidePosition) *Side {
	if position == SideRight {
		return b.right
	}
	return b.left
}

func (b *Bed) State() BedState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state := BedState{
		ID:           b.id,
		HasWater:     b.hasWater,
		Priming:      b.priming,
		NeedsPriming: b.needsPriming,
		LastPrime:    b.lastPrime,
		SensorLabel:  b.sensorLabel,
	}
	if b.base != nil {
		base := *b.base
		state.Base = &base
	}
	return state
}

// RoomTemperatureC averages the room readings of both sides, or returns the
// one that is known.
func (b *Bed) RoomTemperatureC() *float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	left, right := b.left.roomTempC, b.right.roomTempC
	switch {
	case left != nil && right != nil:
		avg := (*left + *right) / 2
		return &avg
	case left != nil:
		value := *left
		return &value
	case right != nil:
		value := *right
		return &value
	}
	return nil
}

// Side is one half of a bed, optionally mapped to a user. All fields are
// guarded by the owning bed's lock; reads go through State() or the typed
// accessors for torn-read-free snapshots.
type Side struct {
	bed      *Bed
	position SidePosition
	userID   string

	heatingLevel      *int
	targetLevel       *int
	deviceLevel       *int
	nowHeating        *bool
	durationSeconds   *int
	devicePresenceEnd *time.Time
	levelHistory      []int

	stateType BedStateType
	smart     *SmartLevels
	away      bool

	breathRate        *float64
	heartRate         *float64
	hrv               *float64
	presenceStart     *time.Time
	presenceEnd       *time.Time
	lastHeartRateTime *time.Time
	sleepStage        *string
	timeSleptSeconds  *int
	tossAndTurns      *int
	fitnessScore      *int
	qualityScore      *int
	routineScore      *int
	roomTempC         *float64
	bedTempC          *float64
	processing        *bool
	breakdown         *SleepBreakdown

	routines    []Routine
	oneOff      []Alarm
	nextAlarmID *string
	nextAlarm   *time.Time
}

// SideState is a consistent deep copy of a side's fields.
type SideState struct {
	BedID    string
	Position SidePosition
	UserID   string

	HeatingLevel    *int
	TargetLevel     *int
	DeviceLevel     *int
	NowHeating      *bool
	DurationSeconds *int
	StateType       BedStateType
	Smart           *SmartLevels
	Away            bool
	Present         bool

	BreathRate       *float64
	HeartRate        *float64
	HRV              *float64
	PresenceStart    *time.Time
	PresenceEnd      *time.Time
	SleepStage       *string
	TimeSleptSeconds *int
	TossAndTurns     *int
	FitnessScore     *int
	QualityScore     *int
	RoutineScore     *int
	RoomTempC        *float64
	BedTempC         *float64
	Processing       *bool
	Breakdown        *SleepBreakdown

	Routines     []Routine
	OneOffAlarms []Alarm
	NextAlarmID  *string
	NextAlarm    *time.Time
}

func (s *Side) Bed() *Bed              { return s.bed }
func (s *Side) Position() SidePosition { return s.position }

func (s *Side) UserID() string {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	return s.userID
}

// HeatingLevel returns the current level and whether it is known yet.
func (s *Side) HeatingLevel() (int, bool) {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	if s.heatingLevel == nil {
		return 0, false
	}
	return *s.heatingLevel, true
}

// PastHeatingLevel returns the n-th most recent level reading, 0 if unknown.
func (s *Side) PastHeatingLevel(n int) int {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	if n < 0 || n >= len(s.levelHistory) {
		return 0
	}
	return s.levelHistory[n]
}

// TargetLevelFor returns the configured target for a sleep stage.
func (s *Side) TargetLevelFor(stage SleepStage) (int, bool) {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	if stage == StageCurrent {
		if s.targetLevel == nil {
			return 0, false
		}
		return *s.targetLevel, true
	}
	if s.smart == nil {
		return 0, false
	}
	return s.smart.Level(stage), true
}

// NowHeating and NowCooling split the device's single thermal-active flag
// by the sign of the target level, matching how the vendor app labels it.
func (s *Side) NowHeating() bool {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	return s.thermalActive() && s.targetLevel != nil && *s.targetLevel > 0
}

func (s *Side) NowCooling() bool {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	return s.thermalActive() && s.targetLevel != nil && *s.targetLevel < 0
}

func (s *Side) thermalActive() bool {
	return s.nowHeating != nil && *s.nowHeating
}

func (s *Side) StateType() BedStateType {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	return s.stateType
}

func (s *Side) Away() bool {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	return s.away
}

// Present derives occupancy from heart-rate recency. It is a projection,
// never mutated directly, and best-effort per the upstream API's own caveats.
func (s *Side) Present() bool {
	return s.presentAt(time.Now())
}

func (s *Side) presentAt(now time.Time) bool {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	if s.lastHeartRateTime == nil {
		return false
	}
	return now.Sub(*s.lastHeartRateTime) < presenceWindow
}

// NextAlarm returns the id and time of the next scheduled alarm, if any.
func (s *Side) NextAlarm() (string, time.Time, bool) {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	if s.nextAlarmID == nil || s.nextAlarm == nil {
		return "", time.Time{}, false
	}
	return *s.nextAlarmID, *s.nextAlarm, true
}

// Alarm looks up an alarm by id across routines and one-offs.
func (s *Side) Alarm(id string) (Alarm, bool) {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	return s.findAlarm(id)
}

func (s *Side) findAlarm(id string) (Alarm, bool) {
	for _, routine := range s.routines {
		for _, alarm := range routine.Alarms {
			if alarm.ID == id {
				return alarm, true
			}
		}
	}
	for _, alarm := range s.oneOff {
		if alarm.ID == id {
			return alarm, true
		}
	}
	return Alarm{}, false
}

// Routine looks up a routine by id.
func (s *Side) Routine(id string) (Routine, bool) {
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	for _, routine := range s.routines {
		if routine.ID == id {
			return routine, true
		}
	}
	return Routine{}, false
}

// State returns a consistent copy of every side attribute.
func (s *Side) State() SideState {
	now := time.Now()
	s.bed.mu.RLock()
	defer s.bed.mu.RUnlock()
	state := SideState{
		BedID:            s.bed.id,
		Position:         s.position,
		UserID:           s.userID,
		HeatingLevel:     copyInt(s.heatingLevel),
		TargetLevel:      copyInt(s.targetLevel),
		DeviceLevel:      copyInt(s.deviceLevel),
		NowHeating:       copyBool(s.nowHeating),
		DurationSeconds:  copyInt(s.durationSeconds),
		StateType:        s.stateType,
		Away:             s.away,
		BreathRate:       copyFloat(s.breathRate),
		HeartRate:        copyFloat(s.heartRate),
		HRV:              copyFloat(s.hrv),
		PresenceStart:    copyTime(s.presenceStart),
		PresenceEnd:      copyTime(s.presenceEnd),
		SleepStage:       copyString(s.sleepStage),
		TimeSleptSeconds: copyInt(s.timeSleptSeconds),
		TossAndTurns:     copyInt(s.tossAndTurns),
		FitnessScore:     copyInt(s.fitnessScore),
		QualityScore:     copyInt(s.qualityScore),
		RoutineScore:     copyInt(s.routineScore),
		RoomTempC:        copyFloat(s.roomTempC),
		BedTempC:         copyFloat(s.bedTempC),
		Processing:       copyBool(s.processing),
		Breakdown:        copyBreakdown(s.breakdown),
		Routines:         append([]Routine(nil), s.routines...),
		OneOffAlarms:     append([]Alarm(nil), s.oneOff...),
		NextAlarmID:      copyString(s.nextAlarmID),
		NextAlarm:        copyTime(s.nextAlarm),
	}
	if s.lastHeartRateTime != nil {
		state.Present = now.Sub(*s.lastHeartRateTime) < presenceWindow
	}
	if s.smart != nil {
		smart := *s.smart
		state.Smart = &smart
	}
	return state
}

func (s *Side) pushHistory(level int) {
	s.levelHistory = append([]int{level}, s.levelHistory...)
	if len(s.levelHistory) > levelHistorySize {
		s.levelHistory = s.levelHistory[:levelHistorySize]
	}
}

func mergeInt(dst **int, src *int) {
	if src != nil {
		value := *src
		*dst = &value
	}
}

func mergeFloat(dst **float64, src *float64) {
	if src != nil {
		value := *src
		*dst = &value
	}
}

func mergeTime(dst **time.Time, src *time.Time) {
	if src != nil {
		value := *src
		*dst = &value
	}
}

func intPtr(v int) *int              { return &v }
func boolPtr(v bool) *bool           { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

func copyBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

func copyBreakdown(p *SleepBreakdown) *SleepBreakdown {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}
