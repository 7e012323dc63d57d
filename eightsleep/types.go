package eightsleep

import "time"

// SidePosition is the physical half of the bed a user is assigned to.
type SidePosition string

const (
	SideLeft  SidePosition = "left"
	SideRight SidePosition = "right"
	SideSolo  SidePosition = "solo"
)

// ValidSidePosition reports whether s is an accepted bed-side assignment.
func ValidSidePosition(s SidePosition) bool {
	switch s {
	case SideLeft, SideRight, SideSolo:
		return true
	}
	return false
}

// SleepStage selects which target level a heat command addresses.
type SleepStage string

const (
	StageCurrent SleepStage = "current"
	StageBedtime SleepStage = "bedTimeLevel"
	StageInitial SleepStage = "initialSleepLevel"
	StageFinal   SleepStage = "finalSleepLevel"
)

// ValidSleepStage reports whether s is an accepted sleep stage.
func ValidSleepStage(s SleepStage) bool {
	switch s {
	case StageCurrent, StageBedtime, StageInitial, StageFinal:
		return true
	}
	return false
}

// BedStateType is the operating mode of a side's thermal system.
type BedStateType string

const (
	BedStateOff          BedStateType = "off"
	BedStateSmartBedtime BedStateType = "smart:bedtime"
	BedStateSmartInitial BedStateType = "smart:initial"
	BedStateSmartFinal   BedStateType = "smart:final"
)

// VibrationPattern is the alarm vibration pattern.
type VibrationPattern string

const (
	PatternRise    VibrationPattern = "RISE"
	PatternIntense VibrationPattern = "intense"
)

// ValidVibrationPattern reports whether p is a known vibration pattern.
func ValidVibrationPattern(p VibrationPattern) bool {
	return p == PatternRise || p == PatternIntense
}

// AlarmStatus is the sub-state of an alarm within its routine.
type AlarmStatus string

const (
	AlarmUpcoming AlarmStatus = "upcoming"
	AlarmActive   AlarmStatus = "active"
	AlarmSnoozed  AlarmStatus = "snoozed"
	AlarmStopped  AlarmStatus = "stopped"
)

// BasePreset is a named base position.
type BasePreset string

const (
	PresetSleep    BasePreset = "sleep"
	PresetRelaxing BasePreset = "relaxing"
	PresetReading  BasePreset = "reading"
)

// ValidBasePreset reports whether p is a known base preset.
func ValidBasePreset(p BasePreset) bool {
	switch p {
	case PresetSleep, PresetRelaxing, PresetReading:
		return true
	}
	return false
}

const (
	// MinHeatLevel and MaxHeatLevel bound every heating and thermal level.
	MinHeatLevel = -100
	MaxHeatLevel = 100

	// MaxHeatDurationSeconds is the longest auto-off window the API accepts.
	MaxHeatDurationSeconds = 28800

	// MaxSnoozeMinutes bounds alarm snoozing to 24 hours.
	MaxSnoozeMinutes = 1440

	// MinBaseAngle and MaxBaseAngle bound adjustable-base positions, in
	// degrees.
	MinBaseAngle = 0
	MaxBaseAngle = 45
)

var vibrationPowerLevels = map[int]bool{20: true, 50: true, 100: true}

// ValidVibrationPower reports whether level is one of the accepted power steps.
func ValidVibrationPower(level int) bool {
	return vibrationPowerLevels[level]
}

// SideDeviceSnapshot carries the per-side portion of a device fetch.
// Pointer fields distinguish "absent from payload" from a real zero value;
// Apply only merges non-nil fields.
type SideDeviceSnapshot struct {
	UserID          *string
	HeatingLevel    *int
	TargetLevel     *int
	NowHeating      *bool
	DurationSeconds *int
	PresenceEnd     *time.Time
}

// DeviceSnapshot is the bed-level portion of a device fetch.
type DeviceSnapshot struct {
	DeviceID     string
	HasWater     *bool
	Priming      *bool
	NeedsPriming *bool
	LastPrime    *time.Time
	SensorLabel  *string
	Left         *SideDeviceSnapshot
	Right        *SideDeviceSnapshot

	// AwayUserIDs lists the users currently marked away. The cloud omits the
	// block entirely when nobody is away, so an empty list clears the flag
	// on both sides.
	AwayUserIDs []string
}

// TemperatureSnapshot is the per-user temperature fetch: active level,
// operating mode, and the smart-schedule targets.
type TemperatureSnapshot struct {
	UserID       string
	CurrentLevel *int
	DeviceLevel  *int
	StateType    *BedStateType
	Smart        *SmartLevels
}

// SmartLevels holds the three smart-schedule targets.
type SmartLevels struct {
	Bedtime      int `json:"bedTimeLevel"`
	InitialSleep int `json:"initialSleepLevel"`
	FinalSleep   int `json:"finalSleepLevel"`
}

// Level returns the target for the given smart stage.
func (s SmartLevels) Level(stage SleepStage) int {
	switch stage {
	case StageBedtime:
		return s.Bedtime
	case StageInitial:
		return s.InitialSleep
	default:
		return s.FinalSleep
	}
}

func (s *SmartLevels) setLevel(stage SleepStage, level int) {
	switch stage {
	case StageBedtime:
		s.Bedtime = level
	case StageInitial:
		s.InitialSleep = level
	case StageFinal:
		s.FinalSleep = level
	}
}

// TrendsSnapshot is the biometric and sleep-session portion of a user fetch.
type TrendsSnapshot struct {
	UserID            string
	BreathRate        *float64
	HeartRate         *float64
	HRV               *float64
	PresenceStart     *time.Time
	PresenceEnd       *time.Time
	LastHeartRateTime *time.Time
	SleepStage        *string
	TimeSleptSeconds  *int
	TossAndTurns      *int
	FitnessScore      *int
	QualityScore      *int
	RoutineScore      *int
	RoomTempC         *float64
	BedTempC          *float64
	Processing        *bool
	Breakdown         *SleepBreakdown
}

// SleepBreakdown is the per-stage duration split of a session, in seconds.
type SleepBreakdown struct {
	Light int `json:"light"`
	Deep  int `json:"deep"`
	REM   int `json:"rem"`
	Awake int `json:"awake"`
}

// Alarm is one scheduled wake-up within a routine, or a one-off.
type Alarm struct {
	ID             string
	Time           string
	Enabled        bool
	Status         AlarmStatus
	OneOff         bool
	VibrationOn    bool
	VibrationPower int
	Pattern        VibrationPattern
	ThermalOn      bool
	ThermalLevel   int
	SnoozedUntil   *time.Time
	DismissedUntil *time.Time
}

// Routine is a named, day-scheduled group of alarms.
type Routine struct {
	ID      string
	Name    string
	Days    []string
	Bedtime string
	Alarms  []Alarm
}

// RoutinesSnapshot replaces a side's alarm/routine set wholesale; the cloud
// is the sole source of truth for scheduling.
type RoutinesSnapshot struct {
	UserID      string
	Routines    []Routine
	OneOff      []Alarm
	NextAlarmID *string
	NextAlarm   *time.Time
}

// BaseSnapshot is the adjustable-base portion of a bed fetch.
type BaseSnapshot struct {
	DeviceID        string
	SnoreMitigation *bool
	FeetAngle       *int
	HeadAngle       *int
	Preset          *BasePreset
}

// Update is a partial snapshot merged into the state model by Apply. Nil
// sections are left untouched.
type Update struct {
	Device      *DeviceSnapshot
	Temperature []TemperatureSnapshot
	Trends      []TrendsSnapshot
	Routines    []RoutinesSnapshot
	Base        *BaseSnapshot
	Away        map[string]bool
}
