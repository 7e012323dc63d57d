package eightsleep

import (
	"encoding/json"
	"fmt"
	"time"
)

// samplePoint is one [timestamp, value] pair from a trends timeseries.
type samplePoint struct {
	Time  time.Time
	Value float64
}

func (p *samplePoint) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("timeseries point needs 2 elements, got %d", len(raw))
	}
	var stamp string
	if err := json.Unmarshal(raw[0], &stamp); err != nil {
		return err
	}
	ts := parseTime(stamp)
	if ts == nil {
		return fmt.Errorf("unparseable timeseries timestamp %q", stamp)
	}
	p.Time = *ts
	return json.Unmarshal(raw[1], &p.Value)
}

type scoreMetric struct {
	Current *float64 `json:"current"`
	Average *float64 `json:"average"`
}

type trendsResponse struct {
	Days []struct {
		Day              string `json:"day"`
		Score            *int   `json:"score"`
		PresenceStart    string `json:"presenceStart"`
		PresenceEnd      string `json:"presenceEnd"`
		TNT              *int   `json:"tnt"`
		SleepDuration    *int   `json:"sleepDuration"`
		PresenceDuration *int   `json:"presenceDuration"`
		LightDuration    *int   `json:"lightDuration"`
		DeepDuration     *int   `json:"deepDuration"`
		RemDuration      *int   `json:"remDuration"`
		Processing       *bool  `json:"processing"`

		SleepQualityScore *struct {
			Total           *int         `json:"total"`
			HRV             *scoreMetric `json:"hrv"`
			RespiratoryRate *scoreMetric `json:"respiratoryRate"`
		} `json:"sleepQualityScore"`
		SleepRoutineScore *struct {
			Total *int `json:"total"`
		} `json:"sleepRoutineScore"`

		Sessions []struct {
			Timeseries map[string][]samplePoint `json:"timeseries"`
			Stages     []struct {
				Stage string `json:"stage"`
			} `json:"stages"`
		} `json:"sessions"`
	} `json:"days"`
}

// snapshot maps the latest trend day onto the model's snapshot type. Missing
// pieces stay nil; a day with no sessions still yields the daily scores.
func (r *trendsResponse) snapshot(userID string) TrendsSnapshot {
	snap := TrendsSnapshot{UserID: userID}
	if len(r.Days) == 0 {
		return snap
	}
	day := r.Days[len(r.Days)-1]

	snap.FitnessScore = day.Score
	snap.TossAndTurns = day.TNT
	snap.TimeSleptSeconds = day.SleepDuration
	snap.Processing = day.Processing
	snap.PresenceStart = parseTime(day.PresenceStart)
	snap.PresenceEnd = parseTime(day.PresenceEnd)

	if day.SleepQualityScore != nil {
		snap.QualityScore = day.SleepQualityScore.Total
		if day.SleepQualityScore.HRV != nil {
			snap.HRV = day.SleepQualityScore.HRV.Current
		}
		if day.SleepQualityScore.RespiratoryRate != nil {
			snap.BreathRate = day.SleepQualityScore.RespiratoryRate.Current
		}
	}
	if day.SleepRoutineScore != nil {
		snap.RoutineScore = day.SleepRoutineScore.Total
	}

	if day.SleepDuration != nil && day.PresenceDuration != nil {
		breakdown := SleepBreakdown{
			Awake: *day.PresenceDuration - *day.SleepDuration,
		}
		if day.LightDuration != nil {
			breakdown.Light = *day.LightDuration
		}
		if day.DeepDuration != nil {
			breakdown.Deep = *day.DeepDuration
		}
		if day.RemDuration != nil {
			breakdown.REM = *day.RemDuration
		}
		snap.Breakdown = &breakdown
	}

	if len(day.Sessions) == 0 {
		return snap
	}
	session := day.Sessions[len(day.Sessions)-1]

	if points := session.Timeseries["heartRate"]; len(points) > 0 {
		last := points[len(points)-1]
		snap.HeartRate = &last.Value
		at := last.Time
		snap.LastHeartRateTime = &at
	}
	if points := session.Timeseries["tempRoomC"]; len(points) > 0 {
		snap.RoomTempC = &points[len(points)-1].Value
	}
	if points := session.Timeseries["tempBedC"]; len(points) > 0 {
		snap.BedTempC = &points[len(points)-1].Value
	}

	// The API appends an awake stage while a session is still processing, so
	// the in-progress stage is the second to last entry.
	stages := session.Stages
	if len(stages) > 0 {
		index := len(stages) - 1
		if day.Processing != nil && *day.Processing && len(stages) >= 2 {
			index = len(stages) - 2
		}
		stage := stages[index].Stage
		snap.SleepStage = &stage
	}
	return snap
}

type wireAlarm struct {
	AlarmID              string `json:"alarmId"`
	Time                 string `json:"time,omitempty"`
	Enabled              bool   `json:"enabled"`
	DisabledIndividually bool   `json:"disabledIndividually"`
	Status               string `json:"status,omitempty"`
	SnoozeUntil          string `json:"snoozeUntil,omitempty"`
	DismissUntil         string `json:"dismissUntil,omitempty"`
	TimeWithOffset       *struct {
		Time string `json:"time"`
	} `json:"timeWithOffset,omitempty"`
	Settings struct {
		Vibration *struct {
			Enabled    bool   `json:"enabled"`
			PowerLevel int    `json:"powerLevel"`
			Pattern    string `json:"pattern"`
		} `json:"vibration,omitempty"`
		Thermal *struct {
			Enabled bool `json:"enabled"`
			Level   int  `json:"level"`
		} `json:"thermal,omitempty"`
	} `json:"settings"`
}

func (w *wireAlarm) alarm(oneOff bool, nextAlarmID string, nextActive bool) Alarm {
	alarm := Alarm{
		ID:      w.AlarmID,
		Enabled: w.Enabled && !w.DisabledIndividually,
		Status:  AlarmUpcoming,
		OneOff:  oneOff,
	}
	if w.TimeWithOffset != nil {
		alarm.Time = w.TimeWithOffset.Time
	} else {
		alarm.Time = w.Time
	}
	if w.Settings.Vibration != nil {
		alarm.VibrationOn = w.Settings.Vibration.Enabled
		alarm.VibrationPower = w.Settings.Vibration.PowerLevel
		alarm.Pattern = VibrationPattern(w.Settings.Vibration.Pattern)
	}
	if w.Settings.Thermal != nil {
		alarm.ThermalOn = w.Settings.Thermal.Enabled
		alarm.ThermalLevel = w.Settings.Thermal.Level
	}
	alarm.SnoozedUntil = parseTime(w.SnoozeUntil)
	alarm.DismissedUntil = parseTime(w.DismissUntil)

	switch {
	case w.Status != "":
		alarm.Status = AlarmStatus(w.Status)
	case nextActive && w.AlarmID == nextAlarmID:
		alarm.Status = AlarmActive
	case alarm.SnoozedUntil != nil && alarm.SnoozedUntil.After(time.Now()):
		alarm.Status = AlarmSnoozed
	}
	return alarm
}

type wireRoutine struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Days    []string `json:"days"`
	Bedtime *struct {
		Time      string `json:"time"`
		DayOffset string `json:"dayOffset"`
	} `json:"bedtime"`
	Alarms   []wireAlarm `json:"alarms"`
	Override *struct {
		RoutineEnabled bool        `json:"routineEnabled"`
		Alarms         []wireAlarm `json:"alarms"`
	} `json:"override"`
}

type routinesResponse struct {
	Settings struct {
		Routines     []wireRoutine `json:"routines"`
		OneOffAlarms []wireAlarm   `json:"oneOffAlarms"`
	} `json:"settings"`
	State struct {
		NextAlarm *struct {
			AlarmID       string `json:"alarmId"`
			NextTimestamp string `json:"nextTimestamp"`
			Active        bool   `json:"active"`
		} `json:"nextAlarm"`
		UpcomingRoutineID string `json:"upcomingRoutineId"`
	} `json:"state"`
}

func (r *routinesResponse) snapshot(userID string) (RoutinesSnapshot, error) {
	snap := RoutinesSnapshot{UserID: userID}

	nextAlarmID := ""
	nextActive := false
	if r.State.NextAlarm != nil {
		nextAlarmID = r.State.NextAlarm.AlarmID
		nextActive = r.State.NextAlarm.Active
		if nextAlarmID != "" {
			snap.NextAlarmID = &nextAlarmID
		}
		snap.NextAlarm = parseTime(r.State.NextAlarm.NextTimestamp)
	}

	for _, wire := range r.Settings.Routines {
		if wire.ID == "" {
			return RoutinesSnapshot{}, MalformedResponseError{Entity: "routine", Reason: "missing routine id"}
		}
		routine := Routine{
			ID:   wire.ID,
			Name: wire.Name,
			Days: append([]string(nil), wire.Days...),
		}
		if wire.Bedtime != nil {
			routine.Bedtime = wire.Bedtime.Time
		}
		// An override supersedes the scheduled alarms until the routine's
		// next occurrence.
		alarms := wire.Alarms
		if wire.Override != nil && len(wire.Override.Alarms) > 0 {
			alarms = wire.Override.Alarms
		}
		for i := range alarms {
			routine.Alarms = append(routine.Alarms, alarms[i].alarm(false, nextAlarmID, nextActive))
		}
		snap.Routines = append(snap.Routines, routine)
	}

	for i := range r.Settings.OneOffAlarms {
		snap.OneOff = append(snap.OneOff, r.Settings.OneOffAlarms[i].alarm(true, nextAlarmID, nextActive))
	}
	return snap, nil
}

// encodeRoutine produces the document shape the v2 routines endpoint expects
// when pushing a schedule change back.
func encodeRoutine(routine Routine) map[string]any {
	alarms := make([]map[string]any, 0, len(routine.Alarms))
	for _, alarm := range routine.Alarms {
		alarms = append(alarms, map[string]any{
			"alarmId":      alarm.ID,
			"enabled":      alarm.Enabled,
			"enabledSince": time.Now().UTC().Format("2006-01-02T15:04:05Z"),
			"timeWithOffset": map[string]any{
				"time": alarm.Time,
			},
			"settings": map[string]any{
				"vibration": map[string]any{
					"enabled":    alarm.VibrationOn,
					"powerLevel": alarm.VibrationPower,
					"pattern":    string(alarm.Pattern),
				},
				"thermal": map[string]any{
					"enabled": alarm.ThermalOn,
					"level":   alarm.ThermalLevel,
				},
			},
		})
	}

	doc := map[string]any{
		"id":     routine.ID,
		"name":   routine.Name,
		"days":   routine.Days,
		"alarms": alarms,
	}
	if routine.Bedtime != "" {
		// Bedtimes from noon onward belong to the previous calendar day.
		dayOffset := "Zero"
		if routine.Bedtime >= "12:00:00" {
			dayOffset = "MinusOne"
		}
		doc["bedtime"] = map[string]any{"time": routine.Bedtime, "dayOffset": dayOffset}
	}
	return doc
}
