package eightsleep

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

type requestLog struct {
	mu      sync.Mutex
	methods []string
	bodies  []string
}

func (l *requestLog) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, r.Method+" "+r.URL.Path)
	l.bodies = append(l.bodies, string(body))
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.methods)
}

// newCommandRig builds a dispatcher with no refresh engine, so commands
// only talk to the fake server through the recorded handler.
func newCommandRig(t *testing.T, handler http.HandlerFunc) (*Dispatcher, *Side, *Side, *requestLog) {
	t.Helper()
	transcript := &requestLog{}
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transcript.record(r)
		if handler != nil {
			handler(w, r)
		}
	}))

	account, left, right := testAccount()
	dispatcher := NewDispatcher(client, account, nil)
	return dispatcher, left, right, transcript
}

func TestCommandValidationRejectsWithoutNetwork(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, nil)
	ctx := context.Background()

	calls := []struct {
		name string
		run  func() error
	}{
		{"heat target too high", func() error {
			return dispatcher.HeatSet(ctx, left, 101, StageCurrent, 0)
		}},
		{"heat target too low", func() error {
			return dispatcher.HeatSet(ctx, left, -101, StageCurrent, 0)
		}},
		{"negative duration", func() error {
			return dispatcher.HeatSet(ctx, left, 10, StageCurrent, -1)
		}},
		{"duration too long", func() error {
			return dispatcher.HeatSet(ctx, left, 10, StageCurrent, MaxHeatDurationSeconds+1)
		}},
		{"unknown sleep stage", func() error {
			return dispatcher.HeatSet(ctx, left, 10, SleepStage("nap"), 0)
		}},
		{"increment out of range", func() error {
			_, err := dispatcher.HeatIncrement(ctx, left, 101)
			return err
		}},
		{"snooze zero minutes", func() error {
			return dispatcher.AlarmSnooze(ctx, left, "a1", 0)
		}},
		{"snooze past a day", func() error {
			return dispatcher.AlarmSnooze(ctx, left, "a1", MaxSnoozeMinutes+1)
		}},
		{"unknown vibration power", func() error {
			alarm := DefaultOneOffAlarm("07:00:00")
			alarm.VibrationPower = 30
			return dispatcher.SetOneOffAlarm(ctx, left, alarm)
		}},
		{"unknown vibration pattern", func() error {
			alarm := DefaultOneOffAlarm("07:00:00")
			alarm.Pattern = VibrationPattern("WAVE")
			return dispatcher.SetOneOffAlarm(ctx, left, alarm)
		}},
		{"thermal level out of range", func() error {
			alarm := DefaultOneOffAlarm("07:00:00")
			alarm.ThermalLevel = 101
			return dispatcher.SetOneOffAlarm(ctx, left, alarm)
		}},
		{"base angle out of range", func() error {
			return dispatcher.SetBaseAngle(ctx, left, 90, 0)
		}},
		{"unknown base preset", func() error {
			return dispatcher.SetBasePreset(ctx, left, BasePreset("flat"))
		}},
		{"away is not a bed side", func() error {
			return dispatcher.SetBedSide(ctx, left, SidePosition("away"))
		}},
	}

	for _, call := range calls {
		err := call.run()
		var rangeError InvalidRangeError
		if !errors.As(err, &rangeError) {
			t.Fatalf("%s: got %v, want InvalidRangeError", call.name, err)
		}
	}
	if transcript.count() != 0 {
		t.Fatalf("rejected commands hit the network %d times", transcript.count())
	}
}

func TestHeatSetCurrentStageOrdering(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/users/user-left/temperature" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := dispatcher.HeatSet(context.Background(), left, 35, StageCurrent, 3600); err != nil {
		t.Fatalf("heat set: %v", err)
	}

	if len(transcript.bodies) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(transcript.bodies))
	}
	wants := []string{`"type":"smart"`, `"currentLevel":35`, `"durationSeconds":3600`}
	for i, want := range wants {
		if !strings.Contains(transcript.bodies[i], want) {
			t.Fatalf("write %d = %s, want it to carry %s", i, transcript.bodies[i], want)
		}
	}
}

func TestHeatSetSmartStagePreservesOtherLevels(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"currentLevel":10,
				"smart":{"bedTimeLevel":20,"initialSleepLevel":10,"finalSleepLevel":-10}}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := dispatcher.HeatSet(context.Background(), left, 40, StageBedtime, 0); err != nil {
		t.Fatalf("heat set: %v", err)
	}

	if len(transcript.bodies) != 2 {
		t.Fatalf("expected fetch then write, got %d requests", len(transcript.bodies))
	}
	var payload struct {
		Smart SmartLevels `json:"smart"`
	}
	if err := json.Unmarshal([]byte(transcript.bodies[1]), &payload); err != nil {
		t.Fatalf("decode smart write: %v", err)
	}
	if payload.Smart.Bedtime != 40 {
		t.Fatalf("bedtime level = %d, want 40", payload.Smart.Bedtime)
	}
	if payload.Smart.InitialSleep != 10 || payload.Smart.FinalSleep != -10 {
		t.Fatalf("untouched stages rewritten: %+v", payload.Smart)
	}
}

func TestHeatIncrementRefetchesAndClamps(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"currentLevel":80}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	level, err := dispatcher.HeatIncrement(context.Background(), left, 50)
	if err != nil {
		t.Fatalf("heat increment: %v", err)
	}
	if level != MaxHeatLevel {
		t.Fatalf("level = %d, want clamp to %d", level, MaxHeatLevel)
	}
	if len(transcript.bodies) != 2 {
		t.Fatalf("expected fetch then write, got %d requests", len(transcript.bodies))
	}
	if !strings.Contains(transcript.bodies[1], `"currentLevel":100`) {
		t.Fatalf("write = %s, want clamped level 100", transcript.bodies[1])
	}
}

func TestCloudRejectionMapsToInvalidState(t *testing.T) {
	dispatcher, left, _, _ := newCommandRig(t, func(w http.ResponseWriter, _ *http.Request) {
		// The cloud answers 400 when the side is away.
		http.Error(w, `{"error":"user is away"}`, http.StatusBadRequest)
	})

	err := dispatcher.SideOn(context.Background(), left)
	var stateErr InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("got %v, want InvalidStateError", err)
	}
}

func TestCloudNotFoundMapsToErrNotFound(t *testing.T) {
	dispatcher, left, _, _ := newCommandRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := dispatcher.PrimePod(context.Background(), left)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAlarmCommandsCheckStatusLocally(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	seed := Update{Routines: []RoutinesSnapshot{{
		UserID: "user-left",
		Routines: []Routine{{
			ID:   "r1",
			Name: "Weekdays",
			Alarms: []Alarm{
				{ID: "a-upcoming", Enabled: true, Status: AlarmUpcoming},
				{ID: "a-active", Enabled: true, Status: AlarmActive},
			},
		}},
	}}}
	if err := dispatcher.account.Apply(seed); err != nil {
		t.Fatalf("seed alarms: %v", err)
	}

	ctx := context.Background()

	var stateErr InvalidStateError
	if err := dispatcher.AlarmSnooze(ctx, left, "a-upcoming", 10); !errors.As(err, &stateErr) {
		t.Fatalf("snoozing an upcoming alarm: got %v, want InvalidStateError", err)
	}
	if err := dispatcher.AlarmDismiss(ctx, left, "a-active"); !errors.As(err, &stateErr) {
		t.Fatalf("dismissing an active alarm: got %v, want InvalidStateError", err)
	}
	if err := dispatcher.AlarmStop(ctx, left, "a-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stopping an unknown alarm: got %v, want ErrNotFound", err)
	}
	if transcript.count() != 0 {
		t.Fatalf("locally rejected alarm commands hit the network %d times", transcript.count())
	}

	if err := dispatcher.AlarmSnooze(ctx, left, "a-active", 10); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if !strings.Contains(transcript.bodies[0], `"snoozeForMinutes":10`) {
		t.Fatalf("snooze write = %s", transcript.bodies[0])
	}
	if err := dispatcher.AlarmDismiss(ctx, left, "a-upcoming"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if !strings.Contains(transcript.bodies[1], `"dismissed":true`) {
		t.Fatalf("dismiss write = %s", transcript.bodies[1])
	}
}

func TestOneOffAlarmResendIsIdentical(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	// One-offs are keyed by side and time, so resending the same
	// parameters must produce the same write and leave the same state.
	alarm := DefaultOneOffAlarm("07:30:00")
	if err := dispatcher.SetOneOffAlarm(ctx, left, alarm); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := dispatcher.SetOneOffAlarm(ctx, left, alarm); err != nil {
		t.Fatalf("second set: %v", err)
	}

	if len(transcript.bodies) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(transcript.bodies))
	}
	if transcript.methods[0] != "PUT /v2/users/user-left/routines" {
		t.Fatalf("write = %s, want PUT /v2/users/user-left/routines", transcript.methods[0])
	}
	if transcript.methods[0] != transcript.methods[1] {
		t.Fatalf("resend went elsewhere: %s vs %s", transcript.methods[0], transcript.methods[1])
	}
	if transcript.bodies[0] != transcript.bodies[1] {
		t.Fatalf("resend payload differs:\n%s\n%s", transcript.bodies[0], transcript.bodies[1])
	}
	if !strings.Contains(transcript.bodies[0], `"time":"07:30:00"`) {
		t.Fatalf("write = %s, want the alarm time", transcript.bodies[0])
	}
}

func TestRoutineEditsStartFromFreshSnapshot(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"settings":{"routines":[
				{"id":"r1","name":"Weekdays","days":["monday"],
					"bedtime":{"time":"22:30:00","dayOffset":"MinusOne"},
					"alarms":[{"alarmId":"a1","enabled":true,"timeWithOffset":{"time":"07:00:00"}}]}]}}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	if err := dispatcher.SetRoutineBedtime(ctx, left, "r-stale", "23:00:00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale routine id: got %v, want ErrNotFound", err)
	}
	if err := dispatcher.SetRoutineAlarm(ctx, left, "r1", "a-stale", "06:30:00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale alarm id: got %v, want ErrNotFound", err)
	}

	if err := dispatcher.SetRoutineAlarm(ctx, left, "r1", "a1", "06:30:00"); err != nil {
		t.Fatalf("set routine alarm: %v", err)
	}
	write := transcript.bodies[len(transcript.bodies)-1]
	if !strings.Contains(write, `"time":"06:30:00"`) {
		t.Fatalf("routine write = %s, want new alarm time", write)
	}
	if method := transcript.methods[len(transcript.methods)-1]; method != "PUT /v2/users/user-left/routines/r1" {
		t.Fatalf("routine write went to %s", method)
	}
}

func TestAwayModeUpdatesLocalFlag(t *testing.T) {
	dispatcher, left, _, transcript := newCommandRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	if err := dispatcher.AwayModeStart(ctx, left); err != nil {
		t.Fatalf("away start: %v", err)
	}
	if !left.Away() {
		t.Fatalf("side not flagged away after away start")
	}
	if !strings.Contains(transcript.bodies[0], `"start"`) {
		t.Fatalf("away write = %s", transcript.bodies[0])
	}

	if err := dispatcher.AwayModeStop(ctx, left); err != nil {
		t.Fatalf("away stop: %v", err)
	}
	if left.Away() {
		t.Fatalf("side still flagged away after away stop")
	}
}
