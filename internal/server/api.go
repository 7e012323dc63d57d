package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/joshp123/eightsleep-golang/eightsleep"
)

// API is the JSON command surface. Every mutating route maps onto one
// dispatcher operation; reads serve consistent snapshots straight from
// the state model.
type API struct {
	Account    *eightsleep.Account
	Dispatcher *eightsleep.Dispatcher
	Engine     *eightsleep.Engine
}

// Routes registers the API on a mux alongside health and metrics.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /state", a.handleState)
	mux.HandleFunc("GET /beds/{bedId}", a.handleBed)
	mux.HandleFunc("GET /sides/{userId}", a.handleSide)

	mux.HandleFunc("POST /sides/{userId}/heat", a.handleHeatSet)
	mux.HandleFunc("POST /sides/{userId}/heat/increment", a.handleHeatIncrement)
	mux.HandleFunc("POST /sides/{userId}/on", a.handleSideOn)
	mux.HandleFunc("POST /sides/{userId}/off", a.handleSideOff)
	mux.HandleFunc("POST /sides/{userId}/away", a.handleAway)
	mux.HandleFunc("POST /sides/{userId}/prime", a.handlePrime)
	mux.HandleFunc("POST /sides/{userId}/bed-side", a.handleBedSide)

	mux.HandleFunc("POST /sides/{userId}/alarms/one-off", a.handleOneOffAlarm)
	mux.HandleFunc("POST /sides/{userId}/alarms/{alarmId}/snooze", a.handleAlarmSnooze)
	mux.HandleFunc("POST /sides/{userId}/alarms/{alarmId}/stop", a.handleAlarmStop)
	mux.HandleFunc("POST /sides/{userId}/alarms/{alarmId}/dismiss", a.handleAlarmDismiss)
	mux.HandleFunc("POST /sides/{userId}/routines/{routineId}/bedtime", a.handleRoutineBedtime)
	mux.HandleFunc("POST /sides/{userId}/routines/{routineId}/alarms/{alarmId}", a.handleRoutineAlarm)

	mux.HandleFunc("POST /sides/{userId}/base/angle", a.handleBaseAngle)
	mux.HandleFunc("POST /sides/{userId}/base/preset", a.handleBasePreset)

	mux.HandleFunc("POST /refresh", a.handleRefresh)
}

type accountState struct {
	UserID string                 `json:"userId"`
	IsPod  bool                   `json:"isPod"`
	Beds   []bedState             `json:"beds"`
	Sides  []eightsleep.SideState `json:"sides"`
}

type bedState struct {
	eightsleep.BedState
	RoomTemperatureC *float64 `json:"roomTemperatureC"`
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request) {
	state := accountState{
		UserID: a.Account.UserID,
		IsPod:  a.Account.IsPod(),
	}
	for _, bed := range a.Account.Beds() {
		state.Beds = append(state.Beds, bedState{
			BedState:         bed.State(),
			RoomTemperatureC: bed.RoomTemperatureC(),
		})
	}
	for _, side := range a.Account.Sides() {
		state.Sides = append(state.Sides, side.State())
	}
	writeResponse(w, state)
}

func (a *API) handleBed(w http.ResponseWriter, r *http.Request) {
	bed, ok := a.Account.Bed(r.PathValue("bedId"))
	if !ok {
		http.Error(w, "unknown bed", http.StatusNotFound)
		return
	}
	writeResponse(w, bedState{
		BedState:         bed.State(),
		RoomTemperatureC: bed.RoomTemperatureC(),
	})
}

func (a *API) handleSide(w http.ResponseWriter, r *http.Request) {
	side, ok := a.Account.Side(r.PathValue("userId"))
	if !ok {
		http.Error(w, "unknown side", http.StatusNotFound)
		return
	}
	writeResponse(w, side.State())
}

func (a *API) handleHeatSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target          int    `json:"target"`
		SleepStage      string `json:"sleepStage"`
		DurationSeconds int    `json:"durationSeconds"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	if req.SleepStage == "" {
		req.SleepStage = string(eightsleep.StageCurrent)
	}
	err := a.Dispatcher.HeatSet(r.Context(), side, req.Target, eightsleep.SleepStage(req.SleepStage), req.DurationSeconds)
	a.finish(w, err, nil)
}

func (a *API) handleHeatIncrement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	level, err := a.Dispatcher.HeatIncrement(r.Context(), side, req.Delta)
	a.finish(w, err, map[string]int{"level": level})
}

func (a *API) handleSideOn(w http.ResponseWriter, r *http.Request) {
	side, ok := a.side(w, r)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.SideOn(r.Context(), side), nil)
}

func (a *API) handleSideOff(w http.ResponseWriter, r *http.Request) {
	side, ok := a.side(w, r)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.SideOff(r.Context(), side), nil)
}

func (a *API) handleAway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	var err error
	switch req.Action {
	case "start":
		err = a.Dispatcher.AwayModeStart(r.Context(), side)
	case "stop":
		err = a.Dispatcher.AwayModeStop(r.Context(), side)
	default:
		http.Error(w, "action must be start or stop", http.StatusBadRequest)
		return
	}
	a.finish(w, err, nil)
}

func (a *API) handlePrime(w http.ResponseWriter, r *http.Request) {
	side, ok := a.side(w, r)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.PrimePod(r.Context(), side), nil)
}

func (a *API) handleBedSide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	err := a.Dispatcher.SetBedSide(r.Context(), side, eightsleep.SidePosition(req.State))
	a.finish(w, err, nil)
}

func (a *API) handleOneOffAlarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time           string  `json:"time"`
		Enabled        *bool   `json:"enabled"`
		VibrationOn    *bool   `json:"vibrationEnabled"`
		VibrationPower *int    `json:"vibrationPowerLevel"`
		Pattern        *string `json:"vibrationPattern"`
		ThermalOn      *bool   `json:"thermalEnabled"`
		ThermalLevel   *int    `json:"thermalLevel"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	alarm := eightsleep.DefaultOneOffAlarm(req.Time)
	if req.Enabled != nil {
		alarm.Enabled = *req.Enabled
	}
	if req.VibrationOn != nil {
		alarm.VibrationOn = *req.VibrationOn
	}
	if req.VibrationPower != nil {
		alarm.VibrationPower = *req.VibrationPower
	}
	if req.Pattern != nil {
		alarm.Pattern = eightsleep.VibrationPattern(*req.Pattern)
	}
	if req.ThermalOn != nil {
		alarm.ThermalOn = *req.ThermalOn
	}
	if req.ThermalLevel != nil {
		alarm.ThermalLevel = *req.ThermalLevel
	}
	a.finish(w, a.Dispatcher.SetOneOffAlarm(r.Context(), side, alarm), nil)
}

func (a *API) handleAlarmSnooze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	err := a.Dispatcher.AlarmSnooze(r.Context(), side, r.PathValue("alarmId"), req.Minutes)
	a.finish(w, err, nil)
}

func (a *API) handleAlarmStop(w http.ResponseWriter, r *http.Request) {
	side, ok := a.side(w, r)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.AlarmStop(r.Context(), side, r.PathValue("alarmId")), nil)
}

func (a *API) handleAlarmDismiss(w http.ResponseWriter, r *http.Request) {
	side, ok := a.side(w, r)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.AlarmDismiss(r.Context(), side, r.PathValue("alarmId")), nil)
}

func (a *API) handleRoutineBedtime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bedtime string `json:"bedtime"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	err := a.Dispatcher.SetRoutineBedtime(r.Context(), side, r.PathValue("routineId"), req.Bedtime)
	a.finish(w, err, nil)
}

func (a *API) handleRoutineAlarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time    string `json:"time"`
		Enabled *bool  `json:"enabled"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	routineID, alarmID := r.PathValue("routineId"), r.PathValue("alarmId")
	if req.Enabled != nil {
		err := a.Dispatcher.SetAlarmEnabled(r.Context(), side, routineID, alarmID, *req.Enabled)
		if err != nil {
			a.finish(w, err, nil)
			return
		}
	}
	if req.Time != "" {
		a.finish(w, a.Dispatcher.SetRoutineAlarm(r.Context(), side, routineID, alarmID, req.Time), nil)
		return
	}
	a.finish(w, nil, nil)
}

func (a *API) handleBaseAngle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeetAngle int `json:"feetAngle"`
		HeadAngle int `json:"headAngle"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.SetBaseAngle(r.Context(), side, req.FeetAngle, req.HeadAngle), nil)
}

func (a *API) handleBasePreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Preset string `json:"preset"`
	}
	side, ok := a.decodeSide(w, r, &req)
	if !ok {
		return
	}
	a.finish(w, a.Dispatcher.SetBasePreset(r.Context(), side, eightsleep.BasePreset(req.Preset)), nil)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if a.Engine == nil {
		http.Error(w, "refresh engine not running", http.StatusServiceUnavailable)
		return
	}
	scope := eightsleep.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = eightsleep.ScopeTelemetry
	}
	a.finish(w, a.Engine.Refresh(r.Context(), scope), nil)
}

func (a *API) side(w http.ResponseWriter, r *http.Request) (*eightsleep.Side, bool) {
	side, ok := a.Account.Side(r.PathValue("userId"))
	if !ok {
		http.Error(w, "unknown side", http.StatusNotFound)
		return nil, false
	}
	return side, true
}

func (a *API) decodeSide(w http.ResponseWriter, r *http.Request, into any) (*eightsleep.Side, bool) {
	side, ok := a.side(w, r)
	if !ok {
		return nil, false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return side, true
}

// finish maps dispatcher errors onto HTTP statuses: parameter errors
// are the caller's fault, state conflicts are 409, anything the cloud
// broke is a gateway error.
func (a *API) finish(w http.ResponseWriter, err error, body any) {
	if err == nil {
		if body == nil {
			body = map[string]string{"status": "ok"}
		}
		writeResponse(w, body)
		return
	}

	var rangeErr eightsleep.InvalidRangeError
	var stateErr eightsleep.InvalidStateError
	switch {
	case errors.As(err, &rangeErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &stateErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, eightsleep.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeResponse(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
