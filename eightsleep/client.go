package eightsleep

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultClientAPIURL = "https://client-api.8slp.net/v1"
	defaultAppAPIURL    = "https://app-api.8slp.net"

	requestTimeout = 15 * time.Second

	trendsDateFormat = "2006-01-02"
	awayTimeFormat   = "2006-01-02T15:04:05.000Z"
)

// TokenSource supplies a valid bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// refreshTriggerer is implemented by token sources that can renew themselves
// out of band after the API answers 401.
type refreshTriggerer interface {
	TriggerRefresh(ctx context.Context)
}

// ClientConfig defines runtime configuration for the cloud client.
type ClientConfig struct {
	// ClientAPIURL and AppAPIURL override the production endpoints, mainly
	// for tests against a fake server.
	ClientAPIURL string
	AppAPIURL    string

	// Timezone is sent with trend queries so session days match the account
	// locale, e.g. "Europe/Amsterdam".
	Timezone string

	HTTPClient *http.Client
}

// Client talks to the Eight Sleep REST API.
type Client struct {
	clientAPIURL string
	appAPIURL    string
	timezone     string
	tokens       TokenSource
	httpClient   *http.Client
}

func NewClient(cfg ClientConfig, tokens TokenSource) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	clientAPIURL := strings.TrimSpace(cfg.ClientAPIURL)
	if clientAPIURL == "" {
		clientAPIURL = defaultClientAPIURL
	}
	appAPIURL := strings.TrimSpace(cfg.AppAPIURL)
	if appAPIURL == "" {
		appAPIURL = defaultAppAPIURL
	}
	timezone := strings.TrimSpace(cfg.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		clientAPIURL: strings.TrimRight(clientAPIURL, "/"),
		appAPIURL:    strings.TrimRight(appAPIURL, "/"),
		timezone:     timezone,
		tokens:       tokens,
		httpClient:   httpClient,
	}, nil
}

// Me describes the logged-in account: its user id, owned devices, and
// feature flags ("cooling" marks a Pod, "elevation" marks an attached base).
type Me struct {
	UserID   string
	Devices  []string
	Features []string
}

func (m Me) HasFeature(name string) bool {
	for _, feature := range m.Features {
		if feature == name {
			return true
		}
	}
	return false
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp struct {
		User struct {
			UserID   string   `json:"userId"`
			Devices  []string `json:"devices"`
			Features []string `json:"features"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, c.clientAPIURL+"/users/me", &resp); err != nil {
		return Me{}, err
	}
	if resp.User.UserID == "" {
		return Me{}, MalformedResponseError{Entity: "me", Reason: "missing user id"}
	}
	return Me{UserID: resp.User.UserID, Devices: resp.User.Devices, Features: resp.User.Features}, nil
}

// DeviceUsers lists the user ids assigned to each side of a device. The API
// adds an awaySides block when at least one user is away; those ids still
// belong to the account and get sides in the model.
type DeviceUsers struct {
	LeftUserID  string
	RightUserID string
	AwayUserIDs []string
}

func (c *Client) DeviceUsers(ctx context.Context, deviceID string) (DeviceUsers, error) {
	var resp struct {
		Result struct {
			LeftUserID  string            `json:"leftUserId"`
			RightUserID string            `json:"rightUserId"`
			AwaySides   map[string]string `json:"awaySides"`
		} `json:"result"`
	}
	path := fmt.Sprintf("%s/devices/%s?filter=leftUserId,rightUserId,awaySides", c.clientAPIURL, deviceID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return DeviceUsers{}, err
	}
	users := DeviceUsers{
		LeftUserID:  resp.Result.LeftUserID,
		RightUserID: resp.Result.RightUserID,
	}
	for _, userID := range resp.Result.AwaySides {
		users.AwayUserIDs = append(users.AwayUserIDs, userID)
	}
	return users, nil
}

// UserSide returns the side the given user is currently assigned to.
func (c *Client) UserSide(ctx context.Context, userID string) (SidePosition, error) {
	var resp struct {
		User struct {
			CurrentDevice struct {
				Side string `json:"side"`
			} `json:"currentDevice"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, c.clientAPIURL+"/users/"+userID, &resp); err != nil {
		return "", err
	}
	return SidePosition(resp.User.CurrentDevice.Side), nil
}

// Device fetches the bed-level telemetry snapshot.
func (c *Client) Device(ctx context.Context, deviceID string) (DeviceSnapshot, error) {
	var resp struct {
		Result struct {
			DeviceID     string `json:"deviceId"`
			HasWater     *bool  `json:"hasWater"`
			Priming      *bool  `json:"priming"`
			NeedsPriming *bool  `json:"needsPriming"`
			LastPrime    string `json:"lastPrime"`
			SensorInfo   *struct {
				Label string `json:"label"`
			} `json:"sensorInfo"`

			LeftUserID          *string `json:"leftUserId"`
			LeftHeatingLevel    *int    `json:"leftHeatingLevel"`
			LeftTargetLevel     *int    `json:"leftTargetHeatingLevel"`
			LeftNowHeating      *bool   `json:"leftNowHeating"`
			LeftHeatingDuration *int    `json:"leftHeatingDuration"`
			LeftPresenceEnd     *int64  `json:"leftPresenceEnd"`

			RightUserID          *string `json:"rightUserId"`
			RightHeatingLevel    *int    `json:"rightHeatingLevel"`
			RightTargetLevel     *int    `json:"rightTargetHeatingLevel"`
			RightNowHeating      *bool   `json:"rightNowHeating"`
			RightHeatingDuration *int    `json:"rightHeatingDuration"`
			RightPresenceEnd     *int64  `json:"rightPresenceEnd"`

			AwaySides map[string]string `json:"awaySides"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, c.clientAPIURL+"/devices/"+deviceID, &resp); err != nil {
		return DeviceSnapshot{}, err
	}

	result := resp.Result
	id := result.DeviceID
	if id == "" {
		id = deviceID
	}
	snap := DeviceSnapshot{
		DeviceID:     id,
		HasWater:     result.HasWater,
		Priming:      result.Priming,
		NeedsPriming: result.NeedsPriming,
		LastPrime:    parseTime(result.LastPrime),
		Left: &SideDeviceSnapshot{
			UserID:          result.LeftUserID,
			HeatingLevel:    result.LeftHeatingLevel,
			TargetLevel:     result.LeftTargetLevel,
			NowHeating:      result.LeftNowHeating,
			DurationSeconds: result.LeftHeatingDuration,
			PresenceEnd:     epochTime(result.LeftPresenceEnd),
		},
		Right: &SideDeviceSnapshot{
			UserID:          result.RightUserID,
			HeatingLevel:    result.RightHeatingLevel,
			TargetLevel:     result.RightTargetLevel,
			NowHeating:      result.RightNowHeating,
			DurationSeconds: result.RightHeatingDuration,
			PresenceEnd:     epochTime(result.RightPresenceEnd),
		},
	}
	if result.SensorInfo != nil {
		snap.SensorLabel = &result.SensorInfo.Label
	}
	snap.AwayUserIDs = []string{}
	for _, userID := range result.AwaySides {
		snap.AwayUserIDs = append(snap.AwayUserIDs, userID)
	}
	return snap, nil
}

// Temperature fetches a user's temperature state: the active level, the
// device-reported side level, the operating mode, and the smart schedule.
func (c *Client) Temperature(ctx context.Context, userID string) (TemperatureSnapshot, error) {
	var resp struct {
		CurrentLevel       *int `json:"currentLevel"`
		CurrentDeviceLevel *int `json:"currentDeviceLevel"`
		CurrentState       *struct {
			Type string `json:"type"`
		} `json:"currentState"`
		Smart *SmartLevels `json:"smart"`
	}
	if err := c.getJSON(ctx, c.temperatureURL(userID), &resp); err != nil {
		return TemperatureSnapshot{}, err
	}
	snap := TemperatureSnapshot{
		UserID:       userID,
		CurrentLevel: resp.CurrentLevel,
		DeviceLevel:  resp.CurrentDeviceLevel,
		Smart:        resp.Smart,
	}
	if resp.CurrentState != nil {
		stateType := BedStateType(resp.CurrentState.Type)
		snap.StateType = &stateType
	}
	return snap, nil
}

// CurrentLevel fetches only the active heating level. Increment commands use
// this immediately before computing a delta so concurrent external changes
// do not compound.
func (c *Client) CurrentLevel(ctx context.Context, userID string) (int, error) {
	var resp struct {
		CurrentLevel *int `json:"currentLevel"`
	}
	if err := c.getJSON(ctx, c.temperatureURL(userID), &resp); err != nil {
		return 0, err
	}
	if resp.CurrentLevel == nil {
		return 0, MalformedResponseError{Entity: "temperature", Reason: "missing currentLevel"}
	}
	return *resp.CurrentLevel, nil
}

func (c *Client) SetCurrentLevel(ctx context.Context, userID string, level int) error {
	return c.putJSON(ctx, c.temperatureURL(userID), map[string]any{"currentLevel": level})
}

func (c *Client) SetLevelDuration(ctx context.Context, userID string, level, durationSeconds int) error {
	payload := map[string]any{
		"timeBased": map[string]any{"level": level, "durationSeconds": durationSeconds},
	}
	return c.putJSON(ctx, c.temperatureURL(userID), payload)
}

// SetCurrentState switches a side's operating mode ("smart" or "off").
func (c *Client) SetCurrentState(ctx context.Context, userID, stateType string) error {
	payload := map[string]any{
		"currentState": map[string]any{"type": stateType},
	}
	return c.putJSON(ctx, c.temperatureURL(userID), payload)
}

func (c *Client) SetSmartLevels(ctx context.Context, userID string, smart SmartLevels) error {
	return c.putJSON(ctx, c.temperatureURL(userID), map[string]any{"smart": smart})
}

// SetAwayMode starts or ends away mode. The period boundary is backdated a
// day so the cloud applies it immediately instead of scheduling it.
func (c *Client) SetAwayMode(ctx context.Context, userID, action string) error {
	at := time.Now().UTC().Add(-24 * time.Hour).Format(awayTimeFormat)
	payload := map[string]any{
		"awayPeriod": map[string]any{action: at},
	}
	return c.putJSON(ctx, c.appAPIURL+"/v1/users/"+userID+"/away-mode", payload)
}

// PrimePod starts a priming cycle. Completion has no direct signal; it shows
// up later in the device snapshot's priming/lastPrime fields.
func (c *Client) PrimePod(ctx context.Context, deviceID, userID string) error {
	payload := map[string]any{
		"notifications": map[string]any{"users": []string{userID}, "meta": "rePriming"},
	}
	return c.postJSON(ctx, c.appAPIURL+"/v1/devices/"+deviceID+"/priming/tasks", payload)
}

// SetBedSide reassigns the user to a side of the device. "away" cannot be
// expressed through this endpoint; use SetAwayMode for that.
func (c *Client) SetBedSide(ctx context.Context, userID, deviceID string, side SidePosition) error {
	payload := map[string]any{"id": deviceID, "side": string(side)}
	return c.putJSON(ctx, c.clientAPIURL+"/users/"+userID+"/current-device", payload)
}

// Trends fetches the biometric and session snapshot for a user, covering
// yesterday through tomorrow so the in-progress session is always included.
func (c *Client) Trends(ctx context.Context, userID string) (TrendsSnapshot, error) {
	now := time.Now()
	params := url.Values{}
	params.Set("tz", c.timezone)
	params.Set("from", now.AddDate(0, 0, -1).Format(trendsDateFormat))
	params.Set("to", now.AddDate(0, 0, 1).Format(trendsDateFormat))
	params.Set("include-main", "false")
	params.Set("include-all-sessions", "true")
	params.Set("model-version", "v2")

	var resp trendsResponse
	path := c.clientAPIURL + "/users/" + userID + "/trends?" + params.Encode()
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return TrendsSnapshot{}, err
	}
	return resp.snapshot(userID), nil
}

// Routines fetches a side's routine and alarm configuration plus the
// upcoming-alarm state.
func (c *Client) Routines(ctx context.Context, userID string) (RoutinesSnapshot, error) {
	var resp routinesResponse
	if err := c.getJSON(ctx, c.appAPIURL+"/v2/users/"+userID+"/routines", &resp); err != nil {
		return RoutinesSnapshot{}, err
	}
	return resp.snapshot(userID)
}

// alarmAction pushes a single alarm mutation (snooze, stop, dismiss).
func (c *Client) alarmAction(ctx context.Context, userID string, body map[string]any) error {
	return c.putJSON(ctx, c.appAPIURL+"/v1/users/"+userID+"/routines", map[string]any{"alarm": body})
}

func (c *Client) SnoozeAlarm(ctx context.Context, userID, alarmID string, minutes int) error {
	return c.alarmAction(ctx, userID, map[string]any{"alarmId": alarmID, "snoozeForMinutes": minutes})
}

func (c *Client) StopAlarm(ctx context.Context, userID, alarmID string) error {
	return c.alarmAction(ctx, userID, map[string]any{"alarmId": alarmID, "stopped": true})
}

func (c *Client) DismissAlarm(ctx context.Context, userID, alarmID string) error {
	return c.alarmAction(ctx, userID, map[string]any{"alarmId": alarmID, "dismissed": true})
}

// OneOffAlarm is the configuration for a single-use alarm. The API keys
// one-offs by side and time, so resending identical settings is safe.
type OneOffAlarm struct {
	Time           string           `json:"time"`
	Enabled        bool             `json:"enabled"`
	VibrationOn    bool             `json:"-"`
	VibrationPower int              `json:"-"`
	Pattern        VibrationPattern `json:"-"`
	ThermalOn      bool             `json:"-"`
	ThermalLevel   int              `json:"-"`
}

func (c *Client) SetOneOffAlarm(ctx context.Context, userID string, alarm OneOffAlarm) error {
	payload := map[string]any{
		"oneOffAlarms": []map[string]any{{
			"time":    alarm.Time,
			"enabled": alarm.Enabled,
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
		}},
	}
	return c.putJSON(ctx, c.appAPIURL+"/v2/users/"+userID+"/routines?ignoreDeviceErrors=false", payload)
}

// PutRoutine pushes an updated routine document.
func (c *Client) PutRoutine(ctx context.Context, userID, routineID string, routine Routine) error {
	return c.putJSON(ctx, c.appAPIURL+"/v2/users/"+userID+"/routines/"+routineID, encodeRoutine(routine))
}

// Base fetches the adjustable-base state for a bed via one of its users.
func (c *Client) Base(ctx context.Context, userID, deviceID string, side SidePosition) (BaseSnapshot, error) {
	var resp map[string]struct {
		InSnoreMitigation *bool `json:"inSnoreMitigation"`
		Leg               *struct {
			CurrentAngle int `json:"currentAngle"`
		} `json:"leg"`
		Torso *struct {
			CurrentAngle int `json:"currentAngle"`
		} `json:"torso"`
		Preset *struct {
			Name string `json:"name"`
		} `json:"preset"`
	}
	if err := c.getJSON(ctx, c.appAPIURL+"/v1/users/"+userID+"/base", &resp); err != nil {
		return BaseSnapshot{}, err
	}

	// Both sides report identical base data; read whichever key is present.
	key := string(side)
	if side == SideSolo {
		key = string(SideLeft)
	}
	data, ok := resp[key]
	if !ok {
		for _, value := range resp {
			data = value
			ok = true
			break
		}
	}
	snap := BaseSnapshot{DeviceID: deviceID}
	if !ok {
		return snap, nil
	}
	snap.SnoreMitigation = data.InSnoreMitigation
	if data.Leg != nil {
		snap.FeetAngle = &data.Leg.CurrentAngle
	}
	if data.Torso != nil {
		snap.HeadAngle = &data.Torso.CurrentAngle
	}
	if data.Preset != nil {
		preset := BasePreset(data.Preset.Name)
		snap.Preset = &preset
	}
	return snap, nil
}

func (c *Client) SetBaseAngle(ctx context.Context, userID, deviceID string, feetAngle, headAngle int) error {
	payload := map[string]any{
		"deviceId":          deviceID,
		"deviceOnline":      true,
		"legAngle":          feetAngle,
		"torsoAngle":        headAngle,
		"enableOfflineMode": false,
	}
	return c.postJSON(ctx, c.baseAngleURL(userID), payload)
}

func (c *Client) SetBasePreset(ctx context.Context, userID, deviceID string, preset BasePreset) error {
	payload := map[string]any{
		"deviceId":          deviceID,
		"deviceOnline":      true,
		"preset":            string(preset),
		"enableOfflineMode": false,
	}
	return c.postJSON(ctx, c.baseAngleURL(userID), payload)
}

func (c *Client) temperatureURL(userID string) string {
	return c.appAPIURL + "/v1/users/" + userID + "/temperature"
}

func (c *Client) baseAngleURL(userID string) string {
	return c.appAPIURL + "/v1/users/" + userID + "/base/angle?ignoreDeviceErrors=false"
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return HTTPStatusError{Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return MalformedResponseError{Entity: "response", Reason: err.Error()}
	}
	return nil
}

func (c *Client) putJSON(ctx context.Context, rawURL string, payload any) error {
	return c.writeJSON(ctx, http.MethodPut, rawURL, payload)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, payload any) error {
	return c.writeJSON(ctx, http.MethodPost, rawURL, payload)
}

func (c *Client) writeJSON(ctx context.Context, method, rawURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, method, rawURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	accessToken, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	if triggerer, ok := c.tokens.(refreshTriggerer); ok {
		triggerer.TriggerRefresh(ctx)
	}
	return nil, HTTPStatusError{Status: http.StatusUnauthorized, Body: "unauthorized; token refresh triggered"}
}

func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return &ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts
	}
	return nil
}

func epochTime(value *int64) *time.Time {
	if value == nil || *value == 0 {
		return nil
	}
	ts := time.Unix(*value, 0).UTC()
	return &ts
}
