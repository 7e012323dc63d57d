package eightsleep

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the state model as prometheus metrics. It
// reads the in-memory snapshots only; the refresh engine owns all
// network traffic, so scrapes are cheap at any frequency.
type MetricsCollector struct {
	account *Account
	engine  *Engine

	heatingLevel *prometheus.GaugeVec
	targetLevel  *prometheus.GaugeVec
	nowHeating   *prometheus.GaugeVec
	bedTemp      *prometheus.GaugeVec
	roomTemp     *prometheus.GaugeVec
	heartRate    *prometheus.GaugeVec
	breathRate   *prometheus.GaugeVec
	hrv          *prometheus.GaugeVec
	present      *prometheus.GaugeVec
	away         *prometheus.GaugeVec
	fitnessScore *prometheus.GaugeVec
	timeSlept    *prometheus.GaugeVec
	nextAlarm    *prometheus.GaugeVec
	hasWater     *prometheus.GaugeVec
	priming      *prometheus.GaugeVec
	lastPrime    *prometheus.GaugeVec
	feetAngle    *prometheus.GaugeVec
	headAngle    *prometheus.GaugeVec
	available    *prometheus.GaugeVec
	lastSuccess  prometheus.Gauge
}

func NewMetricsCollector(account *Account, engine *Engine) *MetricsCollector {
	sideLabels := []string{"bed_id", "side", "user_id"}
	bedLabels := []string{"bed_id"}
	return &MetricsCollector{
		account: account,
		engine:  engine,
		heatingLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_heating_level",
			Help: "Current heating level per side (-100..100)",
		}, sideLabels),
		targetLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_target_heating_level",
			Help: "Target heating level per side (-100..100)",
		}, sideLabels),
		nowHeating: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_now_heating_bool",
			Help: "Side actively heating (1=yes, 0=no)",
		}, sideLabels),
		bedTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_bed_temperature_celsius",
			Help: "Measured bed surface temperature per side",
		}, sideLabels),
		roomTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_room_temperature_celsius",
			Help: "Measured room temperature per side",
		}, sideLabels),
		heartRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_heart_rate_bpm",
			Help: "Latest heart rate per side",
		}, sideLabels),
		breathRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_breath_rate_per_minute",
			Help: "Latest respiratory rate per side",
		}, sideLabels),
		hrv: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_hrv_milliseconds",
			Help: "Latest heart rate variability per side",
		}, sideLabels),
		present: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_presence_bool",
			Help: "Sleeper detected on side (1=present, 0=absent)",
		}, sideLabels),
		away: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_away_bool",
			Help: "Side in away mode (1=away, 0=home)",
		}, sideLabels),
		fitnessScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_sleep_fitness_score",
			Help: "Latest sleep fitness score per side",
		}, sideLabels),
		timeSlept: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_time_slept_seconds",
			Help: "Time slept in the latest session per side",
		}, sideLabels),
		nextAlarm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_next_alarm_timestamp_seconds",
			Help: "Next scheduled alarm per side (epoch seconds)",
		}, sideLabels),
		hasWater: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_has_water_bool",
			Help: "Water tank filled (1=yes, 0=no)",
		}, bedLabels),
		priming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_priming_bool",
			Help: "Priming cycle running (1=yes, 0=no)",
		}, bedLabels),
		lastPrime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_last_prime_timestamp_seconds",
			Help: "Last completed priming cycle (epoch seconds)",
		}, bedLabels),
		feetAngle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_base_feet_angle_degrees",
			Help: "Adjustable base feet angle",
		}, bedLabels),
		headAngle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_base_head_angle_degrees",
			Help: "Adjustable base head angle",
		}, bedLabels),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_refresh_available",
			Help: "Refresh scope below its failure threshold (1=ok, 0=down)",
		}, []string{"scope"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eightsleep_last_collect_timestamp_seconds",
			Help: "Last metrics collection timestamp (epoch seconds)",
		}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, vec := range c.vecs() {
		vec.Describe(ch)
	}
	c.lastSuccess.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, vec := range c.vecs() {
		vec.Reset()
	}

	for _, bed := range c.account.Beds() {
		bedState := bed.State()
		labels := prometheus.Labels{"bed_id": bedState.ID}
		c.hasWater.With(labels).Set(boolToFloat(bedState.HasWater))
		c.priming.With(labels).Set(boolToFloat(bedState.Priming))
		if !bedState.LastPrime.IsZero() {
			c.lastPrime.With(labels).Set(float64(bedState.LastPrime.Unix()))
		}
		if bedState.Base != nil {
			c.feetAngle.With(labels).Set(float64(bedState.Base.FeetAngle))
			c.headAngle.With(labels).Set(float64(bedState.Base.HeadAngle))
		}

		for _, side := range []*Side{bed.Left(), bed.Right()} {
			state := side.State()
			if state.UserID == "" {
				continue
			}
			c.collectSide(state)
		}
	}

	if c.engine != nil {
		scopes := []Scope{ScopeTelemetry}
		if c.account.HasBase() {
			scopes = append(scopes, ScopeBase)
		}
		for _, scope := range scopes {
			c.available.With(prometheus.Labels{"scope": string(scope)}).
				Set(boolToFloat(c.engine.Available(scope)))
		}
	}

	c.lastSuccess.Set(float64(time.Now().Unix()))
	for _, vec := range c.vecs() {
		vec.Collect(ch)
	}
	c.lastSuccess.Collect(ch)
}

func (c *MetricsCollector) collectSide(state SideState) {
	labels := prometheus.Labels{
		"bed_id":  state.BedID,
		"side":    string(state.Position),
		"user_id": state.UserID,
	}
	if state.HeatingLevel != nil {
		c.heatingLevel.With(labels).Set(float64(*state.HeatingLevel))
	}
	if state.TargetLevel != nil {
		c.targetLevel.With(labels).Set(float64(*state.TargetLevel))
	}
	if state.NowHeating != nil {
		c.nowHeating.With(labels).Set(boolToFloat(*state.NowHeating))
	}
	if state.BedTempC != nil {
		c.bedTemp.With(labels).Set(*state.BedTempC)
	}
	if state.RoomTempC != nil {
		c.roomTemp.With(labels).Set(*state.RoomTempC)
	}
	if state.HeartRate != nil {
		c.heartRate.With(labels).Set(*state.HeartRate)
	}
	if state.BreathRate != nil {
		c.breathRate.With(labels).Set(*state.BreathRate)
	}
	if state.HRV != nil {
		c.hrv.With(labels).Set(*state.HRV)
	}
	c.present.With(labels).Set(boolToFloat(state.Present))
	c.away.With(labels).Set(boolToFloat(state.Away))
	if state.FitnessScore != nil {
		c.fitnessScore.With(labels).Set(float64(*state.FitnessScore))
	}
	if state.TimeSleptSeconds != nil {
		c.timeSlept.With(labels).Set(float64(*state.TimeSleptSeconds))
	}
	if state.NextAlarm != nil {
		c.nextAlarm.With(labels).Set(float64(state.NextAlarm.Unix()))
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.heatingLevel, c.targetLevel, c.nowHeating, c.bedTemp, c.roomTemp,
		c.heartRate, c.breathRate, c.hrv, c.present, c.away,
		c.fitnessScore, c.timeSlept, c.nextAlarm,
		c.hasWater, c.priming, c.lastPrime, c.feetAngle, c.headAngle,
		c.available,
	}
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
