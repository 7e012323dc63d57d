package eightsleep

// The app converts raw levels (-100..100) to degrees with a lookup table, not
// a formula. A small anchor table with linear interpolation tracks it closely
// enough for display; the raw level remains the authoritative value.
var levelToCelsius = []struct {
	level int
	tempC float64
}{
	{-100, 13.0},
	{-50, 21.0},
	{0, 27.0},
	{50, 36.0},
	{100, 44.0},
}

// LevelToCelsius converts a heating level to an approximate bed temperature.
func LevelToCelsius(level int) float64 {
	level = clampLevel(level)
	prev := levelToCelsius[0]
	for _, anchor := range levelToCelsius[1:] {
		if level <= anchor.level {
			ratio := float64(level-prev.level) / float64(anchor.level-prev.level)
			return prev.tempC + ratio*(anchor.tempC-prev.tempC)
		}
		prev = anchor
	}
	return prev.tempC
}

// LevelToFahrenheit converts a heating level to degrees Fahrenheit.
func LevelToFahrenheit(level int) float64 {
	return LevelToCelsius(level)*9/5 + 32
}

func clampLevel(level int) int {
	if level < MinHeatLevel {
		return MinHeatLevel
	}
	if level > MaxHeatLevel {
		return MaxHeatLevel
	}
	return level
}
