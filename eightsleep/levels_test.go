package eightsleep

import "testing"

func TestLevelToCelsius(t *testing.T) {
	cases := []struct {
		level int
		want  float64
	}{
		{-100, 13},
		{-50, 21},
		{0, 27},
		{50, 36},
		{100, 44},
		{25, 31.5},
		{-75, 17},
		{500, 44},
		{-500, 13},
	}
	for _, tc := range cases {
		if got := LevelToCelsius(tc.level); got != tc.want {
			t.Fatalf("LevelToCelsius(%d) = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestLevelToFahrenheit(t *testing.T) {
	if got := LevelToFahrenheit(0); got != 80.6 {
		t.Fatalf("LevelToFahrenheit(0) = %v, want 80.6", got)
	}
}

func TestClampLevel(t *testing.T) {
	if got := clampLevel(150); got != MaxHeatLevel {
		t.Fatalf("clampLevel(150) = %d, want %d", got, MaxHeatLevel)
	}
	if got := clampLevel(-150); got != MinHeatLevel {
		t.Fatalf("clampLevel(-150) = %d, want %d", got, MinHeatLevel)
	}
	if got := clampLevel(42); got != 42 {
		t.Fatalf("clampLevel(42) = %d, want 42", got)
	}
}
