package conditions

import (
	"strings"
	"testing"
	"time"
)

func TestCurrentConditions_ContainsRequiredLines(t *testing.T) {
	result := CurrentConditions(time.Now(), time.UTC)

	required := []string{
		"Current conditions:",
		"Time: ",
		"All Home Assistant timestamps are UTC",
		"Host: ",
		"Version: ",
	}

	for _, line := range required {
		if !strings.Contains(result, line) {
			t.Errorf("CurrentConditions() missing %q\nGot:\n%s", line, result)
		}
	}
}

func TestCurrentConditions_LocalTime(t *testing.T) {
	loc := time.FixedZone("NZST", 12*60*60)
	now := time.Date(2026, 6, 1, 20, 30, 0, 0, time.UTC)

	result := CurrentConditions(now, loc)

	if !strings.Contains(result, "Tuesday 2 June 2026, 08:30 NZST") {
		t.Errorf("CurrentConditions should render local time\nGot:\n%s", result)
	}
	if !strings.Contains(result, "Local timezone is NZST") {
		t.Errorf("CurrentConditions should name the zone\nGot:\n%s", result)
	}
}

func TestCurrentConditions_NilLocation(t *testing.T) {
	result := CurrentConditions(time.Now(), nil)
	if !strings.Contains(result, "Time: ") {
		t.Errorf("CurrentConditions(nil) should still include time\nGot:\n%s", result)
	}
}

func TestDetectEnvironment(t *testing.T) {
	// Bare metal on a dev machine, container in CI; both are valid.
	env := detectEnvironment()
	if env != "bare metal" && env != "container" {
		t.Errorf("detectEnvironment() = %q; want 'bare metal' or 'container'", env)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{25 * time.Hour, "1d 1h"},
		{72 * time.Hour, "3d 0h"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			got := formatUptime(tt.duration)
			if got != tt.want {
				t.Errorf("formatUptime(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}
