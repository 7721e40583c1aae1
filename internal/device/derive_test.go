package device

import (
	"math"
	"testing"
)

func TestBatteryPercentBoundaries(t *testing.T) {
	tests := []struct {
		name string
		raw  int
		want int
	}{
		{name: "below curve floor", raw: 2500, want: 0},
		{name: "just under first segment", raw: 3599, want: 0},
		{name: "first segment start", raw: 3600, want: 17},
		{name: "second segment start", raw: 3760, want: 34},
		{name: "third segment start", raw: 3840, want: 50},
		{name: "mid third segment reads 50s", raw: 3870, want: 59},
		{name: "fourth segment start", raw: 3900, want: 67},
		{name: "fifth segment start", raw: 4000, want: 83},
		{name: "full charge", raw: 4150, want: 100},
		{name: "clamped above max", raw: 5000, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BatteryPercent(tt.raw); got != tt.want {
				t.Errorf("BatteryPercent(%d) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestBatteryPercentMonotonic(t *testing.T) {
	prev := BatteryPercent(2999)
	for raw := 3000; raw <= 4151; raw++ {
		got := BatteryPercent(raw)
		if got < prev {
			t.Fatalf("BatteryPercent not monotonic: f(%d)=%d < f(%d)=%d", raw, got, raw-1, prev)
		}
		prev = got
	}
}

func TestSignalDBm(t *testing.T) {
	tests := []struct {
		raw  int
		want float64
	}{
		{raw: 0, want: -130},
		{raw: 255, want: -2.5},
		{raw: 100, want: -80},
		// Only the low byte counts.
		{raw: 0x1FF, want: -2.5},
	}

	for _, tt := range tests {
		if got := SignalDBm(tt.raw); got != tt.want {
			t.Errorf("SignalDBm(%d) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSignalDBmMonotonic(t *testing.T) {
	prev := math.Inf(-1)
	for raw := 0; raw <= 255; raw++ {
		got := SignalDBm(raw)
		if got < prev {
			t.Fatalf("SignalDBm not monotonic at raw=%d: %v < %v", raw, got, prev)
		}
		prev = got
	}
}

func TestSignalPercent(t *testing.T) {
	tests := []struct {
		name string
		dbm  float64
		want int
	}{
		{name: "saturates at -1.5", dbm: -1.5, want: 100},
		{name: "above saturation", dbm: 0, want: 100},
		{name: "no signal at floor", dbm: -130, want: 0},
		{name: "half-ish scale", dbm: -80, want: 52},
		{name: "strong but clamped", dbm: -35, want: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignalPercent(tt.dbm); got != tt.want {
				t.Errorf("SignalPercent(%v) = %d, want %d", tt.dbm, got, tt.want)
			}
		})
	}
}

func TestLevelFromPercent(t *testing.T) {
	tests := []struct {
		percent int
		want    SignalLevel
	}{
		{percent: 100, want: SignalExcellent},
		{percent: 71, want: SignalExcellent},
		{percent: 70, want: SignalGood},
		{percent: 51, want: SignalGood},
		{percent: 50, want: SignalFair},
		{percent: 31, want: SignalFair},
		{percent: 30, want: SignalPoor},
		{percent: 6, want: SignalPoor},
		{percent: 5, want: SignalNone},
		{percent: 0, want: SignalNone},
	}

	for _, tt := range tests {
		if got := LevelFromPercent(tt.percent); got != tt.want {
			t.Errorf("LevelFromPercent(%d) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestSignalFromRaw(t *testing.T) {
	s := SignalFromRaw(255)
	if s.DBm != -2.5 {
		t.Errorf("DBm = %v, want -2.5", s.DBm)
	}
	if s.Percent != 100 {
		t.Errorf("Percent = %d, want 100", s.Percent)
	}
	if s.Level != SignalExcellent {
		t.Errorf("Level = %q, want excellent", s.Level)
	}
}
