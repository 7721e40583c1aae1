package device

import "math"

// Battery curve segment boundaries, in the collar's raw millivolt code.
// The discharge curve of the cell is far from linear, so the vendor maps
// it piecewise: each raw sub-range covers a fixed percentage band.
const (
	batteryRawMin = 3000
	batteryRawMax = 4150
)

// BatteryPercent converts a raw battery code to a 0-100 percentage.
//
// The raw value is clamped to [3000, 4150] and mapped through a
// piecewise-linear curve that is continuous at every segment boundary:
// 3600→17, 3760→34, 3840→50, 3900→67, 4000→83, 4150→100.
// Anything below 3600 reads as empty.
func BatteryPercent(raw int) int {
	v := float64(raw)
	if v < batteryRawMin {
		v = batteryRawMin
	}
	if v > batteryRawMax {
		v = batteryRawMax
	}

	var pct float64
	switch {
	case v < 3600:
		pct = 0
	case v < 3760:
		pct = (v-3600)/160*17 + 17
	case v < 3840:
		pct = (v-3760)/80*16 + 34
	case v < 3900:
		pct = (v-3840)/60*17 + 50
	case v < 4000:
		pct = (v-3900)/100*16 + 67
	default:
		pct = (v-4000)/150*17 + 83
	}

	return int(math.Round(pct))
}

// SignalDBm converts the raw RSSI byte to dBm.
func SignalDBm(raw int) float64 {
	return float64(raw&0xFF)/2 - 130
}

// SignalPercent converts a dBm reading to a 0-100 percentage.
//
// Values at or above -1.5 dBm saturate at 100%. Below that the vendor's
// portal uses 1.35*(1 - dbm/-130), clamped to [0, 1].
func SignalPercent(dbm float64) int {
	if dbm >= -1.5 {
		return 100
	}
	frac := 1.35 * (1 - dbm/-130)
	frac = math.Max(0, math.Min(1, frac))
	return int(math.Round(100 * frac))
}

// LevelFromPercent buckets a signal percentage into a qualitative level.
func LevelFromPercent(percent int) SignalLevel {
	switch {
	case percent > 70:
		return SignalExcellent
	case percent > 50:
		return SignalGood
	case percent > 30:
		return SignalFair
	case percent > 5:
		return SignalPoor
	default:
		return SignalNone
	}
}

// SignalFromRaw derives the full Signal record from a raw RSSI byte.
func SignalFromRaw(raw int) Signal {
	dbm := SignalDBm(raw)
	pct := SignalPercent(dbm)
	return Signal{
		Raw:     raw,
		DBm:     dbm,
		Percent: pct,
		Level:   LevelFromPercent(pct),
	}
}

// BatteryFromRaw derives the full Battery record from a raw battery code.
func BatteryFromRaw(raw int) Battery {
	return Battery{Raw: raw, Percent: BatteryPercent(raw)}
}
