package device

import "time"

// Kind distinguishes the two device classes the vendor exposes.
type Kind string

// Kind constants.
const (
	KindCollar      Kind = "collar"
	KindHomeStation Kind = "home_station"
)

// Mode is the collar's enumerated operating mode code.
//
// The vendor transmits the raw integer; only the codes we act on are named.
type Mode int

// Known mode codes.
const (
	ModeNormal    Mode = 0
	ModeLiveTrack Mode = 1
	ModePowerSave Mode = 2
	ModeOff       Mode = 12
)

// SignalLevel is the qualitative signal strength bucket.
type SignalLevel string

// Signal level buckets, derived from the signal percentage.
const (
	SignalExcellent SignalLevel = "excellent"
	SignalGood      SignalLevel = "good"
	SignalFair      SignalLevel = "fair"
	SignalPoor      SignalLevel = "poor"
	SignalNone      SignalLevel = "none"
)

// Signal holds the raw RSSI byte and its derived representations.
type Signal struct {
	Raw     int         `json:"raw"`
	DBm     float64     `json:"dbm"`
	Percent int         `json:"percent"`
	Level   SignalLevel `json:"level"`
}

// Battery holds the raw millivolt code and the derived percentage.
type Battery struct {
	Raw     int `json:"raw"`
	Percent int `json:"percent"`
}

// Position is the last known GPS fix for a device.
type Position struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	FixTime    *time.Time `json:"fix_time,omitempty"`
	Satellites int        `json:"satellites"`
	Valid      bool       `json:"valid"`
}

// Device is the latest known state of a collar or home station.
//
// Fields are merged individually from realtime deltas; a field absent
// from an update keeps its previous value.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	Signal   Signal    `json:"signal"`
	Position *Position `json:"position,omitempty"`
	Battery  Battery   `json:"battery"`

	Mode    Mode `json:"mode"`
	ModeSet Mode `json:"mode_set"`

	LED            bool       `json:"led"`
	Buzzer         bool       `json:"buzzer"`
	Search         bool       `json:"search"`
	SearchDuration int        `json:"search_duration"`
	Home           bool       `json:"home"`
	HomeSince      *time.Time `json:"home_since,omitempty"`
	Charging       bool       `json:"charging"`

	Status          int    `json:"status"`
	HardwareVersion string `json:"hardware_version,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
	Colour          int    `json:"colour"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device.
// Pointer fields are cloned so modifications to the copy do not
// affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Value fields copy cleanly

	if d.Position != nil {
		pos := *d.Position
		if d.Position.FixTime != nil {
			t := *d.Position.FixTime
			pos.FixTime = &t
		}
		cpy.Position = &pos
	}

	if d.HomeSince != nil {
		t := *d.HomeSince
		cpy.HomeSince = &t
	}

	return &cpy
}
