package device

import (
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Cache.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Canonical field names accepted by Merge. Realtime payloads are remapped
// to these names before they reach the cache.
const (
	FieldName            = "name"
	FieldBatteryRaw      = "battery_raw"
	FieldSignalRaw       = "signal_raw"
	FieldLatitude        = "latitude"
	FieldLongitude       = "longitude"
	FieldFixTime         = "fix_time"
	FieldSatellites      = "satellites"
	FieldFixValid        = "fix_valid"
	FieldMode            = "mode"
	FieldModeSet         = "mode_set"
	FieldLED             = "led"
	FieldBuzzer          = "buzzer"
	FieldSearch          = "search"
	FieldSearchDuration  = "search_duration"
	FieldHome            = "home"
	FieldHomeSince       = "home_since"
	FieldCharging        = "charging"
	FieldStatus          = "status"
	FieldHardwareVersion = "hardware_version"
	FieldSoftwareVersion = "software_version"
	FieldColour          = "colour"
)

// Cache is the concurrently-safe mapping of device id to latest known
// state. The realtime session is the sole writer during operation;
// any number of consumers read via Get/Snapshot.
//
// All public methods are thread-safe. Merges are atomic: the updated
// record is built as a copy and swapped in under the write lock, so a
// concurrent reader sees either the old record or the new one, never a
// half-applied merge.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]*Device
	logger  Logger
}

// NewCache creates an empty device cache.
func NewCache() *Cache {
	return &Cache{
		devices: make(map[string]*Device),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// Get retrieves a device by ID.
// The returned device is a deep copy; callers can safely modify it.
func (c *Cache) Get(id string) (*Device, bool) {
	c.mu.RLock()
	d, ok := c.devices[id]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// Snapshot returns deep copies of all devices, ordered by ID.
func (c *Cache) Snapshot() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, *d.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ids of all known devices, ordered.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of cached devices.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// UpsertFromSnapshot replaces a device record wholesale.
// Used when seeding the cache from the initial REST snapshot.
func (c *Cache) UpsertFromSnapshot(d Device) {
	d.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	c.devices[d.ID] = d.DeepCopy()
	c.mu.Unlock()

	c.logger.Debug("device seeded", "id", d.ID, "kind", d.Kind)
}

// Reconcile folds a REST snapshot record into the cache. A new id is
// inserted wholesale; for a known device only the attributes the list
// endpoints actually report overwrite the record, so fields they never
// carry (led, buzzer, search, mode_set, home, charging) keep their
// realtime-merged values across poll refreshes.
func (c *Cache) Reconcile(snap Device) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.devices[snap.ID]
	if !ok {
		snap.UpdatedAt = time.Now().UTC()
		c.devices[snap.ID] = snap.DeepCopy()
		c.logger.Debug("device seeded", "id", snap.ID, "kind", snap.Kind)
		return
	}

	next := cur.DeepCopy()
	next.Name = snap.Name
	next.Kind = snap.Kind
	next.Mode = snap.Mode
	next.Colour = snap.Colour
	if snap.Kind == KindHomeStation {
		next.Status = snap.Status
	}
	if snap.HardwareVersion != "" {
		next.HardwareVersion = snap.HardwareVersion
	}
	if snap.SoftwareVersion != "" {
		next.SoftwareVersion = snap.SoftwareVersion
	}
	if snap.Signal.Raw != 0 {
		next.Signal = snap.Signal
	}
	if snap.Battery.Raw != 0 {
		next.Battery = snap.Battery
	}
	if pos := newerFix(next.Position, snap.Position); pos != nil {
		next.Position = pos
	}
	next.UpdatedAt = time.Now().UTC()
	c.devices[snap.ID] = next.DeepCopy()
}

// newerFix returns the snapshot position when it should replace the
// current one: the device had no timestamped fix yet, or the snapshot
// fix is timestamped and not older. An untimestamped snapshot fix never
// displaces a timestamped realtime fix.
func newerFix(cur, snap *Position) *Position {
	if snap == nil {
		return nil
	}
	if cur == nil || cur.FixTime == nil {
		return snap
	}
	if snap.FixTime == nil || snap.FixTime.Before(*cur.FixTime) {
		return nil
	}
	return snap
}

// Merge applies a field-level update to a device. Fields present in the
// update overwrite the corresponding attribute; absent fields are left
// untouched. Derived battery and signal values are recomputed when their
// raw inputs change.
//
// Returns the post-merge record and true, or false when the id is
// unknown (the cache never invents records from deltas).
func (c *Cache) Merge(id string, fields map[string]any) (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.devices[id]
	if !ok {
		return Device{}, false
	}

	// Build the merged record as a copy and swap it in, so readers
	// holding the old pointer keep a consistent view.
	next := cur.DeepCopy()
	applyFields(next, fields)
	next.UpdatedAt = time.Now().UTC()
	c.devices[id] = next

	return *next.DeepCopy(), true
}

// applyFields copies each present field onto the device.
func applyFields(d *Device, fields map[string]any) {
	for key, val := range fields {
		switch key {
		case FieldName:
			if s, ok := asString(val); ok {
				d.Name = s
			}
		case FieldBatteryRaw:
			if n, ok := asInt(val); ok {
				d.Battery = BatteryFromRaw(n)
			}
		case FieldSignalRaw:
			if n, ok := asInt(val); ok {
				d.Signal = SignalFromRaw(n)
			}
		case FieldLatitude:
			if f, ok := asFloat(val); ok {
				d.ensurePosition().Latitude = f
			}
		case FieldLongitude:
			if f, ok := asFloat(val); ok {
				d.ensurePosition().Longitude = f
			}
		case FieldFixTime:
			if t, ok := asTime(val); ok {
				pos := d.ensurePosition()
				pos.FixTime = &t
			}
		case FieldSatellites:
			if n, ok := asInt(val); ok {
				d.ensurePosition().Satellites = n
			}
		case FieldFixValid:
			if b, ok := asBool(val); ok {
				d.ensurePosition().Valid = b
			}
		case FieldMode:
			if n, ok := asInt(val); ok {
				d.Mode = Mode(n)
			}
		case FieldModeSet:
			if n, ok := asInt(val); ok {
				d.ModeSet = Mode(n)
			}
		case FieldLED:
			if b, ok := asBool(val); ok {
				d.LED = b
			}
		case FieldBuzzer:
			if b, ok := asBool(val); ok {
				d.Buzzer = b
			}
		case FieldSearch:
			if b, ok := asBool(val); ok {
				d.Search = b
			}
		case FieldSearchDuration:
			if n, ok := asInt(val); ok {
				d.SearchDuration = n
			}
		case FieldHome:
			if b, ok := asBool(val); ok {
				d.Home = b
			}
		case FieldHomeSince:
			if t, ok := asTime(val); ok {
				d.HomeSince = &t
			}
		case FieldCharging:
			if b, ok := asBool(val); ok {
				d.Charging = b
			}
		case FieldStatus:
			if n, ok := asInt(val); ok {
				d.Status = n
			}
		case FieldHardwareVersion:
			if s, ok := asString(val); ok {
				d.HardwareVersion = s
			}
		case FieldSoftwareVersion:
			if s, ok := asString(val); ok {
				d.SoftwareVersion = s
			}
		case FieldColour:
			if n, ok := asInt(val); ok {
				d.Colour = n
			}
		}
	}
}

// ensurePosition returns the device's position record, creating an
// empty one if the device has never reported a fix.
func (d *Device) ensurePosition() *Position {
	if d.Position == nil {
		d.Position = &Position{}
	}
	return d.Position
}
