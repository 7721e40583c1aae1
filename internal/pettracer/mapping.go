package pettracer

import (
	"strconv"

	"github.com/pettracer-community/bridge/internal/device"
)

// collarKeyMap translates the short wire keys of a collar delta into the
// canonical device field names. Wire keys not in this table are dropped
// at decode time rather than stored.
var collarKeyMap = map[string]string{
	"bat":       device.FieldBatteryRaw,
	"rssi":      device.FieldSignalRaw,
	"lat":       device.FieldLatitude,
	"lng":       device.FieldLongitude,
	"posTime":   device.FieldFixTime,
	"sat":       device.FieldSatellites,
	"fix":       device.FieldFixValid,
	"mode":      device.FieldMode,
	"modeSet":   device.FieldModeSet,
	"led":       device.FieldLED,
	"buz":       device.FieldBuzzer,
	"search":    device.FieldSearch,
	"searchDur": device.FieldSearchDuration,
	"home":      device.FieldHome,
	"homeSince": device.FieldHomeSince,
	"charging":  device.FieldCharging,
	"status":    device.FieldStatus,
	"hwV":       device.FieldHardwareVersion,
	"swV":       device.FieldSoftwareVersion,
	"color":     device.FieldColour,
	"name":      device.FieldName,
}

// payloadDeviceID extracts the device id from a decoded delta payload.
// The vendor sends ids as JSON numbers on some frames and strings on
// others; both normalise to the string key used by the cache.
func payloadDeviceID(payload map[string]any) (string, bool) {
	for _, key := range []string{"id", "devId", "ccId"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatInt(int64(v), 10), true
		}
	}
	return "", false
}

// remapCollarDelta translates a raw collar payload into canonical device
// fields. Unknown wire keys are returned separately so the caller can
// log them at debug level.
func remapCollarDelta(payload map[string]any) (fields map[string]any, unknown []string) {
	fields = make(map[string]any, len(payload))
	for key, val := range payload {
		if key == "id" || key == "devId" || key == "ccId" {
			continue
		}
		canonical, ok := collarKeyMap[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		fields[canonical] = val
	}
	return fields, unknown
}
