package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the bridge's MQTT surface.
//
// All topics live under the flat scheme: pettracer/{category}/...
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "pettracer"

	// TopicPrefixDevice is the base for per-device topics.
	TopicPrefixDevice = "pettracer/device"

	// TopicPrefixBridge is the base for bridge lifecycle topics.
	TopicPrefixBridge = "pettracer/bridge"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("4711")
//	// Returns: "pettracer/device/4711/state"
type Topics struct{}

// DeviceState returns the retained full-state topic for a device.
//
// Example: pettracer/device/4711/state
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, deviceID)
}

// DeviceEvent returns the per-update event topic for a device. Unlike
// the state topic, events carry only the fields that changed.
//
// Example: pettracer/device/4711/event
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/%s/event", TopicPrefixDevice, deviceID)
}

// DeviceCommand returns the inbound command topic for a device.
// Automation consumers publish control requests here and the bridge
// forwards them to the vendor cloud.
//
// Example: pettracer/device/4711/set
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/set", TopicPrefixDevice, deviceID)
}

// BridgeStatus returns the bridge lifecycle topic. Online/offline
// payloads are retained here, and the broker publishes the offline
// payload as the last will when the bridge dies uncleanly.
//
// Example: pettracer/bridge/status
func (Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixBridge)
}

// AllDeviceStates returns a pattern matching every device state topic.
//
// Pattern: pettracer/device/+/state
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixDevice)
}

// AllDeviceEvents returns a pattern matching every device event topic.
//
// Pattern: pettracer/device/+/event
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/+/event", TopicPrefixDevice)
}

// AllDeviceCommands returns a pattern matching every device command
// topic.
//
// Pattern: pettracer/device/+/set
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/set", TopicPrefixDevice)
}

// DeviceIDFromTopic extracts the device id segment from a per-device
// topic such as pettracer/device/4711/set. Returns false when the
// topic does not follow that shape.
func DeviceIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: pettracer/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
