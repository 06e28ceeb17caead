package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the daemon publishes or subscribes to.
//
// Layout:
//
//	sonoff/state/{device_id}     retained Device State snapshot
//	sonoff/command/{device_id}   inbound command requests
//	sonoff/connection            retained account connectivity
//	sonoff/system/status         retained daemon online/offline (LWT)
const TopicPrefix = "sonoff"

// Topics builds topic names. The zero value is ready to use.
//
//	mqtt.Topics{}.DeviceState("1000abcdef") // "sonoff/state/1000abcdef"
type Topics struct{}

// DeviceState returns the retained state topic for a device.
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// DeviceCommand returns the command topic for a device.
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// AllDeviceCommands matches every device command topic.
//
// Pattern: sonoff/command/+
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/command/+"
}

// AllDeviceStates matches every device state topic.
//
// Pattern: sonoff/state/+
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/state/+"
}

// Connection returns the account connectivity topic.
func (Topics) Connection() string {
	return TopicPrefix + "/connection"
}

// SystemStatus returns the daemon status topic used for the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceIDFromCommand extracts the device id from a command topic.
// It returns false for topics outside sonoff/command/.
func (Topics) DeviceIDFromCommand(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
