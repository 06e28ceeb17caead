package command

import (
	"fmt"
	"strings"
)

// Command names understood by the devices and the cloud.
const (
	// Devices is the bulk "fetch every device" pseudo-command. It carries
	// no device id.
	Devices = "devices"
	// Device is the "refresh one device" pseudo-command.
	Device = "device"

	Switch      = "switch"
	Switches    = "switches"
	SetClose    = "setclose"
	Consumption = "consumption"
	LED         = "sledonline"
	UIActive    = "uiActive"
)

// Priority selects the dispatch tier of a message.
type Priority int

const (
	// PriorityHigh is for user intent and is always drained first.
	PriorityHigh Priority = iota
	// PriorityLow is for polling and telemetry.
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityLow {
		return "low"
	}
	return "high"
}

// Message is one outbound instruction. Build it with one of the New*
// helpers and treat it as a value; the dispatch queue assigns Sequence on
// its own copy.
type Message struct {
	DeviceID string
	Command  string

	// TransportEligible is true when the device and its configuration allow
	// this command to be delivered over the LAN. The dispatcher treats it
	// as opaque.
	TransportEligible bool

	// Params is nil for the bulk pseudo-commands.
	Params Params

	// Sequence is zero until the message is enqueued.
	Sequence int64
}

// IsBulk reports whether name is one of the REST-only pseudo-commands.
func IsBulk(name string) bool {
	return name == Devices || name == Device
}

// Priority returns the dispatch tier for the message.
func (m Message) Priority() Priority {
	switch m.Command {
	case Devices, Device, Consumption, UIActive:
		return PriorityLow
	default:
		return PriorityHigh
	}
}

// Validate checks the structural invariants of a message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidMessage)
	}
	if m.DeviceID == "" && m.Command != Devices {
		return fmt.Errorf("%w: %s requires a device id", ErrInvalidMessage, m.Command)
	}
	if m.Params == nil && !IsBulk(m.Command) {
		return fmt.Errorf("%w: %s requires params", ErrInvalidMessage, m.Command)
	}
	return nil
}

// Fields returns the parameter map sent on the wire, or nil.
func (m Message) Fields() map[string]any {
	if m.Params == nil {
		return nil
	}
	return m.Params.Fields()
}

// String returns a compact description for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s/%s#%d", m.DeviceID, m.Command, m.Sequence)
}

// NewFetchAll builds the bulk device enumeration request.
func NewFetchAll() Message {
	return Message{Command: Devices}
}

// NewFetchOne builds a single-device cloud refresh.
func NewFetchOne(deviceID string) Message {
	return Message{DeviceID: deviceID, Command: Device}
}

// NewSwitch builds a single-channel on/off command.
func NewSwitch(deviceID string, on, local bool) Message {
	return Message{
		DeviceID:          deviceID,
		Command:           Switch,
		TransportEligible: local,
		Params:            SwitchParams{On: on},
	}
}

// NewSwitches builds a multi-channel command. Channels not listed are left
// unchanged by the device.
func NewSwitches(deviceID string, outlets []Outlet, local bool) Message {
	return Message{
		DeviceID:          deviceID,
		Command:           Switches,
		TransportEligible: local,
		Params:            MultiSwitchParams{Outlets: outlets},
	}
}

// NewRoller builds a roller-shutter position command (0 closed, 100 open).
func NewRoller(deviceID string, position int, local bool) Message {
	return Message{
		DeviceID:          deviceID,
		Command:           SetClose,
		TransportEligible: local,
		Params:            RollerParams{Position: position},
	}
}

// NewConsumption requests the 100-day energy history. The cloud answers
// with a state report.
func NewConsumption(deviceID string) Message {
	return Message{
		DeviceID: deviceID,
		Command:  Consumption,
		Params:   ConsumptionParams{},
	}
}

// NewLED toggles the network indicator LED.
func NewLED(deviceID string, on, local bool) Message {
	return Message{
		DeviceID:          deviceID,
		Command:           LED,
		TransportEligible: local,
		Params:            LEDParams{On: on},
	}
}

// NewUIActive asks a power-metering device to push realtime readings for
// the given number of seconds.
func NewUIActive(deviceID string, seconds int) Message {
	return Message{
		DeviceID: deviceID,
		Command:  UIActive,
		Params:   UIActiveParams{Seconds: seconds},
	}
}
