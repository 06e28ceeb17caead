package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Params is the closed set of command payloads.
type Params interface {
	// Fields returns the JSON object placed in the outgoing "params" (cloud)
	// or "data" (LAN) member.
	Fields() map[string]any

	sealed()
}

// SwitchParams switches a single-channel device.
type SwitchParams struct {
	On bool
}

// Fields returns {"switch": "on"|"off"}.
func (p SwitchParams) Fields() map[string]any {
	return map[string]any{"switch": onOff(p.On)}
}

// Outlet is one channel of a multi-channel device. Outlet numbers start at 0.
type Outlet struct {
	Outlet int
	On     bool
}

// MultiSwitchParams switches one or more channels.
type MultiSwitchParams struct {
	Outlets []Outlet
}

// Fields returns the "switches" array, one {switch, outlet} entry per outlet.
func (p MultiSwitchParams) Fields() map[string]any {
	switches := make([]map[string]any, 0, len(p.Outlets))
	for _, o := range p.Outlets {
		switches = append(switches, map[string]any{
			"switch": onOff(o.On),
			"outlet": o.Outlet,
		})
	}
	return map[string]any{"switches": switches}
}

// RollerParams moves a roller shutter to a position percentage.
type RollerParams struct {
	Position int
}

// Fields returns {"setclose": Position}.
func (p RollerParams) Fields() map[string]any {
	return map[string]any{"setclose": p.Position}
}

// ConsumptionParams requests the stored energy history.
type ConsumptionParams struct{}

// Fields returns the hundredDaysKwh query.
func (ConsumptionParams) Fields() map[string]any {
	return map[string]any{"hundredDaysKwh": "get"}
}

// LEDParams toggles the indicator LED.
type LEDParams struct {
	On bool
}

// Fields returns {"sledOnline": "on"|"off"}.
func (p LEDParams) Fields() map[string]any {
	return map[string]any{"sledOnline": onOff(p.On)}
}

// UIActiveParams activates realtime reporting for a number of seconds.
type UIActiveParams struct {
	Seconds int
}

// Fields returns {"uiActive": Seconds}.
func (p UIActiveParams) Fields() map[string]any {
	return map[string]any{"uiActive": p.Seconds}
}

func (SwitchParams) sealed()      {}
func (MultiSwitchParams) sealed() {}
func (RollerParams) sealed()      {}
func (ConsumptionParams) sealed() {}
func (LEDParams) sealed()         {}
func (UIActiveParams) sealed()    {}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// request is the external command shape accepted by the MQTT bridge and
// the HTTP API:
//
//	{"command":"switch","params":{"switch":"on"}}
//	{"command":"switches","params":{"switches":[{"outlet":1,"switch":"off"}]}}
type request struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
	Local   *bool           `json:"local,omitempty"`
}

// Request is a decoded external command.
type Request struct {
	Command string
	Params  Params

	// Local overrides the LAN eligibility default when set.
	Local *bool
}

// DecodeRequest parses an external JSON command into typed params.
func DecodeRequest(body []byte) (Request, error) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	params, err := ParseParams(req.Command, req.Params)
	if err != nil {
		return Request{}, err
	}
	return Request{Command: req.Command, Params: params, Local: req.Local}, nil
}

// ParseParams decodes the wire params of a named command. Bulk
// pseudo-commands return nil params.
func ParseParams(name string, raw json.RawMessage) (Params, error) {
	var m map[string]json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: params for %s: %v", ErrInvalidParams, name, err)
		}
	}

	switch name {
	case Devices, Device:
		return nil, nil
	case Switch:
		on, err := parseOnOff(m, "switch")
		if err != nil {
			return nil, err
		}
		return SwitchParams{On: on}, nil
	case Switches:
		return parseSwitches(m)
	case SetClose:
		var pos int
		if err := decodeField(m, "setclose", &pos); err != nil {
			return nil, err
		}
		if pos < 0 || pos > 100 {
			return nil, fmt.Errorf("%w: setclose %d out of range 0-100", ErrInvalidParams, pos)
		}
		return RollerParams{Position: pos}, nil
	case Consumption:
		return ConsumptionParams{}, nil
	case LED:
		on, err := parseOnOff(m, "sledOnline")
		if err != nil {
			return nil, err
		}
		return LEDParams{On: on}, nil
	case UIActive:
		var secs int
		if err := decodeField(m, "uiActive", &secs); err != nil {
			return nil, err
		}
		if secs <= 0 {
			return nil, fmt.Errorf("%w: uiActive must be positive", ErrInvalidParams)
		}
		return UIActiveParams{Seconds: secs}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

func parseSwitches(m map[string]json.RawMessage) (Params, error) {
	var items []struct {
		Outlet int    `json:"outlet"`
		Switch string `json:"switch"`
	}
	if err := decodeField(m, "switches", &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: switches is empty", ErrInvalidParams)
	}
	outlets := make([]Outlet, 0, len(items))
	for _, it := range items {
		on, err := onOffValue(it.Switch)
		if err != nil {
			return nil, err
		}
		if it.Outlet < 0 {
			return nil, fmt.Errorf("%w: negative outlet", ErrInvalidParams)
		}
		outlets = append(outlets, Outlet{Outlet: it.Outlet, On: on})
	}
	return MultiSwitchParams{Outlets: outlets}, nil
}

func parseOnOff(m map[string]json.RawMessage, key string) (bool, error) {
	var s string
	if err := decodeField(m, key, &s); err != nil {
		return false, err
	}
	return onOffValue(s)
}

func onOffValue(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on or off, got %q", ErrInvalidParams, s)
	}
}

func decodeField(m map[string]json.RawMessage, key string, dst any) error {
	raw, ok := m[key]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrInvalidParams, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	return nil
}
