package cloud

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cloud socket actions.
const (
	ActionUpdate     = "update"
	ActionSysmsg     = "sysmsg"
	ActionUserOnline = "userOnline"
)

// userAgent identifies frames sent by an app rather than a device.
const userAgent = "app"

// updateFrame is the outbound command frame.
type updateFrame struct {
	Action    string         `json:"action"`
	APIKey    string         `json:"apikey"`
	DeviceID  string         `json:"deviceid"`
	Params    map[string]any `json:"params"`
	UserAgent string         `json:"userAgent"`
	Sequence  string         `json:"sequence"`
}

// EncodeUpdate builds the socket frame carrying a command for deviceID.
func EncodeUpdate(apiKey, deviceID string, sequence int64, params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(updateFrame{
		Action:    ActionUpdate,
		APIKey:    apiKey,
		DeviceID:  deviceID,
		Params:    params,
		UserAgent: userAgent,
		Sequence:  strconv.FormatInt(sequence, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding update frame: %w", err)
	}
	return data, nil
}

// handshakeFrame opens a session on a freshly dialled socket.
type handshakeFrame struct {
	Action    string `json:"action"`
	At        string `json:"at"`
	APIKey    string `json:"apikey"`
	AppID     string `json:"appid"`
	Nonce     string `json:"nonce"`
	TS        int64  `json:"ts"`
	UserAgent string `json:"userAgent"`
	Sequence  string `json:"sequence"`
	Version   int    `json:"version"`
}

func encodeHandshake(token, apiKey, appID, nonce string, now time.Time) ([]byte, error) {
	return json.Marshal(handshakeFrame{
		Action:    ActionUserOnline,
		At:        token,
		APIKey:    apiKey,
		AppID:     appID,
		Nonce:     nonce,
		TS:        now.Unix(),
		UserAgent: userAgent,
		Sequence:  strconv.FormatInt(now.UnixMilli(), 10),
		Version:   8,
	})
}

// handshakeReply is the server answer to userOnline.
type handshakeReply struct {
	Error  int    `json:"error"`
	Reason string `json:"reason"`
	Config struct {
		HB         int `json:"hb"`
		HBInterval int `json:"hbInterval"`
	} `json:"config"`
}

// Frame is an inbound socket frame. State reports carry Action, DeviceID
// and Params; acknowledgements carry only Sequence and Error.
type Frame struct {
	Action   string         `json:"action"`
	DeviceID string         `json:"deviceid"`
	APIKey   string         `json:"apikey"`
	Params   map[string]any `json:"params"`
	Sequence Sequence       `json:"sequence"`
	Error    *int           `json:"error"`
}

// IsStateReport reports whether the frame carries device fields.
func (f Frame) IsStateReport() bool {
	return f.Action == ActionUpdate || f.Action == ActionSysmsg
}

// IsAck reports whether the frame acknowledges a sent command.
func (f Frame) IsAck() bool {
	return f.Action == "" && f.Error != nil
}

// DecodeFrame parses an inbound socket frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return f, nil
}

// Sequence accepts the sequence member as either a JSON string or number.
type Sequence int64

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sequence) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Some firmware sends non-numeric sequences; they cannot be correlated.
		*s = 0
		return nil //nolint:nilerr // tolerated
	}
	*s = Sequence(n)
	return nil
}

// Thing is one entry of a thingList response.
type Thing struct {
	ItemType int       `json:"itemType"`
	ItemData ThingData `json:"itemData"`
}

// ThingData is the device record inside a Thing.
type ThingData struct {
	DeviceID  string         `json:"deviceid"`
	Name      string         `json:"name"`
	Online    bool           `json:"online"`
	DeviceKey string         `json:"devicekey"`
	APIKey    string         `json:"apikey"`
	Params    map[string]any `json:"params"`
	Extra     thingExtra     `json:"extra"`
}

// thingExtra holds the product id, nested one level deeper on older accounts.
type thingExtra struct {
	UIID  int `json:"uiid"`
	Extra struct {
		UIID int `json:"uiid"`
	} `json:"extra"`
}

// UIID returns the product type id.
func (d ThingData) UIID() int {
	if d.Extra.UIID != 0 {
		return d.Extra.UIID
	}
	return d.Extra.Extra.UIID
}

// thingListResponse is the REST envelope of /v2/device/thing.
type thingListResponse struct {
	Error int    `json:"error"`
	Msg   string `json:"msg"`
	Data  struct {
		ThingList []Thing `json:"thingList"`
		Total     int     `json:"total"`
	} `json:"data"`
}

// DecodeThingList parses a thingList REST response. A non-zero error code
// is returned as ErrAPI.
func DecodeThingList(body []byte) ([]Thing, error) {
	var resp thingListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if resp.Error != 0 {
		return nil, fmt.Errorf("%w: error %d: %s", ErrAPI, resp.Error, resp.Msg)
	}
	return resp.Data.ThingList, nil
}
