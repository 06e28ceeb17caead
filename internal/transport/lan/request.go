package lan

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the LAN control port of eWeLink firmware.
const DefaultPort = 8081

// selfAPIKey is a fixed placeholder the firmware expects in every request.
const selfAPIKey = "123"

// Request is one LAN command ready to send.
type Request struct {
	DeviceID string
	URL      string
	Payload  []byte

	// DeviceKey decrypts the response; empty for plaintext devices.
	DeviceKey string
}

// URL builds http://<ip>:<port>/zeroconf/<command>.
func URL(ip string, port int, command string) string {
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("http://%s/zeroconf/%s", net.JoinHostPort(ip, strconv.Itoa(port)), command)
}

// envelope is the JSON body of LAN requests and responses.
type envelope struct {
	Sequence   string          `json:"sequence,omitempty"`
	DeviceID   string          `json:"deviceid,omitempty"`
	SelfAPIKey string          `json:"selfApikey,omitempty"`
	Encrypt    bool            `json:"encrypt,omitempty"`
	IV         string          `json:"iv,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// EncodePayload builds the request body for a command. When encrypt is
// set the params are sealed with the device key and sent as base64 with
// their IV; otherwise they are sent as a plain JSON object.
func EncodePayload(deviceID, deviceKey string, sequence int64, params map[string]any, encrypt bool) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	plain, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshalling params: %w", err)
	}

	env := envelope{
		Sequence:   strconv.FormatInt(sequence, 10),
		DeviceID:   deviceID,
		SelfAPIKey: selfAPIKey,
	}

	if encrypt {
		iv, data, err := Encrypt(deviceKey, plain)
		if err != nil {
			return nil, err
		}
		quoted, _ := json.Marshal(data) //nolint:errcheck // marshalling a string cannot fail
		env.Encrypt = true
		env.IV = iv
		env.Data = quoted
	} else {
		env.Data = plain
	}

	return json.Marshal(env)
}

// decodeResponse normalizes a device response: an encrypted "data" string
// is decrypted and replaced by the JSON object it carries. The returned
// body is always plain JSON; errCode is the device's "error" member.
func decodeResponse(body []byte, deviceKey string) (normalized []byte, errCode int, err error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fmt.Errorf("decoding response: %w", err)
	}

	if v, ok := raw["error"]; ok {
		_ = json.Unmarshal(v, &errCode) //nolint:errcheck // non-numeric codes are treated as 0
	}

	ivRaw, hasIV := raw["iv"]
	dataRaw, hasData := raw["data"]
	if !hasIV || !hasData {
		return body, errCode, nil
	}

	var iv, data string
	if json.Unmarshal(ivRaw, &iv) != nil || json.Unmarshal(dataRaw, &data) != nil {
		return body, errCode, nil
	}

	plain, err := Decrypt(deviceKey, iv, data)
	if err != nil {
		return nil, errCode, err
	}
	if !json.Valid(plain) {
		return nil, errCode, fmt.Errorf("%w: decrypted data is not JSON", ErrDecrypt)
	}

	raw["data"] = plain
	delete(raw, "iv")
	delete(raw, "encrypt")

	normalized, err = json.Marshal(raw)
	if err != nil {
		return nil, errCode, fmt.Errorf("re-encoding response: %w", err)
	}
	return normalized, errCode, nil
}
