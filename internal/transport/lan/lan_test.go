package lan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"
)

const testKey = "0123456789abcdef-device-key"

// sameJSON reports whether two JSON documents decode to equal values.
func sameJSON(t *testing.T, got, want []byte) bool {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal %s: %v", got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("unmarshal %s: %v", want, err)
	}
	return reflect.DeepEqual(g, w)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, plain := range []string{`{"switch":"on"}`, "", "exactly16bytes!!", `{"switches":[{"outlet":0,"switch":"off"}]}`} {
		iv, data, err := Encrypt(testKey, []byte(plain))
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", plain, err)
		}

		got, err := Decrypt(testKey, iv, data)
		if err != nil {
			t.Fatalf("Decrypt(%q) error: %v", plain, err)
		}
		if string(got) != plain {
			t.Errorf("Decrypt() = %q, want %q", got, plain)
		}
	}
}

func TestEncrypt_DeterministicWithFixedIV(t *testing.T) {
	zeroIV := bytes.NewReader(make([]byte, 16))
	iv, data, err := encryptWithIV(testKey, []byte(`{"switch":"on"}`), zeroIV)
	if err != nil {
		t.Fatalf("encryptWithIV() error: %v", err)
	}
	if want := "AAAAAAAAAAAAAAAAAAAAAA=="; iv != want {
		t.Errorf("iv = %q, want %q", iv, want)
	}

	// 15 bytes of plaintext pad to exactly one block.
	raw, err := Decrypt(testKey, iv, data)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !sameJSON(t, raw, []byte(`{"switch":"on"}`)) {
		t.Errorf("Decrypt() = %s, want switch on", raw)
	}
}

func TestDecrypt_Errors(t *testing.T) {
	iv, data, err := Encrypt(testKey, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	tests := []struct {
		name string
		key  string
		iv   string
		data string
		want error
	}{
		{"missing key", "", iv, data, ErrMissingKey},
		{"bad iv", testKey, "not base64!", data, ErrDecrypt},
		{"short ciphertext", testKey, iv, "AAAA", ErrDecrypt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.key, tt.iv, tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}

	// Wrong key almost always yields invalid padding.
	_, err = Decrypt("another-key", iv, data)
	if err == nil {
		t.Skip("wrong key happened to produce valid padding")
	}
	if !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt(wrong key) error = %v, want %v", err, ErrDecrypt)
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		ip   string
		port int
		path string
		want string
	}{
		{"192.168.1.5", 8081, "switch", "http://192.168.1.5:8081/zeroconf/switch"},
		{"10.0.0.1", 0, "switches", "http://10.0.0.1:8081/zeroconf/switches"},
		{"fe80::1", 9000, "info", "http://[fe80::1]:9000/zeroconf/info"},
	}
	for _, tt := range tests {
		if got := URL(tt.ip, tt.port, tt.path); got != tt.want {
			t.Errorf("URL(%q, %d, %q) = %q, want %q", tt.ip, tt.port, tt.path, got, tt.want)
		}
	}
}

func TestEncodePayload_Plain(t *testing.T) {
	body, err := EncodePayload("1000abcdef", "", 42, map[string]any{"switch": "on"}, false)
	if err != nil {
		t.Fatalf("EncodePayload() error: %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["sequence"] != "42" {
		t.Errorf("sequence = %v, want 42", env["sequence"])
	}
	if env["deviceid"] != "1000abcdef" {
		t.Errorf("deviceid = %v, want 1000abcdef", env["deviceid"])
	}
	if env["selfApikey"] != "123" {
		t.Errorf("selfApikey = %v, want 123", env["selfApikey"])
	}
	if want := map[string]any{"switch": "on"}; !reflect.DeepEqual(env["data"], want) {
		t.Errorf("data = %v, want %v", env["data"], want)
	}
	for _, key := range []string{"iv", "encrypt"} {
		if _, ok := env[key]; ok {
			t.Errorf("plain payload should not carry %q", key)
		}
	}
}

func TestEncodePayload_Encrypted(t *testing.T) {
	body, err := EncodePayload("1000abcdef", testKey, 7, map[string]any{"switch": "off"}, true)
	if err != nil {
		t.Fatalf("EncodePayload() error: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.Encrypt {
		t.Error("encrypt flag not set")
	}
	if env.IV == "" {
		t.Fatal("iv is empty")
	}

	var data string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data is not a string: %v", err)
	}
	plain, err := Decrypt(testKey, env.IV, data)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !sameJSON(t, plain, []byte(`{"switch":"off"}`)) {
		t.Errorf("decrypted data = %s, want switch off", plain)
	}

	if _, err := EncodePayload("1000abcdef", "", 7, nil, true); !errors.Is(err, ErrMissingKey) {
		t.Errorf("EncodePayload(no key) error = %v, want %v", err, ErrMissingKey)
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	pushes map[string][]byte
}

func (h *recordingHandler) OnLocalPush(deviceID string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pushes == nil {
		h.pushes = make(map[string][]byte)
	}
	h.pushes[deviceID] = body
}

func (h *recordingHandler) get(id string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pushes[id]
}

func TestClient_SendLocal_Encrypted(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)

		iv, data, err := Encrypt(testKey, []byte(`{"switch":"on","power":"3.10"}`))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"seq": 3, "sequence": "99", "error": 0, "encrypt": true, "iv": iv, "data": data,
		})
	}))
	defer srv.Close()

	handler := &recordingHandler{}
	client := NewClient(2*time.Second, handler)

	payload, err := EncodePayload("dev1", testKey, 99, map[string]any{"switch": "on"}, true)
	if err != nil {
		t.Fatalf("EncodePayload() error: %v", err)
	}

	err = client.SendLocal(context.Background(), Request{
		DeviceID:  "dev1",
		URL:       srv.URL + "/zeroconf/switch",
		Payload:   payload,
		DeviceKey: testKey,
	})
	if err != nil {
		t.Fatalf("SendLocal() error: %v", err)
	}

	if gotPath != "/zeroconf/switch" {
		t.Errorf("path = %q, want /zeroconf/switch", gotPath)
	}
	if !bytes.Equal(gotBody, payload) {
		t.Errorf("body = %s, want %s", gotBody, payload)
	}

	var pushed map[string]any
	if err := json.Unmarshal(handler.get("dev1"), &pushed); err != nil {
		t.Fatalf("pushed body unmarshal: %v", err)
	}
	if want := map[string]any{"switch": "on", "power": "3.10"}; !reflect.DeepEqual(pushed["data"], want) {
		t.Errorf("pushed data = %v, want %v", pushed["data"], want)
	}
	if _, ok := pushed["iv"]; ok {
		t.Error("pushed body should be decrypted and carry no iv")
	}
}

func TestClient_SendLocal_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"seq":1,"error":400}`))
	}))
	defer srv.Close()

	handler := &recordingHandler{}
	client := NewClient(time.Second, handler)

	err := client.SendLocal(context.Background(), Request{DeviceID: "dev1", URL: srv.URL})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("SendLocal() error = %v, want %v", err, ErrRejected)
	}
	// The device answered, so the body still reaches the reconciler.
	if handler.get("dev1") == nil {
		t.Error("rejected response was not handed to the handler")
	}
}

func TestClient_SendLocal_Failures(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		handler := &recordingHandler{}
		err := NewClient(time.Second, handler).SendLocal(context.Background(), Request{DeviceID: "d", URL: srv.URL})
		if !errors.Is(err, ErrStatus) {
			t.Errorf("SendLocal() error = %v, want %v", err, ErrStatus)
		}
		if handler.get("d") != nil {
			t.Error("non-2xx response should not reach the handler")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		if err := NewClient(time.Second, nil).SendLocal(context.Background(), Request{DeviceID: "d", URL: url}); err == nil {
			t.Error("SendLocal() to a closed server should fail")
		}
	})

	t.Run("bad json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		err := NewClient(time.Second, nil).SendLocal(context.Background(), Request{DeviceID: "d", URL: srv.URL})
		if err == nil {
			t.Fatal("SendLocal() with a non-JSON body should fail")
		}
		if errors.Is(err, ErrStatus) {
			t.Errorf("SendLocal() error = %v, should not be a status error", err)
		}
	})
}
