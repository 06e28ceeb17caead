package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-sonoff/internal/account"
	"github.com/nerrad567/gray-logic-sonoff/internal/auth"
	"github.com/nerrad567/gray-logic-sonoff/internal/bridge"
	"github.com/nerrad567/gray-logic-sonoff/internal/command"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

// fakeAccount implements Account with an in-memory device map.
type fakeAccount struct {
	mu        sync.Mutex
	status    account.Status
	states    map[string]*device.State
	submitted []submission
	submitErr error
}

type submission struct {
	DeviceID string
	Request  command.Request
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{
		status: account.Status{Mode: "mixed", Connection: "both", Ready: true},
		states: make(map[string]*device.State),
	}
}

func (f *fakeAccount) add(id string, fields map[string]any) *device.State {
	st := device.NewState(id, "key-"+id)
	st.Merge(fields)
	f.mu.Lock()
	f.states[id] = st
	f.mu.Unlock()
	return st
}

func (f *fakeAccount) Status() account.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.Devices = len(f.states)
	return st
}

func (f *fakeAccount) Devices() []device.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]device.Snapshot, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st.Snapshot())
	}
	return out
}

func (f *fakeAccount) DeviceState(id string) (*device.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	return st, ok
}

func (f *fakeAccount) Submit(deviceID string, req command.Request) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.submitted = append(f.submitted, submission{DeviceID: deviceID, Request: req})
	return int64(len(f.submitted)), nil
}

// fakeHistory implements device.HistoryRepository.
type fakeHistory struct {
	entries []device.HistoryEntry
	err     error
}

func (h *fakeHistory) RecordStateChange(context.Context, string, map[string]any, string) error {
	return nil
}

func (h *fakeHistory) GetHistory(_ context.Context, deviceID string, limit int) ([]device.HistoryEntry, error) {
	if h.err != nil {
		return nil, h.err
	}
	var out []device.HistoryEntry
	for _, e := range h.entries {
		if e.DeviceID == deviceID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *fakeHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type staticBridge bridge.Metrics

func (b staticBridge) Metrics() bridge.Metrics { return bridge.Metrics(b) }

func testServer(t *testing.T, mutate func(*Deps)) (*Server, *fakeAccount, *httptest.Server) {
	t.Helper()

	acct := newFakeAccount()
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger:  logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Account: acct,
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return srv, acct, ts
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, out
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	if _, err := New(Deps{Account: newFakeAccount()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without account should fail")
	}
}

func TestHandleHealth(t *testing.T) {
	_, acct, ts := testServer(t, nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" || body["mode"] != "mixed" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}

	acct.mu.Lock()
	acct.status.Ready = false
	acct.mu.Unlock()

	_, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/health", "")
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestListDevices(t *testing.T) {
	_, acct, ts := testServer(t, nil)
	acct.add("d2", map[string]any{"switch": "off"})
	acct.add("d1", map[string]any{"switch": "on"})

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	devices, _ := body["devices"].([]any)
	if len(devices) != 2 {
		t.Fatalf("devices = %v", body["devices"])
	}
	first, _ := devices[0].(map[string]any)
	if first["deviceid"] != "d1" {
		t.Errorf("first device = %v, want d1", first["deviceid"])
	}
	if _, leaked := first["DeviceKey"]; leaked {
		t.Error("device key exposed")
	}
}

func TestGetDevice(t *testing.T) {
	_, acct, ts := testServer(t, nil)
	st := acct.add("1000abcdef", map[string]any{"switch": "on", "power": 12.5})
	st.SetIPAddress("192.168.1.50")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/1000abcdef", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	params, _ := body["params"].(map[string]any)
	if params["switch"] != "on" || params["power"] != 12.5 {
		t.Errorf("params = %v", params)
	}
	if body["ip_address"] != "192.168.1.50" {
		t.Errorf("ip_address = %v", body["ip_address"])
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != ErrCodeNotFound {
		t.Errorf("code = %v", body["code"])
	}
}

func TestDeviceCommand_Accepted(t *testing.T) {
	_, acct, ts := testServer(t, nil)
	acct.add("d1", nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/d1/command",
		`{"command":"switches","params":{"switches":[{"outlet":1,"switch":"on"}]},"local":false}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %v)", resp.StatusCode, body)
	}
	if body["sequence"] != float64(1) || body["command"] != command.Switches {
		t.Errorf("body = %v", body)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if len(acct.submitted) != 1 {
		t.Fatalf("submitted %d, want 1", len(acct.submitted))
	}
	got := acct.submitted[0]
	if got.DeviceID != "d1" {
		t.Errorf("device = %q", got.DeviceID)
	}
	params, ok := got.Request.Params.(command.MultiSwitchParams)
	if !ok || len(params.Outlets) != 1 || params.Outlets[0] != (command.Outlet{Outlet: 1, On: true}) {
		t.Errorf("params = %#v", got.Request.Params)
	}
	if got.Request.Local == nil || *got.Request.Local {
		t.Errorf("local override = %v, want false", got.Request.Local)
	}
}

func TestDeviceCommand_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{"malformed json", "/api/v1/devices/d1/command", `{`, nil, http.StatusBadRequest},
		{"unknown command", "/api/v1/devices/d1/command", `{"command":"explode"}`, nil, http.StatusBadRequest},
		{"bad params", "/api/v1/devices/d1/command", `{"command":"setclose","params":{"setclose":101}}`, nil, http.StatusBadRequest},
		{"bulk refresh", "/api/v1/devices/d1/command", `{"command":"devices"}`, nil, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/d1/command", `{"command":"switch","params":{"switch":"on"}}`, fmt.Errorf("%w: d1", account.ErrUnknownDevice), http.StatusNotFound},
		{"not ready", "/api/v1/devices/d1/command", `{"command":"switch","params":{"switch":"on"}}`, account.ErrNotReady, http.StatusServiceUnavailable},
		{"validation", "/api/v1/devices/d1/command", `{"command":"switch","params":{"switch":"on"}}`, command.ErrInvalidMessage, http.StatusBadRequest},
		{"internal", "/api/v1/devices/d1/command", `{"command":"switch","params":{"switch":"on"}}`, errors.New("boom"), http.StatusInternalServerError},
		{"oversized id", "/api/v1/devices/" + strings.Repeat("a", maxDeviceIDLen+1) + "/command", `{"command":"switch","params":{"switch":"on"}}`, nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, acct, ts := testServer(t, nil)
			acct.submitErr = tt.submitErr

			resp, body := doRequest(t, http.MethodPost, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tt.wantStatus, body)
			}
			if body["status"] != float64(tt.wantStatus) {
				t.Errorf("error body = %v", body)
			}
		})
	}
}

func TestRefreshEndpoints(t *testing.T) {
	_, acct, ts := testServer(t, nil)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/refresh", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("refresh status = %d, want 202", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/new1/refresh", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("device refresh status = %d, want 202", resp.StatusCode)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	want := []submission{
		{DeviceID: "", Request: command.Request{Command: command.Devices}},
		{DeviceID: "new1", Request: command.Request{Command: command.Device}},
	}
	if len(acct.submitted) != len(want) {
		t.Fatalf("submitted = %+v", acct.submitted)
	}
	for i := range want {
		if acct.submitted[i].DeviceID != want[i].DeviceID || acct.submitted[i].Request.Command != want[i].Request.Command {
			t.Errorf("submitted[%d] = %+v, want %+v", i, acct.submitted[i], want[i])
		}
	}
}

func TestDeviceHistory(t *testing.T) {
	now := time.Now().UTC()
	history := &fakeHistory{entries: []device.HistoryEntry{
		{ID: 2, DeviceID: "d1", Fields: map[string]any{"switch": "off"}, Source: "lan", CreatedAt: now},
		{ID: 1, DeviceID: "d1", Fields: map[string]any{"switch": "on"}, Source: "cloud", CreatedAt: now.Add(-time.Hour)},
	}}
	_, acct, ts := testServer(t, func(d *Deps) { d.History = history })
	acct.add("d1", nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/d1/history", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}

	since := now.Add(-time.Minute).Format(time.RFC3339Nano)
	_, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/d1/history?since="+since, "")
	if body["count"] != float64(1) {
		t.Errorf("count with since = %v, want 1", body["count"])
	}

	for _, q := range []string{"limit=0", "limit=abc", "limit=201", "since=yesterday"} {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/d1/history?"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/unknown/history", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestDeviceHistory_Unavailable(t *testing.T) {
	_, acct, ts := testServer(t, nil)
	acct.add("d1", nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/d1/history", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body["code"] != ErrCodeServiceUnavailable {
		t.Errorf("code = %v", body["code"])
	}
}

func TestParseHistoryLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", defaultHistoryLimit, false},
		{"1", 1, false},
		{"200", 200, false},
		{"201", 0, true},
		{"-3", 0, true},
		{"x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseHistoryLimit(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseHistoryLimit(%q) = %d, %v", tt.raw, got, err)
		}
	}
}

func TestConnectionAndMetrics(t *testing.T) {
	_, acct, ts := testServer(t, func(d *Deps) {
		d.Bridge = staticBridge{StatesPublished: 7, CommandsAccepted: 2}
	})
	acct.add("d1", nil).SetCloudOnline(true)
	st := acct.add("d2", nil)
	st.SetLocalOnline(true)
	st.SetIPAddress("10.0.0.2")

	_, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/connection", "")
	if body["connection"] != "both" || body["ready"] != true || body["devices"] != float64(2) {
		t.Errorf("connection = %v", body)
	}
	br, _ := body["bridge"].(map[string]any)
	if br["states_published"] != float64(7) {
		t.Errorf("bridge = %v", body["bridge"])
	}

	_, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/metrics", "")
	devices, _ := body["devices"].(map[string]any)
	if devices["total"] != float64(2) || devices["cloud_online"] != float64(1) ||
		devices["local_online"] != float64(1) || devices["with_address"] != float64(1) {
		t.Errorf("devices = %v", devices)
	}
	if _, ok := body["database"]; ok {
		t.Error("database metrics reported without a database")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	_, _, ts := testServer(t, nil)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/health", "")
	if _, err := uuid.Parse(resp.Header.Get("X-Request-ID")); err != nil {
		t.Errorf("generated request id %q is not a UUID", resp.Header.Get("X-Request-ID"))
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestWebSocket_StateBroadcast(t *testing.T) {
	srv, _, ts := testServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	sub := `{"type":"subscribe","id":"1","payload":{"channels":["device.state.d1"]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	// Another device's update must not reach this subscriber.
	srv.StateChanged(reconcile.FieldUpdate{DeviceID: "d2", Source: "lan"}, device.Snapshot{ID: "d2"})
	srv.StateChanged(
		reconcile.FieldUpdate{DeviceID: "d1", Source: "cloud", Fields: map[string]any{"switch": "on"}},
		device.Snapshot{ID: "d1", DeviceKey: "secret", Fields: map[string]any{"switch": "on", "power": 3.0}},
	)

	var ev struct {
		Type      string         `json:"type"`
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != "device.state.d1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Payload["deviceid"] != "d1" || ev.Payload["source"] != "cloud" {
		t.Errorf("payload = %v", ev.Payload)
	}
	changed, _ := ev.Payload["changed"].(map[string]any)
	if changed["switch"] != "on" || len(changed) != 1 {
		t.Errorf("changed = %v", changed)
	}
	if _, leaked := ev.Payload["DeviceKey"]; leaked {
		t.Error("device key broadcast")
	}
	if n := srv.hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestAuth_Scopes(t *testing.T) {
	const secret = "test-secret-key-at-least-32-characters-long"
	_, acct, ts := testServer(t, func(d *Deps) {
		d.Config.Auth = config.APIAuthConfig{Enabled: true, JWTSecret: secret}
	})
	acct.add("d1", nil)

	read, err := auth.GenerateToken("viewer", auth.ScopeRead, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	control, err := auth.GenerateToken("panel", auth.ScopeControl, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", http.StatusOK},
		{"read without token", http.MethodGet, "/api/v1/devices", "", http.StatusUnauthorized},
		{"read with garbage", http.MethodGet, "/api/v1/devices", "garbage", http.StatusUnauthorized},
		{"read with read token", http.MethodGet, "/api/v1/devices", read, http.StatusOK},
		{"read with control token", http.MethodGet, "/api/v1/devices/d1", control, http.StatusOK},
		{"command with read token", http.MethodPost, "/api/v1/refresh", read, http.StatusForbidden},
		{"command with control token", http.MethodPost, "/api/v1/refresh", control, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/connection?token="+read, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token status = %d, want 200", resp.StatusCode)
	}
}
