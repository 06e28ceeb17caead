package account

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-sonoff/internal/command"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/dispatch"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "json"}, "test")
}

func testConfig(mode string) *config.Config {
	return &config.Config{
		Account: config.AccountConfig{
			Mode:        mode,
			Region:      "eu",
			AppID:       "app",
			APIKey:      "key",
			AccessToken: "tok",
		},
		Local: config.LocalConfig{RequestTimeout: 2},
		Cloud: config.CloudConfig{
			// Unreachable unless a test points it somewhere.
			RESTURL:           "http://127.0.0.1:1",
			WebSocketURL:      "ws://127.0.0.1:1/api/ws",
			ReconnectInterval: 1,
			PingInterval:      60,
			RequestTimeout:    2,
		},
	}
}

// fakeRepository is a mutex-guarded in-memory device.Repository and
// device.HistoryRepository.
type fakeRepository struct {
	mu      sync.Mutex
	cached  []device.Snapshot
	saved   map[string]device.Snapshot
	history []device.HistoryEntry
}

func newFakeRepository(cached ...device.Snapshot) *fakeRepository {
	return &fakeRepository{cached: cached, saved: make(map[string]device.Snapshot)}
}

func (r *fakeRepository) Save(_ context.Context, snap device.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[snap.ID] = snap
	return nil
}

func (r *fakeRepository) Get(_ context.Context, id string) (device.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.saved[id]
	if !ok {
		return device.Snapshot{}, device.ErrDeviceNotFound
	}
	return snap, nil
}

func (r *fakeRepository) List(context.Context) ([]device.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Snapshot(nil), r.cached...), nil
}

func (r *fakeRepository) RecordStateChange(_ context.Context, id string, fields map[string]any, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, device.HistoryEntry{DeviceID: id, Fields: fields, Source: source})
	return nil
}

func (r *fakeRepository) GetHistory(context.Context, string, int) ([]device.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.HistoryEntry(nil), r.history...), nil
}

func (r *fakeRepository) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (r *fakeRepository) savedSnapshot(id string) (device.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.saved[id]
	return snap, ok
}

func (r *fakeRepository) historyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startAccount(t *testing.T, opts Options) *Account {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := a.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return a
}

func TestNew_InvalidMode(t *testing.T) {
	_, err := New(Options{Config: testConfig("hybrid"), Logger: testLogger()})
	if !errors.Is(err, dispatch.ErrInvalidMode) {
		t.Fatalf("New() error = %v, want ErrInvalidMode", err)
	}

	if _, err := New(Options{}); err == nil {
		t.Fatal("New() without config succeeded")
	}
}

func TestAccount_LocalSwitch(t *testing.T) {
	type lanRequest struct {
		path string
		body map[string]any
	}
	requests := make(chan lanRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests <- lanRequest{path: r.URL.Path, body: body}
		_, _ = w.Write([]byte(`{"seq":1,"error":0,"data":{"switch":"on"}}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	cfg := testConfig(config.ModeLocal)
	cfg.Local.Port = port
	cfg.Devices = []config.DeviceConfig{{ID: "d1", IPAddress: "127.0.0.1"}}

	repo := newFakeRepository()
	a := startAccount(t, Options{Config: cfg, Repository: repo, History: repo})

	if got := a.Status(); !got.Ready || got.Connection != "local_only" {
		t.Fatalf("Status() = %+v, want ready and local_only", got)
	}

	notified := make(chan *device.State, 1)
	a.AddListener("d1", func(st *device.State) { notified <- st })
	if _, ok := a.DeviceListener("d1"); !ok {
		t.Fatal("DeviceListener() missing after AddListener")
	}

	seq, err := a.Submit("d1", command.Request{Command: command.Switch, Params: command.SwitchParams{On: true}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if seq == 0 {
		t.Error("Submit() returned zero sequence")
	}

	select {
	case req := <-requests:
		if req.path != "/zeroconf/switch" {
			t.Errorf("path = %q, want /zeroconf/switch", req.path)
		}
		if req.body["deviceid"] != "d1" {
			t.Errorf("deviceid = %v, want d1", req.body["deviceid"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LAN request not received")
	}

	select {
	case st := <-notified:
		if v, _ := st.Field("switch"); v != "on" {
			t.Errorf("switch = %v, want on", v)
		}
		if !st.LocalOnline() {
			t.Error("LocalOnline() = false after LAN response")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener not called")
	}

	waitFor(t, "persisted snapshot", func() bool {
		snap, ok := repo.savedSnapshot("d1")
		return ok && snap.Fields["switch"] == "on"
	})
	waitFor(t, "history row", func() bool { return repo.historyLen() == 1 })

	a.RemoveListener("d1")
	if _, ok := a.DeviceListener("d1"); ok {
		t.Error("DeviceListener() still present after RemoveListener")
	}
}

func TestAccount_SubmitErrors(t *testing.T) {
	cfg := testConfig(config.ModeCloud)
	cfg.Devices = []config.DeviceConfig{{ID: "d1"}}
	a := startAccount(t, Options{Config: cfg})

	_, err := a.Submit("nope", command.Request{Command: command.Switch, Params: command.SwitchParams{On: true}})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Submit(unknown) error = %v, want ErrUnknownDevice", err)
	}

	// The socket cannot connect, so the queue never starts.
	_, err = a.Submit("d1", command.Request{Command: command.Switch, Params: command.SwitchParams{On: true}})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("Submit() while disconnected error = %v, want ErrNotReady", err)
	}

	if _, ok := a.QueueMessage(command.NewFetchAll()); ok {
		t.Error("QueueMessage() accepted while disconnected")
	}
}

func TestAccount_StartTwice(t *testing.T) {
	a := startAccount(t, Options{Config: testConfig(config.ModeLocal)})
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestAccount_Preload(t *testing.T) {
	repo := newFakeRepository(
		device.Snapshot{ID: "c1", DeviceKey: "cached-key", IPAddress: "10.0.0.5", Fields: map[string]any{"switch": "off"}},
		device.Snapshot{ID: "c2", DeviceKey: "other"},
	)
	cfg := testConfig(config.ModeLocal)
	cfg.Devices = []config.DeviceConfig{
		{ID: "c1", DeviceKey: "configured-key"},
		{ID: "c3", UIID: 1},
	}

	a := startAccount(t, Options{Config: cfg, Repository: repo})

	devices := a.Devices()
	if len(devices) != 3 {
		t.Fatalf("Devices() = %d entries, want 3", len(devices))
	}

	st, ok := a.DeviceState("c1")
	if !ok {
		t.Fatal("c1 not loaded")
	}
	if st.DeviceKey() != "configured-key" {
		t.Errorf("DeviceKey() = %q, want configured-key", st.DeviceKey())
	}
	if st.IPAddress() != "10.0.0.5" {
		t.Errorf("IPAddress() = %q, want cached 10.0.0.5", st.IPAddress())
	}
	if v, _ := st.Field("switch"); v != "off" {
		t.Errorf("switch = %v, want cached off", v)
	}
}

func TestTransportEligible(t *testing.T) {
	withIP := device.NewState("a", "")
	withIP.SetIPAddress("10.0.0.2")
	announced := device.NewState("c", "")
	announced.SetIPAddress("10.0.0.3")
	announced.SetLocalOnline(true)
	noIP := device.NewState("b", "")
	yes, no := true, false

	tests := []struct {
		name     string
		st       *device.State
		req      command.Request
		announce bool
		want     bool
	}{
		{"switch with address", withIP, command.Request{Command: command.Switch}, false, true},
		{"switch without address", noIP, command.Request{Command: command.Switch}, false, false},
		{"consumption is cloud only", withIP, command.Request{Command: command.Consumption}, false, false},
		{"uiActive is cloud only", withIP, command.Request{Command: command.UIActive}, false, false},
		{"explicit local", noIP, command.Request{Command: command.Switch, Local: &yes}, false, true},
		{"explicit cloud", withIP, command.Request{Command: command.Switch, Local: &no}, false, false},
		{"address known but withdrawn", withIP, command.Request{Command: command.Switch}, true, false},
		{"address announced", announced, command.Request{Command: command.Switch}, true, true},
		{"explicit local overrides withdrawal", withIP, command.Request{Command: command.Switch, Local: &yes}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transportEligible(tt.st, tt.req, tt.announce); got != tt.want {
				t.Errorf("transportEligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

// idleBrowser stands in for mDNS: it reports nothing until cancelled.
type idleBrowser struct{}

func (idleBrowser) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestAccount_NeedsAnnouncement(t *testing.T) {
	cfg := testConfig(config.ModeMixed)
	cfg.Local.Discovery.Enabled = true
	cfg.Devices = []config.DeviceConfig{{ID: "static", IPAddress: "10.0.0.4"}, {ID: "dynamic"}}

	a, err := New(Options{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if a.needsAnnouncement("static") {
		t.Error("configured address should not need an announcement")
	}
	if !a.needsAnnouncement("dynamic") {
		t.Error("discovered address should need an announcement")
	}

	a.discoveryDown.Store(true)
	if a.needsAnnouncement("dynamic") {
		t.Error("addresses should count as-is once discovery has failed")
	}

	a.browser = nil
	a.discoveryDown.Store(false)
	if a.needsAnnouncement("dynamic") {
		t.Error("addresses should count as-is without discovery")
	}
}

// cloudSocketServer accepts one socket session and forwards every frame
// sent after the handshake.
func cloudSocketServer(t *testing.T) (wsURL string, frames <-chan map[string]any) {
	t.Helper()

	out := make(chan map[string]any, 8)
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"error":0,"apikey":"key"}`)); err != nil {
			return
		}
		go func() {
			<-done
			conn.Close()
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(msg, &m) == nil {
				out <- m
			}
		}
	}))
	t.Cleanup(ws.Close)
	t.Cleanup(func() { close(done) })

	return "ws" + strings.TrimPrefix(ws.URL, "http") + "/api/ws", out
}

func TestAccount_MixedFallsBackAfterWithdrawal(t *testing.T) {
	lanHits := make(chan string, 4)
	lanSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lanHits <- r.URL.Path
		_, _ = w.Write([]byte(`{"seq":1,"error":0,"data":{"switch":"on"}}`))
	}))
	defer lanSrv.Close()
	u, _ := url.Parse(lanSrv.URL)
	port, _ := strconv.Atoi(u.Port())

	wsURL, frames := cloudSocketServer(t)

	cfg := testConfig(config.ModeMixed)
	cfg.Local.Port = port
	cfg.Local.Discovery.Enabled = true
	cfg.Cloud.WebSocketURL = wsURL
	cfg.Devices = []config.DeviceConfig{{ID: "d1"}}

	a, err := New(Options{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.browser = idleBrowser{}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })

	waitFor(t, "cloud socket", func() bool { return a.Status().CloudConnected })
	a.tracker.SetLocal(true)

	switchOn := command.Request{Command: command.Switch, Params: command.SwitchParams{On: true}}

	a.reconciler.OnServiceResolved(reconcile.ServiceResolved{DeviceID: "d1", IPAddress: "127.0.0.1", Online: true})

	applied := make(chan struct{}, 4)
	a.AddListener("d1", func(*device.State) { applied <- struct{}{} })

	if _, err := a.Submit("d1", switchOn); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case path := <-lanHits:
		if path != "/zeroconf/switch" {
			t.Errorf("LAN path = %q, want /zeroconf/switch", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("announced device was not reached over the LAN")
	}
	// The LAN response marks the device online; let it land before the
	// withdrawal so it cannot undo it.
	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("LAN response was not applied")
	}

	a.reconciler.OnServiceResolved(reconcile.ServiceResolved{DeviceID: "d1", Online: false})
	st, _ := a.DeviceState("d1")
	if st.LocalOnline() || st.IPAddress() == "" {
		t.Fatalf("after withdrawal localOnline=%v ip=%q, want false and the old address", st.LocalOnline(), st.IPAddress())
	}

	if _, err := a.Submit("d1", switchOn); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case f := <-frames:
		if f["action"] != "update" || f["deviceid"] != "d1" {
			t.Errorf("frame = %v, want update for d1", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("withdrawn device was not sent over the cloud socket")
	}

	select {
	case path := <-lanHits:
		t.Errorf("unexpected LAN request %q after withdrawal", path)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAccount_CloudRefreshAndCommand(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":0,"data":{"thingList":[{"itemType":1,"itemData":{"deviceid":"d1","name":"Lamp","online":true,"params":{"switch":"on"}}}]}}`))
	}))
	defer rest.Close()

	wsURL, frames := cloudSocketServer(t)

	cfg := testConfig(config.ModeCloud)
	cfg.Cloud.RESTURL = rest.URL
	cfg.Cloud.WebSocketURL = wsURL

	a := startAccount(t, Options{Config: cfg})

	waitFor(t, "device from cloud refresh", func() bool {
		st, ok := a.DeviceState("d1")
		if !ok {
			return false
		}
		v, _ := st.Field("switch")
		return v == "on" && st.Name() == "Lamp"
	})

	if got := a.Status(); got.Connection != "cloud_only" || !got.CloudConnected {
		t.Errorf("Status() = %+v, want cloud_only", got)
	}

	if _, err := a.Submit("d1", command.Request{Command: command.Switch, Params: command.SwitchParams{On: false}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case f := <-frames:
		if f["action"] != "update" || f["deviceid"] != "d1" {
			t.Errorf("frame = %v, want update for d1", f)
		}
		params, _ := f["params"].(map[string]any)
		if params["switch"] != "off" {
			t.Errorf("params = %v, want switch off", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cloud frame not received")
	}
}
