package discovery

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []reconcile.ServiceResolved
}

func (r *eventRecorder) OnServiceResolved(ev reconcile.ServiceResolved) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []reconcile.ServiceResolved {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconcile.ServiceResolved(nil), r.events...)
}

func newEntry(instance string, text []string, ips ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{}
	e.Instance = instance
	e.Text = text
	for _, ip := range ips {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(ip))
	}
	return e
}

func TestEventFromRecord(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		text     []string
		ips      []net.IP
		want     reconcile.ServiceResolved
		ok       bool
	}{
		{
			name:     "encrypted device",
			instance: "eWeLink_1000abcdef",
			text:     []string{"txtvers=1", "id=1000abcdef", "type=plug", "apivers=1", "seq=12", "encrypt=true", "iv=abc=="},
			ips:      []net.IP{net.ParseIP("192.168.1.50")},
			want:     reconcile.ServiceResolved{DeviceID: "1000abcdef", IPAddress: "192.168.1.50", Encrypt: true, Online: true},
			ok:       true,
		},
		{
			name:     "id from instance name",
			instance: "eWeLink_1000fedcba",
			text:     []string{"type=diy_plug"},
			ips:      []net.IP{net.IPv4zero, net.ParseIP("10.0.0.9")},
			want:     reconcile.ServiceResolved{DeviceID: "1000fedcba", IPAddress: "10.0.0.9", Online: true},
			ok:       true,
		},
		{
			name:     "no address",
			instance: "eWeLink_x",
			text:     []string{"id=x", "encrypt=false"},
			want:     reconcile.ServiceResolved{DeviceID: "x", Online: true},
			ok:       true,
		},
		{
			name:     "foreign service",
			instance: "Printer",
			text:     []string{"note=office"},
			ok:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eventFromRecord(tt.instance, tt.text, tt.ips)
			if ok != tt.ok {
				t.Errorf("eventFromRecord() ok = %v, want %v", ok, tt.ok)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("eventFromRecord() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBrowser_Run(t *testing.T) {
	handler := &eventRecorder{}
	connectivity := make(chan bool, 2)

	b := NewBrowser(Options{
		Handler:        handler,
		OnConnectivity: func(c bool) { connectivity <- c },
	})

	var gotService, gotDomain string
	b.browse = func(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, _ ...zeroconf.ClientOption) error {
		gotService, gotDomain = service, domain
		send := func(ch chan *zeroconf.ServiceEntry, e *zeroconf.ServiceEntry) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		}
		send(entries, newEntry("eWeLink_d1", []string{"id=d1", "encrypt=true"}, "192.168.1.10"))
		send(entries, newEntry("Printer", nil, "192.168.1.99"))
		send(removed, newEntry("eWeLink_d1", nil))
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if !<-connectivity {
		t.Error("first connectivity callback should report browsing")
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(handler.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("events = %d, want 2", len(handler.snapshot()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	events := handler.snapshot()
	want := []reconcile.ServiceResolved{
		{DeviceID: "d1", IPAddress: "192.168.1.10", Encrypt: true, Online: true},
		{DeviceID: "d1", Online: false},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if <-connectivity {
		t.Error("final connectivity callback should report stopped")
	}
	if gotService != DefaultService {
		t.Errorf("service = %q, want %q", gotService, DefaultService)
	}
	if gotDomain != DefaultDomain {
		t.Errorf("domain = %q, want %q", gotDomain, DefaultDomain)
	}
}

func TestBrowser_BrowseError(t *testing.T) {
	b := NewBrowser(Options{})
	b.browse = func(context.Context, string, string, chan *zeroconf.ServiceEntry, chan *zeroconf.ServiceEntry, ...zeroconf.ClientOption) error {
		return errors.New("no multicast interface")
	}

	err := b.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when browsing fails")
	}
	if !strings.Contains(err.Error(), "no multicast interface") {
		t.Errorf("Run() error = %v, want the browse error wrapped", err)
	}
}
