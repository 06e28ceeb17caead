package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

// Defaults for the eWeLink LAN service.
const (
	DefaultService = "_ewelink._tcp"
	DefaultDomain  = "local."

	// instancePrefix precedes the device id in service instance names.
	instancePrefix = "eWeLink_"
)

// Logger defines the logging interface used by the Browser.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Handler receives resolved and withdrawn devices.
type Handler interface {
	OnServiceResolved(ev reconcile.ServiceResolved)
}

// Options configures a Browser.
type Options struct {
	Service   string
	Domain    string
	Interface string

	Handler Handler

	// OnConnectivity is called with true once browsing starts and with
	// false when it ends.
	OnConnectivity func(connected bool)

	Logger Logger
}

type browseFunc func(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
}

// Browser watches the local network for eWeLink devices.
type Browser struct {
	opts   Options
	logger Logger

	// browse wraps zeroconf.Browse; replaced in tests.
	browse browseFunc

	mu        sync.Mutex
	instances map[string]string // instance name -> device id
}

// NewBrowser creates a Browser. Call Run to start browsing.
func NewBrowser(opts Options) *Browser {
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Browser{
		opts:      opts,
		logger:    logger,
		browse:    zeroconfBrowse,
		instances: make(map[string]string),
	}
}

// Run browses until ctx is cancelled. Announcements are forwarded to the
// handler as they arrive; withdrawals are reported with Online false.
func (b *Browser) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	browseErr := make(chan error, 1)

	go func() {
		browseErr <- b.browse(ctx, b.opts.Service, b.opts.Domain, entries, removed, b.clientOptions()...)
	}()

	b.logger.Info("mdns browse started", "service", b.opts.Service, "domain", b.opts.Domain)
	b.setConnectivity(true)
	defer b.setConnectivity(false)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			b.resolved(entry)

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			b.withdrawn(entry)

		case err := <-browseErr:
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("mdns browse: %w", err)
			}
			// Browse returned without error; wait for shutdown.
			<-ctx.Done()
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Browser) setConnectivity(connected bool) {
	if b.opts.OnConnectivity != nil {
		b.opts.OnConnectivity(connected)
	}
}

func (b *Browser) clientOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.opts.Interface != "" {
		iface, err := net.InterfaceByName(b.opts.Interface)
		if err != nil {
			b.logger.Warn("mdns interface not found, using all interfaces", "interface", b.opts.Interface, "error", err)
		} else {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

func (b *Browser) resolved(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}
	ev, ok := eventFromRecord(entry.Instance, entry.Text, entry.AddrIPv4)
	if !ok {
		b.logger.Debug("ignoring mdns entry without device id", "instance", entry.Instance)
		return
	}

	b.mu.Lock()
	b.instances[entry.Instance] = ev.DeviceID
	b.mu.Unlock()

	b.logger.Debug("device announced", "device_id", ev.DeviceID, "ip", ev.IPAddress, "encrypt", ev.Encrypt)
	if b.opts.Handler != nil {
		b.opts.Handler.OnServiceResolved(ev)
	}
}

func (b *Browser) withdrawn(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}

	b.mu.Lock()
	id, ok := b.instances[entry.Instance]
	delete(b.instances, entry.Instance)
	b.mu.Unlock()

	if !ok {
		id = deviceIDFromInstance(entry.Instance)
	}
	if id == "" {
		return
	}

	b.logger.Debug("device withdrawn", "device_id", id)
	if b.opts.Handler != nil {
		b.opts.Handler.OnServiceResolved(reconcile.ServiceResolved{DeviceID: id, Online: false})
	}
}

// eventFromRecord builds a discovery event from a service record. The
// device id comes from the "id" TXT property, or from the instance name.
func eventFromRecord(instance string, text []string, ipv4 []net.IP) (reconcile.ServiceResolved, bool) {
	txt := parseTXT(text)

	id := txt["id"]
	if id == "" {
		id = deviceIDFromInstance(instance)
	}
	if id == "" {
		return reconcile.ServiceResolved{}, false
	}

	ev := reconcile.ServiceResolved{
		DeviceID: id,
		Encrypt:  strings.EqualFold(txt["encrypt"], "true"),
		Online:   true,
	}
	for _, ip := range ipv4 {
		if ip != nil && !ip.IsUnspecified() {
			ev.IPAddress = ip.String()
			break
		}
	}
	return ev, true
}

func deviceIDFromInstance(instance string) string {
	if id, ok := strings.CutPrefix(instance, instancePrefix); ok {
		return id
	}
	return ""
}

// parseTXT splits key=value TXT strings. Keys are case-sensitive.
func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}
