package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/command"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/transport/cloud"
	"github.com/nerrad567/gray-logic-sonoff/internal/transport/lan"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LocalSender posts a command to a device on the LAN.
type LocalSender interface {
	SendLocal(ctx context.Context, req lan.Request) error
}

// CloudSocketSender writes a frame to the cloud websocket.
type CloudSocketSender interface {
	SendCloudSocket(ctx context.Context, payload []byte) error
}

// CloudAPISender refreshes devices over the cloud REST API. An empty
// deviceID fetches every device of the account.
type CloudAPISender interface {
	SendCloudAPI(ctx context.Context, deviceID string) error
}

// StateLookup resolves the shared Device State of a device.
type StateLookup interface {
	Get(id string) (*device.State, bool)
}

// Connectivity exposes the current transport flags. *Tracker satisfies it.
type Connectivity interface {
	LocalConnected() bool
	CloudConnected() bool
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Local       LocalSender
	CloudSocket CloudSocketSender
	CloudAPI    CloudAPISender
	States      StateLookup
	Conn        Connectivity

	// APIKey is the account key attached to every cloud socket frame.
	APIKey string

	// LocalPort overrides the LAN control port; zero means 8081.
	LocalPort int

	// Sent receives every cloud socket frame for ack correlation. Optional.
	Sent *SentLog

	Logger Logger
}

// Stats counts routing outcomes since the Queue was created. Send
// counters are bumped once the transport call returns, whatever its result.
type Stats struct {
	Local       uint64 `json:"local"`
	CloudSocket uint64 `json:"cloud_socket"`
	CloudAPI    uint64 `json:"cloud_api"`
	Dropped     uint64 `json:"dropped"`
	Pending     int    `json:"pending"`
	Running     bool   `json:"running"`
}

// run is the state of one consumer lifetime between Start and Stop.
type run struct {
	mode     Mode
	cancel   context.CancelFunc
	notify   chan struct{}
	finished chan struct{}
}

// Queue is a two-tier multi-producer single-consumer command queue.
//
// Enqueue never blocks. While the queue is stopped Enqueue is a no-op.
// Messages from one goroutine are dispatched in submission order within
// their priority tier; high priority messages always go before low ones.
//
// Thread Safety: all methods are safe for concurrent use, except that
// Stop must not be called from inside a transport send or a listener
// invoked by one, since it waits for the consumer to exit.
type Queue struct {
	opts   QueueOptions
	logger Logger

	mu   sync.Mutex
	high []command.Message
	low  []command.Message
	cur  *run
	seq  int64

	local, socket, api, dropped atomic.Uint64
}

// NewQueue creates a stopped Queue. Sequence numbers start from the
// current Unix time in milliseconds so they keep increasing across
// restarts of the process.
func NewQueue(opts QueueOptions) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Queue{
		opts:   opts,
		logger: logger,
		seq:    time.Now().UnixMilli(),
	}
}

// Start launches the consumer loop for mode. Calling Start on a running
// queue does nothing.
func (q *Queue) Start(mode Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cur != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		mode:     mode,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	q.cur = r
	if len(q.high)+len(q.low) > 0 {
		r.notify <- struct{}{}
	}

	go q.loop(ctx, r)
	q.logger.Info("dispatch queue started", "mode", string(mode))
}

// Stop discards every queued message and waits for the consumer to exit.
// An in-flight send is cancelled through its context.
func (q *Queue) Stop() {
	q.mu.Lock()
	r := q.cur
	if r == nil {
		q.mu.Unlock()
		return
	}
	discarded := len(q.high) + len(q.low)
	q.cur = nil
	q.high = nil
	q.low = nil
	q.mu.Unlock()

	r.cancel()
	<-r.finished

	q.logger.Info("dispatch queue stopped", "discarded", discarded)
}

// Running reports whether the consumer loop is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cur != nil
}

// Enqueue assigns the next sequence number to msg and queues it. It
// returns the assigned sequence and true, or false when the queue is
// stopped or the message is malformed. It never blocks.
func (q *Queue) Enqueue(msg command.Message) (int64, bool) {
	if err := msg.Validate(); err != nil {
		q.logger.Warn("discarding invalid message", "command", msg.Command, "device_id", msg.DeviceID, "error", err)
		return 0, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cur == nil {
		q.logger.Debug("queue stopped, message ignored", "command", msg.Command, "device_id", msg.DeviceID)
		return 0, false
	}

	q.seq++
	msg.Sequence = q.seq

	if msg.Priority() == command.PriorityHigh {
		q.high = append(q.high, msg)
	} else {
		q.low = append(q.low, msg)
	}

	select {
	case q.cur.notify <- struct{}{}:
	default:
	}
	return msg.Sequence, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}

// Stats returns the routing counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.high) + len(q.low)
	running := q.cur != nil
	q.mu.Unlock()

	return Stats{
		Local:       q.local.Load(),
		CloudSocket: q.socket.Load(),
		CloudAPI:    q.api.Load(),
		Dropped:     q.dropped.Load(),
		Pending:     pending,
		Running:     running,
	}
}

func (q *Queue) loop(ctx context.Context, r *run) {
	defer close(r.finished)

	for {
		msg, ok := q.next(r)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		q.dispatch(ctx, r.mode, msg)
	}
}

// next pops the head of the high tier, or of the low tier when the high
// tier is empty. It returns false once r is no longer the current run.
func (q *Queue) next(r *run) (command.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cur != r {
		return command.Message{}, false
	}
	if len(q.high) > 0 {
		msg := q.high[0]
		q.high[0] = command.Message{}
		q.high = q.high[1:]
		return msg, true
	}
	if len(q.low) > 0 {
		msg := q.low[0]
		q.low[0] = command.Message{}
		q.low = q.low[1:]
		return msg, true
	}
	return command.Message{}, false
}

func (q *Queue) dispatch(ctx context.Context, mode Mode, msg command.Message) {
	if command.IsBulk(msg.Command) {
		q.sendCloudAPI(ctx, msg)
		return
	}

	if mode == ModeLocal && !msg.TransportEligible {
		q.drop(msg, ErrUnsupportedInMode, "warn")
		return
	}

	if msg.TransportEligible && mode.allowsLocal() && q.opts.Conn.LocalConnected() {
		q.sendLocal(ctx, msg)
		return
	}

	if mode.allowsCloud() && q.opts.Conn.CloudConnected() {
		q.sendCloudSocket(ctx, msg)
		return
	}

	q.drop(msg, ErrNoConnection, "error")
}

func (q *Queue) sendCloudAPI(ctx context.Context, msg command.Message) {
	if q.opts.CloudAPI == nil {
		q.drop(msg, ErrNoConnection, "error")
		return
	}
	q.logger.Debug("dispatching over cloud api", "message", msg.String())
	// The REST client logs its own failures.
	_ = q.opts.CloudAPI.SendCloudAPI(ctx, msg.DeviceID) //nolint:errcheck // fire-and-forget
	q.api.Add(1)
}

func (q *Queue) sendLocal(ctx context.Context, msg command.Message) {
	st, ok := q.opts.States.Get(msg.DeviceID)
	if !ok {
		q.drop(msg, ErrUnknownDevice, "error")
		return
	}
	ip := st.IPAddress()
	if ip == "" {
		q.drop(msg, ErrNoAddress, "error")
		return
	}

	key := st.DeviceKey()
	encrypt := st.LocalEncrypt()
	payload, err := lan.EncodePayload(msg.DeviceID, key, msg.Sequence, msg.Fields(), encrypt)
	if err != nil {
		q.drop(msg, fmt.Errorf("encoding lan payload: %w", err), "error")
		return
	}

	req := lan.Request{
		DeviceID: msg.DeviceID,
		URL:      lan.URL(ip, q.opts.LocalPort, msg.Command),
		Payload:  payload,
	}
	if encrypt {
		req.DeviceKey = key
	}

	q.logger.Debug("dispatching over lan", "message", msg.String(), "url", req.URL, "encrypt", encrypt)
	_ = q.opts.Local.SendLocal(ctx, req) //nolint:errcheck // fire-and-forget, logged by the client
	q.local.Add(1)
}

func (q *Queue) sendCloudSocket(ctx context.Context, msg command.Message) {
	payload, err := cloud.EncodeUpdate(q.opts.APIKey, msg.DeviceID, msg.Sequence, msg.Fields())
	if err != nil {
		q.drop(msg, fmt.Errorf("encoding cloud frame: %w", err), "error")
		return
	}

	if q.opts.Sent != nil {
		q.opts.Sent.Record(SentEntry{
			Sequence: msg.Sequence,
			DeviceID: msg.DeviceID,
			Command:  msg.Command,
			SentAt:   time.Now(),
		})
	}

	q.logger.Debug("dispatching over cloud socket", "message", msg.String())
	_ = q.opts.CloudSocket.SendCloudSocket(ctx, payload) //nolint:errcheck // fire-and-forget, logged by the socket
	q.socket.Add(1)
}

func (q *Queue) drop(msg command.Message, reason error, level string) {
	q.dropped.Add(1)
	args := []any{
		"device_id", msg.DeviceID,
		"command", msg.Command,
		"sequence", msg.Sequence,
		"error", reason,
	}
	if level == "warn" {
		q.logger.Warn("message dropped", args...)
		return
	}
	q.logger.Error("message dropped", args...)
}
