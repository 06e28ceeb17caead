package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket defaults.
const (
	defaultPingInterval      = 120 * time.Second
	defaultReconnectInterval = 30 * time.Second
	handshakeTimeout         = 10 * time.Second
	writeTimeout             = 10 * time.Second

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 512 << 10

	pingText = "ping"
	pongText = "pong"
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

// PushHandler receives every inbound socket frame except keepalives.
type PushHandler interface {
	OnCloudPush(frame []byte)
}

// SocketOptions configures a Socket.
type SocketOptions struct {
	AppID       string
	APIKey      string
	AccessToken string

	// DispatchURL is queried for the socket host before each dial.
	DispatchURL string

	// URL skips the dispatch lookup when set.
	URL string

	PingInterval      time.Duration
	ReconnectInterval time.Duration

	Handler PushHandler

	// OnConnectivity is called from the Run goroutine after every
	// successful handshake and after every disconnect.
	OnConnectivity func(connected bool)

	Logger Logger
}

// Socket maintains the persistent cloud websocket of one account.
//
// Thread Safety: SendCloudSocket and Connected may be called from any
// goroutine while Run is active.
type Socket struct {
	opts       SocketOptions
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     Logger

	// writeMu serializes writers; gorilla connections allow one at a time.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewSocket creates a Socket. Call Run to connect.
func NewSocket(opts SocketOptions) *Socket {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Socket{
		opts:       opts,
		httpClient: &http.Client{Timeout: handshakeTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logger,
	}
}

// Run connects, reads frames until the connection drops and reconnects
// after ReconnectInterval. It returns when ctx is cancelled.
func (s *Socket) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil //nolint:nilerr // shutdown
		}
		s.logger.Warn("cloud socket disconnected", "error", err, "retry_in", s.opts.ReconnectInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.ReconnectInterval):
		}
	}
}

// session runs one connection from dial to disconnect.
func (s *Socket) session(ctx context.Context) error {
	url, err := s.resolveURL(ctx)
	if err != nil {
		return err
	}

	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialling %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	ping, err := s.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.logger.Info("cloud socket connected", "url", url, "ping_interval", ping)
	s.setConnectivity(true)

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(sessCtx, ping)
	}()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	err = s.readLoop(conn)

	cancel()
	wg.Wait()

	s.writeMu.Lock()
	s.conn = nil
	s.writeMu.Unlock()

	s.setConnectivity(false)
	return err
}

func (s *Socket) setConnectivity(connected bool) {
	if s.opts.OnConnectivity != nil {
		s.opts.OnConnectivity(connected)
	}
}

// dispatchReply is the answer of the socket host lookup.
type dispatchReply struct {
	Error  int    `json:"error"`
	Reason string `json:"reason"`
	Domain string `json:"domain"`
	IP     string `json:"IP"`
	Port   int    `json:"port"`
}

func (s *Socket) resolveURL(ctx context.Context) (string, error) {
	if s.opts.URL != "" {
		return s.opts.URL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.DispatchURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrDispatch, resp.StatusCode)
	}

	var reply dispatchReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	if reply.Error != 0 || reply.Domain == "" {
		return "", fmt.Errorf("%w: error %d %s", ErrDispatch, reply.Error, reply.Reason)
	}
	port := reply.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("wss://%s:%d/api/ws", reply.Domain, port), nil
}

// handshake sends userOnline and waits for the reply. It returns the
// keepalive interval, which the server may override.
func (s *Socket) handshake(conn *websocket.Conn) (time.Duration, error) {
	frame, err := encodeHandshake(s.opts.AccessToken, s.opts.APIKey, s.opts.AppID, uuid.NewString()[:8], time.Now())
	if err != nil {
		return 0, fmt.Errorf("encoding handshake: %w", err)
	}

	//nolint:errcheck // write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return 0, fmt.Errorf("sending handshake: %w", err)
	}

	//nolint:errcheck // read error caught below
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("reading handshake reply: %w", err)
	}
	//nolint:errcheck // clearing the deadline
	conn.SetReadDeadline(time.Time{})

	var reply handshakeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if reply.Error != 0 {
		return 0, fmt.Errorf("%w: error %d %s", ErrHandshake, reply.Error, reply.Reason)
	}

	ping := s.opts.PingInterval
	if reply.Config.HB == 1 && reply.Config.HBInterval > 0 {
		ping = time.Duration(reply.Config.HBInterval) * time.Second
	}
	return ping, nil
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if string(data) == pongText {
			continue
		}
		if s.opts.Handler != nil {
			s.opts.Handler.OnCloudPush(data)
		}
	}
}

func (s *Socket) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, []byte(pingText)); err != nil {
				s.logger.Debug("cloud keepalive failed", "error", err)
			}
		}
	}
}

// SendCloudSocket writes a frame to the socket. Failures are logged and
// returned; nothing is retried.
func (s *Socket) SendCloudSocket(ctx context.Context, payload []byte) error {
	err := s.write(ctx, payload)
	if err != nil {
		s.logger.Warn("cloud send failed", "error", err)
	}
	return err
}

func (s *Socket) write(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	//nolint:errcheck // write error caught below
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Connected reports whether a session is established.
func (s *Socket) Connected() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn != nil
}
