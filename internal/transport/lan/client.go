package lan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes bounds how much of a device response is read.
const maxResponseBytes = 64 << 10

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// PushHandler receives the normalized JSON body of every device response.
type PushHandler interface {
	OnLocalPush(deviceID string, body []byte)
}

// Client sends commands to devices on the local network.
type Client struct {
	httpClient *http.Client
	handler    PushHandler
	logger     Logger
}

// NewClient creates a LAN client. timeout bounds each request including
// reading the response.
func NewClient(timeout time.Duration, handler PushHandler) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		handler:    handler,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SendLocal posts the request and hands the device's answer to the push
// handler. Transport failures are logged here and returned; the caller
// does not retry.
func (c *Client) SendLocal(ctx context.Context, req Request) error {
	err := c.send(ctx, req)
	if err != nil {
		c.logger.Warn("lan send failed", "device_id", req.DeviceID, "url", req.URL, "error", err)
	}
	return err
}

func (c *Client) send(ctx context.Context, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting command: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	normalized, code, err := decodeResponse(body, req.DeviceKey)
	if err != nil {
		return err
	}

	c.logger.Debug("lan response", "device_id", req.DeviceID, "error_code", code)
	if c.handler != nil {
		c.handler.OnLocalPush(req.DeviceID, normalized)
	}

	if code != 0 {
		return fmt.Errorf("%w: error %d", ErrRejected, code)
	}
	return nil
}
