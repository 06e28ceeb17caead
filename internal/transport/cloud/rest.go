package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// thingPath is the device listing endpoint of the v2 API.
const thingPath = "/v2/device/thing"

// maxRESTBody bounds a REST response; large accounts return long lists.
const maxRESTBody = 8 << 20

// PollHandler receives successful thingList response bodies.
type PollHandler interface {
	OnCloudPollResult(body []byte)
}

// RESTOptions configures a RESTClient.
type RESTOptions struct {
	BaseURL     string
	AppID       string
	AccessToken string
	Timeout     time.Duration
	Handler     PollHandler
	Logger      Logger
}

// RESTClient fetches device records from the cloud REST API.
type RESTClient struct {
	baseURL    string
	appID      string
	token      string
	httpClient *http.Client
	handler    PollHandler
	logger     Logger
}

// NewRESTClient creates a REST client.
func NewRESTClient(opts RESTOptions) *RESTClient {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		appID:      opts.AppID,
		token:      opts.AccessToken,
		httpClient: &http.Client{Timeout: timeout},
		handler:    opts.Handler,
		logger:     logger,
	}
}

type thingRequest struct {
	ThingList []thingRef `json:"thingList"`
}

type thingRef struct {
	ItemType int    `json:"itemType"`
	ID       string `json:"id"`
}

// SendCloudAPI fetches every device when deviceID is empty, or the one
// device otherwise, and hands the response to the poll handler.
func (c *RESTClient) SendCloudAPI(ctx context.Context, deviceID string) error {
	body, err := c.fetch(ctx, deviceID)
	if err != nil {
		c.logger.Warn("cloud api request failed", "device_id", deviceID, "error", err)
		return err
	}
	if c.handler != nil {
		c.handler.OnCloudPollResult(body)
	}
	return nil
}

func (c *RESTClient) fetch(ctx context.Context, deviceID string) ([]byte, error) {
	if deviceID == "" {
		return c.doRequest(ctx, http.MethodGet, thingPath+"?num=0", nil)
	}
	payload, err := json.Marshal(thingRequest{ThingList: []thingRef{{ItemType: 1, ID: deviceID}}})
	if err != nil {
		return nil, fmt.Errorf("encoding thing request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, thingPath, payload)
}

func (c *RESTClient) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CK-Appid", c.appID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	var envelope struct {
		Error int    `json:"error"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if envelope.Error != 0 {
		return nil, fmt.Errorf("%w: error %d: %s", ErrAPI, envelope.Error, envelope.Msg)
	}
	return body, nil
}
