// Package client talks to a minesimd API and drives a device's mining loop.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/minesim/internal/feed"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("minesim api: %d %s", e.StatusCode, e.Message)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSecret sets the bearer secret for CheckInactivity and Reset.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// Client is a thin HTTP binding of the API.
type Client struct {
	base   string
	http   *http.Client
	secret string
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:8402".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status is the /mining/status payload.
type Status struct {
	DeviceID         string          `json:"deviceId"`
	Balance          decimal.Decimal `json:"balance"`
	IsMining         bool            `json:"isMining"`
	IsMiningPaused   bool            `json:"isMiningPaused"`
	LastUpdateTime   int64           `json:"lastUpdateTime"`
	LastActive       int64           `json:"lastActive"`
	PeriodsElapsed   int64           `json:"periodsElapsed"`
	IncrementApplied decimal.Decimal `json:"incrementApplied"`
}

// SweepResult is the /mining/check-inactivity payload.
type SweepResult struct {
	Checked  int `json:"checked"`
	Paused   int `json:"paused"`
	Resumed  int `json:"resumed"`
	Credited int `json:"credited"`
	Failed   int `json:"failed"`
}

// Projection is the /mining/projection payload.
type Projection struct {
	DeviceID       string          `json:"deviceId"`
	Balance        decimal.Decimal `json:"balance"`
	IsMining       bool            `json:"isMining"`
	IsMiningPaused bool            `json:"isMiningPaused"`
	Accruing       bool            `json:"accruing"`
	PendingPeriods int64           `json:"pendingPeriods"`
	PendingReward  decimal.Decimal `json:"pendingReward"`
	NextAccrualAt  int64           `json:"nextAccrualAt"`
	TimeLeftMs     int64           `json:"timeLeftMs"`
	InactiveForMs  int64           `json:"inactiveForMs"`
	PausesAt       int64           `json:"pausesAt"`
	ServerTime     int64           `json:"serverTime"`
}

func (c *Client) Status(ctx context.Context, deviceID string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/mining/status?deviceId="+url.QueryEscape(deviceID), nil, false, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/heartbeat", deviceBody(deviceID), false, nil)
}

func (c *Client) Start(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/mining/start", deviceBody(deviceID), false, nil)
}

func (c *Client) Reset(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/mining/reset", deviceBody(deviceID), true, nil)
}

func (c *Client) Projection(ctx context.Context, deviceID string) (Projection, error) {
	var out Projection
	err := c.do(ctx, http.MethodGet, "/mining/projection?deviceId="+url.QueryEscape(deviceID), nil, false, &out)
	return out, err
}

func (c *Client) CheckInactivity(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	err := c.do(ctx, http.MethodGet, "/mining/check-inactivity", nil, true, &out)
	return out, err
}

func deviceBody(deviceID string) interface{} {
	return map[string]string{"deviceId": deviceID}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, auth bool, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Subscriber = (*Client)(nil)

// Subscribe opens /mining/stream and decodes snapshot events until ctx is
// done, cancel is called or the server closes the stream.
func (c *Client) Subscribe(ctx context.Context, deviceID string) (<-chan feed.Snapshot, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/mining/stream?deviceId="+url.QueryEscape(deviceID), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The request-scoped timeout would cut the stream off.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	out := make(chan feed.Snapshot, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readEvents(resp.Body, func(event, data string) {
			if event != "snapshot" {
				return
			}
			var snap feed.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
			}
		})
	}()
	return out, cancel, nil
}

// readEvents parses a text/event-stream body, calling fn once per event.
func readEvents(r io.Reader, fn func(event, data string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				fn(event, strings.Join(data, "\n"))
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
