package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	snagerrors "github.com/snagtools/snag/internal/errors"
)

// Client talks to a running watch process over its control socket.
type Client struct {
	http *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// State fetches the engine's current snapshot.
func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var out StateResponse
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &out)
	return out, err
}

// Transition asks the engine to apply a trigger and returns the resulting
// snapshot. Rejected transitions come back as INVALID_TRANSITION errors.
func (c *Client) Transition(ctx context.Context, trigger string) (StateResponse, error) {
	var out StateResponse
	err := c.do(ctx, http.MethodPost, "/v1/transition", transitionRequest{Trigger: trigger}, &out)
	return out, err
}

// Captures lists indexed captures. Empty sessionID means the active
// session; empty bugID means that session's unsorted captures.
func (c *Client) Captures(ctx context.Context, sessionID, bugID string) ([]CaptureResponse, error) {
	path := fmt.Sprintf("/v1/captures?session=%s&bug=%s", sessionID, bugID)
	var out []CaptureResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RebindHotkey swaps an action's shortcut in the running watch process.
func (c *Client) RebindHotkey(ctx context.Context, action, combo string) error {
	return c.do(ctx, http.MethodPost, "/v1/hotkeys", rebindRequest{Action: action, Combo: combo}, nil)
}

// Ping reports whether a watch process is listening.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.State(ctx)
	return err == nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(data)
	} else {
		body = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://snag"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control socket unreachable (is snag watch running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Error.Code != "" {
			return &snagerrors.Error{
				Code:    snagerrors.Code(eb.Error.Code),
				Message: eb.Error.Message,
			}
		}
		return fmt.Errorf("control request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
