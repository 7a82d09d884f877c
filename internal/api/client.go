package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client talks to a Server. Every call dials a fresh connection.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		dialer:     net.Dialer{Timeout: 5 * time.Second},
	}
}

type rawResponse struct {
	Ok   bool            `json:"ok"`
	Err  string          `json:"err,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (c *Client) do(action string, data interface{}, out interface{}) error {
	conn, err := c.dialer.Dial("unix", c.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := Request{Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		req.Data = raw
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}

	var resp rawResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return err
	}

	if !resp.Ok {
		return fmt.Errorf("%s failed: %w", action, errors.New(resp.Err))
	}

	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", action, err)
		}
	}
	return nil
}

// Send writes text to the session.
func (c *Client) Send(text string) error {
	return c.do(ActionSend, SendRequest{Text: text}, nil)
}

// SendLine writes text and the session's terminator.
func (c *Client) SendLine(text string) error {
	return c.do(ActionSendLine, SendRequest{Text: text}, nil)
}

// Expect waits on the server for one of patterns. A zero timeout uses the
// server default; a negative one waits until the stream ends.
func (c *Client) Expect(patterns []string, timeout time.Duration) (ExpectResponse, error) {
	var resp ExpectResponse
	req := ExpectRequest{Patterns: patterns, TimeoutMs: timeout.Milliseconds()}
	switch {
	case timeout < 0:
		req.TimeoutMs = -1
	case timeout > 0 && req.TimeoutMs == 0:
		// zero would select the server default
		req.TimeoutMs = 1
	}
	err := c.do(ActionExpect, req, &resp)
	return resp, err
}

// Resize sets the session's window size.
func (c *Client) Resize(rows, cols int) error {
	return c.do(ActionResize, ResizeRequest{Rows: rows, Cols: cols}, nil)
}

// Size returns the session's window size.
func (c *Client) Size() (SizeResponse, error) {
	var resp SizeResponse
	err := c.do(ActionSize, nil, &resp)
	return resp, err
}

// Status describes the session.
func (c *Client) Status() (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ActionStatus, nil, &resp)
	return resp, err
}
