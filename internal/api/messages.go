package api

import "encoding/json"

// Actions understood by the server.
const (
	ActionSend     = "send"
	ActionSendLine = "sendline"
	ActionExpect   = "expect"
	ActionResize   = "resize"
	ActionSize     = "size"
	ActionStatus   = "status"
)

// Request represents an incoming request over the UNIX socket.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response represents a response to a request.
type Response struct {
	Ok   bool        `json:"ok"`
	Err  string      `json:"err,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// SendRequest is the data for send and sendline actions.
type SendRequest struct {
	Text string `json:"text"`
}

// ExpectRequest is the data for an expect action. A negative timeout waits
// until the stream ends; zero means the server default.
type ExpectRequest struct {
	Patterns  []string `json:"patterns"`
	TimeoutMs int64    `json:"timeout_ms"`
}

// ExpectResponse is the data returned from an expect action.
type ExpectResponse struct {
	Matched bool   `json:"matched"`
	Pattern string `json:"pattern,omitempty"`
}

// ResizeRequest is the data for a resize action.
type ResizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// SizeResponse is the data returned from a size action.
type SizeResponse struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// StatusResponse describes the served session.
type StatusResponse struct {
	ID       string `json:"id"`
	Child    string `json:"child"`
	Attached bool   `json:"attached"`
	Pending  int    `json:"pending"`
}
