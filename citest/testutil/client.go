package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/rpc"
	"github.com/querymt/qmt/internal/turn"
)

// Client is a minimal JSON-RPC 2.0 client for citest/e2e scenarios to
// drive a Harness's httptest.Server the way a real supervisor process
// drives a worker's /rpc endpoint, replacing the REST-era TestClient this
// suite used to talk to the dropped SDK client's server surface with.
type Client struct {
	baseURL string
	http    *http.Client
	nextID  int
}

// NewClient builds a Client against baseURL (Harness.Server.URL).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Call issues one JSON-RPC request and decodes its result into out (which
// may be nil to discard the result). Returns the RPC-level error, if any,
// wrapped so callers can assert on its message.
func (c *Client) Call(method string, params any, out any) error {
	c.nextID++
	id, err := json.Marshal(c.nextID)
	if err != nil {
		return err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req := rpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := c.http.Post(c.baseURL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp rpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response for %s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("remarshal result for %s: %w", method, err)
	}
	return json.Unmarshal(raw, out)
}

// NewSession opens a session on agent rooted at cwd and returns its ID.
func (c *Client) NewSession(agent, cwd string) (domain.PublicID, error) {
	var result struct {
		SessionID domain.PublicID `json:"sessionID"`
	}
	err := c.Call("session/new", map[string]string{"agent": agent, "cwd": cwd}, &result)
	return result.SessionID, err
}

// Prompt submits text to sessionID and returns once the engine has
// accepted the turn (prompting is asynchronous; scenarios observe
// completion via the SSE event stream or by polling Load).
func (c *Client) Prompt(sessionID domain.PublicID, text string) error {
	return c.Call("session/prompt", map[string]any{"sessionID": sessionID, "text": text}, nil)
}

// Cancel cancels the in-flight turn on sessionID, if any.
func (c *Client) Cancel(sessionID domain.PublicID) error {
	return c.Call("session/cancel", map[string]any{"sessionID": sessionID}, nil)
}

// Fork forks sessionID from messageID and returns the new child session ID.
func (c *Client) Fork(sessionID, messageID domain.PublicID) (domain.PublicID, error) {
	var result struct {
		SessionID domain.PublicID `json:"sessionID"`
	}
	err := c.Call("session/fork", map[string]any{"sessionID": sessionID, "messageID": messageID}, &result)
	return result.SessionID, err
}

// LoadResult is the decoded shape of session/load's result.
type LoadResult struct {
	SessionID domain.PublicID  `json:"sessionID"`
	History   []domain.Message `json:"history"`
}

// Load reattaches to sessionID under agent and returns its message history.
func (c *Client) Load(sessionID domain.PublicID, agent string) (LoadResult, error) {
	var result LoadResult
	err := c.Call("session/load", map[string]any{"sessionID": sessionID, "agent": agent}, &result)
	return result, err
}

// SetMode changes sessionID's agent mode (turn.AgentMode, e.g. "build", "plan").
func (c *Client) SetMode(sessionID domain.PublicID, mode turn.AgentMode) error {
	return c.Call("session/set_mode", map[string]any{"sessionID": sessionID, "mode": mode}, nil)
}

// UndoResult is the decoded shape of session/undo's result.
type UndoResult struct {
	RevertedFiles []string        `json:"revertedFiles"`
	MessageID     domain.PublicID `json:"messageID"`
}

// Undo reverts the file writes made at or after messageID.
func (c *Client) Undo(sessionID, messageID domain.PublicID) (UndoResult, error) {
	var result UndoResult
	err := c.Call("session/undo", map[string]any{"sessionID": sessionID, "messageID": messageID}, &result)
	return result, err
}

// RedoResult is the decoded shape of session/redo's result.
type RedoResult struct {
	Restored bool `json:"restored"`
}

// Redo reapplies the most recently undone snapshot, if any.
func (c *Client) Redo(sessionID domain.PublicID) (RedoResult, error) {
	var result RedoResult
	err := c.Call("session/redo", map[string]any{"sessionID": sessionID}, &result)
	return result, err
}
