package mesh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/querymt/qmt/internal/agentctx"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/turn"
)

// Session method names, the wire vocabulary for frames targeting
// SessionActorName(id); one per agentctx.SessionRef method (spec.md §6
// "Message types visible over the mesh").
const (
	sessionMethodPrompt           = "Prompt"
	sessionMethodCancel           = "Cancel"
	sessionMethodSetMode          = "SetMode"
	sessionMethodGetMode          = "GetMode"
	sessionMethodSetSessionModel  = "SetSessionModel"
	sessionMethodGetLlmConfig     = "GetLlmConfig"
	sessionMethodGetHistory       = "GetHistory"
	sessionMethodSetAllowedTools  = "SetAllowedTools"
	sessionMethodSetDeniedTools   = "SetDeniedTools"
	sessionMethodSetToolPolicy    = "SetToolPolicy"
	sessionMethodUndo             = "Undo"
	sessionMethodRedo             = "Redo"
	sessionMethodGetFileIndex     = "GetFileIndex"
	sessionMethodReadRemoteFile   = "ReadRemoteFile"
	sessionMethodExtMethod        = "ExtMethod"
	sessionMethodExtNotification  = "ExtNotification"
)

// RegisterSession installs a CallHandler under SessionActorName(id) that
// dispatches incoming frames onto ref, and gossips the registration to
// connected peers. The host process calls this once per locally-created
// session so remote peers can address it transparently.
func (n *Node) RegisterSession(id domain.PublicID, ref agentctx.SessionRef) {
	n.RegisterHandler(SessionActorName(id), sessionCallHandler(ref))
}

// UnregisterSession removes a session's actor name, e.g. once it goes
// idle and is evicted from memory.
func (n *Node) UnregisterSession(id domain.PublicID) {
	n.UnregisterHandler(SessionActorName(id))
}

func sessionCallHandler(ref agentctx.SessionRef) CallHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		switch method {
		case sessionMethodPrompt:
			var p struct{ Text string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.Prompt(domain.TextPart{Content: p.Text})

		case sessionMethodCancel:
			ref.Cancel()
			return nil, nil

		case sessionMethodSetMode:
			var p struct{ Mode turn.AgentMode }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.SetMode(ctx, p.Mode)

		case sessionMethodGetMode:
			mode, err := ref.GetMode(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(mode)

		case sessionMethodSetSessionModel:
			var p struct{ Model domain.LLMConfig }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.SetSessionModel(ctx, p.Model)

		case sessionMethodGetLlmConfig:
			cfg, err := ref.GetLlmConfig(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(cfg)

		case sessionMethodGetHistory:
			msgs, err := ref.GetHistory(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(msgs)

		case sessionMethodSetAllowedTools:
			var p struct{ Tools []string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.SetAllowedTools(ctx, p.Tools)

		case sessionMethodSetDeniedTools:
			var p struct{ Tools []string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.SetDeniedTools(ctx, p.Tools)

		case sessionMethodSetToolPolicy:
			var p struct {
				Policy map[string]permission.PermissionAction
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.SetToolPolicy(ctx, p.Policy)

		case sessionMethodUndo:
			var p struct{ MessageID domain.PublicID }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			result, err := ref.Undo(ctx, p.MessageID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)

		case sessionMethodRedo:
			result, err := ref.Redo(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)

		case sessionMethodGetFileIndex:
			files, err := ref.GetFileIndex(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(files)

		case sessionMethodReadRemoteFile:
			var p struct{ Path string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			content, err := ref.ReadRemoteFile(ctx, p.Path)
			if err != nil {
				return nil, err
			}
			return json.Marshal(content)

		case sessionMethodExtMethod:
			var p struct {
				Method string
				Params []byte
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			result, err := ref.ExtMethod(ctx, p.Method, p.Params)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)

		case sessionMethodExtNotification:
			var p struct {
				Method string
				Params []byte
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, ref.ExtNotification(p.Method, p.Params)

		default:
			return nil, fmt.Errorf("mesh: unknown session method %q", method)
		}
	}
}

// SessionClient implements agentctx.RemoteRefClient by addressing a
// session hosted on another peer through Node.Call.
type SessionClient struct {
	node      *Node
	sessionID domain.PublicID
}

// NewSessionClient builds a client addressing sessionID over node.
func NewSessionClient(node *Node, sessionID domain.PublicID) *SessionClient {
	return &SessionClient{node: node, sessionID: sessionID}
}

func (c *SessionClient) target() string { return SessionActorName(c.sessionID) }

func (c *SessionClient) call(ctx context.Context, method string, params, out any) error {
	raw, err := c.node.Call(ctx, c.target(), method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *SessionClient) Prompt(ctx context.Context, text string) error {
	return c.call(ctx, sessionMethodPrompt, struct{ Text string }{text}, nil)
}

func (c *SessionClient) Cancel(ctx context.Context) error {
	return c.call(ctx, sessionMethodCancel, struct{}{}, nil)
}

func (c *SessionClient) SetMode(ctx context.Context, mode turn.AgentMode) error {
	return c.call(ctx, sessionMethodSetMode, struct{ Mode turn.AgentMode }{mode}, nil)
}

func (c *SessionClient) GetMode(ctx context.Context) (turn.AgentMode, error) {
	var mode turn.AgentMode
	err := c.call(ctx, sessionMethodGetMode, struct{}{}, &mode)
	return mode, err
}

func (c *SessionClient) SetSessionModel(ctx context.Context, model domain.LLMConfig) error {
	return c.call(ctx, sessionMethodSetSessionModel, struct{ Model domain.LLMConfig }{model}, nil)
}

func (c *SessionClient) GetLlmConfig(ctx context.Context) (domain.LLMConfig, error) {
	var cfg domain.LLMConfig
	err := c.call(ctx, sessionMethodGetLlmConfig, struct{}{}, &cfg)
	return cfg, err
}

func (c *SessionClient) GetHistory(ctx context.Context) ([]domain.Message, error) {
	var msgs []domain.Message
	err := c.call(ctx, sessionMethodGetHistory, struct{}{}, &msgs)
	return msgs, err
}

func (c *SessionClient) SetAllowedTools(ctx context.Context, tools []string) error {
	return c.call(ctx, sessionMethodSetAllowedTools, struct{ Tools []string }{tools}, nil)
}

func (c *SessionClient) SetDeniedTools(ctx context.Context, tools []string) error {
	return c.call(ctx, sessionMethodSetDeniedTools, struct{ Tools []string }{tools}, nil)
}

func (c *SessionClient) SetToolPolicy(ctx context.Context, policy map[string]permission.PermissionAction) error {
	return c.call(ctx, sessionMethodSetToolPolicy, struct {
		Policy map[string]permission.PermissionAction
	}{policy}, nil)
}

func (c *SessionClient) Undo(ctx context.Context, messageID domain.PublicID) (*snapshot.UndoResult, error) {
	var result snapshot.UndoResult
	if err := c.call(ctx, sessionMethodUndo, struct{ MessageID domain.PublicID }{messageID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *SessionClient) Redo(ctx context.Context) (*snapshot.RedoResult, error) {
	var result snapshot.RedoResult
	if err := c.call(ctx, sessionMethodRedo, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *SessionClient) GetFileIndex(ctx context.Context) ([]string, error) {
	var files []string
	err := c.call(ctx, sessionMethodGetFileIndex, struct{}{}, &files)
	return files, err
}

func (c *SessionClient) ReadRemoteFile(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	err := c.call(ctx, sessionMethodReadRemoteFile, struct{ Path string }{path}, &content)
	return content, err
}

func (c *SessionClient) ExtMethod(ctx context.Context, method string, params []byte) ([]byte, error) {
	var result []byte
	err := c.call(ctx, sessionMethodExtMethod, struct {
		Method string
		Params []byte
	}{method, params}, &result)
	return result, err
}

func (c *SessionClient) ExtNotification(ctx context.Context, method string, params []byte) error {
	return c.call(ctx, sessionMethodExtNotification, struct {
		Method string
		Params []byte
	}{method, params}, nil)
}

var _ agentctx.RemoteRefClient = (*SessionClient)(nil)
