package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/querymt/qmt/internal/agentctx"
	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/apperr"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/turn"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorResponse(id json.RawMessage, err error) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: apperr.RPCCode(err), Message: err.Error()}}
}

func successResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// handleRPC dispatches a single JSON-RPC request. Batched requests (a
// JSON array body) are not supported, matching the subset of the
// protocol this surface commits to.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPC(w, errorResponse(nil, apperr.New(apperr.KindSerialization, "read body")))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, errorResponse(nil, apperr.New(apperr.KindSerialization, "invalid JSON-RPC request")))
		return
	}

	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		writeRPC(w, errorResponse(req.ID, err))
		return
	}
	writeRPC(w, successResponse(req.ID, result))
}

func writeRPC(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return s.methodInitialize(ctx, params)
	case "authenticate":
		return s.methodAuthenticate(ctx, params)
	case "session/new":
		return s.methodSessionNew(ctx, params)
	case "session/prompt":
		return s.methodSessionPrompt(ctx, params)
	case "session/cancel":
		return s.methodSessionCancel(ctx, params)
	case "session/fork":
		return s.methodSessionFork(ctx, params)
	case "session/load":
		return s.methodSessionLoad(ctx, params)
	case "session/list":
		return s.methodSessionList(ctx, params)
	case "session/set_mode":
		return s.methodSessionSetMode(ctx, params)
	case "session/set_model":
		return s.methodSessionSetModel(ctx, params)
	case "session/undo":
		return s.methodSessionUndo(ctx, params)
	case "session/redo":
		return s.methodSessionRedo(ctx, params)
	case "permission_result":
		return s.methodPermissionResult(ctx, params)
	default:
		return nil, apperr.MethodNotImplemented(method)
	}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, apperr.Wrap(apperr.KindSerialization, "decode params", err)
	}
	return v, nil
}

type initializeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Agents          []string `json:"agents"`
}

func (s *Server) methodInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	return initializeResult{ProtocolVersion: "1", Agents: s.agents.Names()}, nil
}

type authenticateParams struct {
	Token string `json:"token"`
}

func (s *Server) methodAuthenticate(ctx context.Context, params json.RawMessage) (any, error) {
	if _, err := decodeParams[authenticateParams](params); err != nil {
		return nil, err
	}
	// No external identity provider is wired in this pass; any call that
	// reaches the process is trusted the same way the worker binary
	// trusts its supervisor socket.
	return map[string]bool{"ok": true}, nil
}

type sessionNewParams struct {
	Agent           string           `json:"agent"`
	Cwd             string           `json:"cwd"`
	ParentSessionID domain.PublicID  `json:"parentSessionID,omitempty"`
	LLMConfig       *domain.LLMConfig `json:"llmConfig,omitempty"`
}

type sessionNewResult struct {
	SessionID domain.PublicID `json:"sessionID"`
}

func (s *Server) methodSessionNew(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionNewParams](params)
	if err != nil {
		return nil, err
	}
	handle, rt, err := s.handle(p.Agent)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknownProvider, "resolve agent", err)
	}

	opts := agentreg.NewSessionOptions{WorkDir: p.Cwd, Origin: domain.ForkOriginUser, LLMConfig: p.LLMConfig}
	if p.ParentSessionID != "" {
		opts.ParentSessionID = p.ParentSessionID
	}

	id, err := handle.NewSession(ctx, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create session", err)
	}
	s.trackSession(id, p.Agent, rt)
	return sessionNewResult{SessionID: id}, nil
}

type sessionPromptParams struct {
	SessionID domain.PublicID `json:"sessionID"`
	Text      string          `json:"text"`
}

func (s *Server) methodSessionPrompt(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionPromptParams](params)
	if err != nil {
		return nil, err
	}
	ref, err := s.ref(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := ref.Prompt(domain.TextPart{Content: p.Text}); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "prompt", err)
	}
	return map[string]bool{"accepted": true}, nil
}

type sessionIDParams struct {
	SessionID domain.PublicID `json:"sessionID"`
}

func (s *Server) methodSessionCancel(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionIDParams](params)
	if err != nil {
		return nil, err
	}
	ref, err := s.ref(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	ref.Cancel()
	return map[string]bool{"cancelled": true}, nil
}

type sessionForkParams struct {
	SessionID domain.PublicID `json:"sessionID"`
	MessageID domain.PublicID `json:"messageID"`
}

func (s *Server) methodSessionFork(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionForkParams](params)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.sessions[p.SessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.SessionNotFound(string(p.SessionID))
	}
	forker, ok := entry.runtime.(sessionForker)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "agent runtime does not support fork")
	}
	childID, err := forker.Fork(ctx, p.SessionID, p.MessageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fork session", err)
	}
	s.trackSession(childID, entry.agent, entry.runtime)
	return sessionNewResult{SessionID: childID}, nil
}

// sessionForker is satisfied by *agentctx.Runtime; kept narrow so tests
// can stub a runtime that only implements Ref without also implementing
// Fork.
type sessionForker interface {
	Fork(ctx context.Context, sourceSessionID, targetMessageID domain.PublicID) (domain.PublicID, error)
}

type sessionLoadParams struct {
	SessionID domain.PublicID `json:"sessionID"`
	Agent     string          `json:"agent"`
}

type sessionLoadResult struct {
	SessionID domain.PublicID  `json:"sessionID"`
	History   []domain.Message `json:"history"`
}

// methodSessionLoad reattaches the caller to a session from a previous
// process lifetime. The agent parameter is required because a session
// row carries no agent name of its own (see DESIGN.md); a client that
// doesn't already know it cannot reattach.
func (s *Server) methodSessionLoad(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionLoadParams](params)
	if err != nil {
		return nil, err
	}
	_, rt, err := s.handle(p.Agent)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknownProvider, "resolve agent", err)
	}
	ref, err := rt.Ref(ctx, p.SessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSessionNotFound, "load session", err)
	}
	history, err := ref.GetHistory(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load history", err)
	}
	s.trackSession(p.SessionID, p.Agent, rt)
	return sessionLoadResult{SessionID: p.SessionID, History: history}, nil
}

type sessionListEntry struct {
	SessionID domain.PublicID `json:"sessionID"`
	Agent     string          `json:"agent"`
}

func (s *Server) methodSessionList(ctx context.Context, params json.RawMessage) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]sessionListEntry, 0, len(s.sessions))
	for id, entry := range s.sessions {
		entries = append(entries, sessionListEntry{SessionID: id, Agent: entry.agent})
	}
	return entries, nil
}

type sessionSetModeParams struct {
	SessionID domain.PublicID `json:"sessionID"`
	Mode      turn.AgentMode  `json:"mode"`
}

func (s *Server) methodSessionSetMode(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionSetModeParams](params)
	if err != nil {
		return nil, err
	}
	ref, err := s.ref(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := ref.SetMode(ctx, p.Mode); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "set mode", err)
	}
	return map[string]bool{"ok": true}, nil
}

type sessionSetModelParams struct {
	SessionID domain.PublicID `json:"sessionID"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
}

func (s *Server) methodSessionSetModel(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionSetModelParams](params)
	if err != nil {
		return nil, err
	}
	ref, err := s.ref(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := ref.SetSessionModel(ctx, domain.LLMConfig{Provider: p.Provider, Model: p.Model}); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "set model", err)
	}
	return map[string]bool{"ok": true}, nil
}

type sessionUndoParams struct {
	SessionID domain.PublicID `json:"sessionID"`
	MessageID domain.PublicID `json:"messageID"`
}

type sessionUndoResult struct {
	RevertedFiles []string        `json:"revertedFiles"`
	MessageID     domain.PublicID `json:"messageID"`
}

func (s *Server) methodSessionUndo(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionUndoParams](params)
	if err != nil {
		return nil, err
	}
	ref, err := s.ref(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	result, err := ref.Undo(ctx, p.MessageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "undo", err)
	}
	return sessionUndoResult{RevertedFiles: result.RevertedFiles, MessageID: result.MessageID}, nil
}

type sessionRedoResult struct {
	Restored bool `json:"restored"`
}

func (s *Server) methodSessionRedo(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[sessionIDParams](params)
	if err != nil {
		return nil, err
	}
	ref, err := s.ref(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	result, err := ref.Redo(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "redo", err)
	}
	return sessionRedoResult{Restored: result.Restored}, nil
}

type permissionResultParams struct {
	RequestID string `json:"requestID"`
	Action    string `json:"action"`
}

func (s *Server) methodPermissionResult(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[permissionResultParams](params)
	if err != nil {
		return nil, err
	}
	resolved := s.bridge.Resolve(p.RequestID, permission.Response{RequestID: p.RequestID, Action: p.Action})
	return map[string]bool{"resolved": resolved}, nil
}

// ref resolves a tracked session to its SessionRef, the common path every
// method beyond session/new and session/load share.
func (s *Server) ref(ctx context.Context, sessionID domain.PublicID) (agentctx.SessionRef, error) {
	rt, ok := s.sessionRuntime(sessionID)
	if !ok {
		return nil, apperr.SessionNotFound(string(sessionID))
	}
	ref, err := rt.Ref(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSessionNotFound, "resolve session", err)
	}
	return ref, nil
}
