package agentctx

import (
	"context"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/turn"
)

func promptInputFromText(text string) agentreg.PromptInput {
	return agentreg.PromptInput{Text: text}
}

// SessionRef is the full session-actor surface a caller (the JSON-RPC
// server, a delegation orchestrator resolving a child session) addresses a
// session through, without needing to know whether that session is
// running in this process or on a mesh peer. LocalSessionRef and
// RemoteSessionRef both satisfy it identically — the same transparency
// agentreg.AgentHandle gives callers one layer up, for prompt/cancel, but
// extended to the rest of the actor's mailbox.
type SessionRef interface {
	Prompt(input domain.Part) error
	Cancel()
	SetMode(ctx context.Context, mode turn.AgentMode) error
	GetMode(ctx context.Context) (turn.AgentMode, error)
	SetSessionModel(ctx context.Context, model domain.LLMConfig) error
	GetLlmConfig(ctx context.Context) (domain.LLMConfig, error)
	GetHistory(ctx context.Context) ([]domain.Message, error)
	SetAllowedTools(ctx context.Context, tools []string) error
	SetDeniedTools(ctx context.Context, tools []string) error
	SetToolPolicy(ctx context.Context, policy map[string]permission.PermissionAction) error
	Undo(ctx context.Context, messageID domain.PublicID) (*snapshot.UndoResult, error)
	Redo(ctx context.Context) (*snapshot.RedoResult, error)
	GetFileIndex(ctx context.Context) ([]string, error)
	ReadRemoteFile(ctx context.Context, path string) ([]byte, error)
	ExtMethod(ctx context.Context, method string, params []byte) ([]byte, error)
	ExtNotification(method string, params []byte) error
}

// LocalSessionRef adapts a *SessionActor to SessionRef. Its Prompt takes a
// domain.Part rather than the actor's agentreg.PromptInput so SessionRef
// doesn't have to import agentreg; only text parts are supported today,
// matching what the turn engine itself consumes for a prompt.
type LocalSessionRef struct {
	actor *SessionActor
}

// NewLocalSessionRef wraps actor for SessionRef callers.
func NewLocalSessionRef(actor *SessionActor) *LocalSessionRef {
	return &LocalSessionRef{actor: actor}
}

func (r *LocalSessionRef) Prompt(input domain.Part) error {
	text, _ := input.(domain.TextPart)
	return r.actor.Prompt(promptInputFromText(text.Content))
}

func (r *LocalSessionRef) Cancel() { r.actor.Cancel() }

func (r *LocalSessionRef) SetMode(ctx context.Context, mode turn.AgentMode) error {
	return r.actor.SetMode(ctx, mode)
}

func (r *LocalSessionRef) GetMode(ctx context.Context) (turn.AgentMode, error) {
	return r.actor.GetMode(ctx)
}

func (r *LocalSessionRef) SetSessionModel(ctx context.Context, model domain.LLMConfig) error {
	return r.actor.SetSessionModel(ctx, model)
}

func (r *LocalSessionRef) GetLlmConfig(ctx context.Context) (domain.LLMConfig, error) {
	return r.actor.GetLlmConfig(ctx)
}

func (r *LocalSessionRef) GetHistory(ctx context.Context) ([]domain.Message, error) {
	return r.actor.GetHistory(ctx)
}

func (r *LocalSessionRef) SetAllowedTools(ctx context.Context, tools []string) error {
	return r.actor.SetAllowedTools(ctx, tools)
}

func (r *LocalSessionRef) SetDeniedTools(ctx context.Context, tools []string) error {
	return r.actor.SetDeniedTools(ctx, tools)
}

func (r *LocalSessionRef) SetToolPolicy(ctx context.Context, policy map[string]permission.PermissionAction) error {
	return r.actor.SetToolPolicy(ctx, policy)
}

func (r *LocalSessionRef) Undo(ctx context.Context, messageID domain.PublicID) (*snapshot.UndoResult, error) {
	return r.actor.Undo(ctx, messageID)
}

func (r *LocalSessionRef) Redo(ctx context.Context) (*snapshot.RedoResult, error) {
	return r.actor.Redo(ctx)
}

func (r *LocalSessionRef) GetFileIndex(ctx context.Context) ([]string, error) {
	return r.actor.GetFileIndex(ctx)
}

func (r *LocalSessionRef) ReadRemoteFile(ctx context.Context, path string) ([]byte, error) {
	return r.actor.ReadRemoteFile(ctx, path)
}

func (r *LocalSessionRef) ExtMethod(ctx context.Context, method string, params []byte) ([]byte, error) {
	return r.actor.ExtMethod(ctx, method, params)
}

func (r *LocalSessionRef) ExtNotification(method string, params []byte) error {
	return r.actor.ExtNotification(method, params)
}

// RemoteRefClient is implemented by the mesh transport to carry
// SessionRef's calls to the peer actually hosting the session. It mirrors
// SessionRef one-for-one; RemoteSessionRef is a pure pass-through plus the
// Durable/Origin stamping the mesh relay needs, which lives in
// EventRelayActor rather than here.
type RemoteRefClient interface {
	Prompt(ctx context.Context, text string) error
	Cancel(ctx context.Context) error
	SetMode(ctx context.Context, mode turn.AgentMode) error
	GetMode(ctx context.Context) (turn.AgentMode, error)
	SetSessionModel(ctx context.Context, model domain.LLMConfig) error
	GetLlmConfig(ctx context.Context) (domain.LLMConfig, error)
	GetHistory(ctx context.Context) ([]domain.Message, error)
	SetAllowedTools(ctx context.Context, tools []string) error
	SetDeniedTools(ctx context.Context, tools []string) error
	SetToolPolicy(ctx context.Context, policy map[string]permission.PermissionAction) error
	Undo(ctx context.Context, messageID domain.PublicID) (*snapshot.UndoResult, error)
	Redo(ctx context.Context) (*snapshot.RedoResult, error)
	GetFileIndex(ctx context.Context) ([]string, error)
	ReadRemoteFile(ctx context.Context, path string) ([]byte, error)
	ExtMethod(ctx context.Context, method string, params []byte) ([]byte, error)
	ExtNotification(ctx context.Context, method string, params []byte) error
}

// RemoteSessionRef adapts a RemoteRefClient to SessionRef for a session
// hosted on peerLabel. Cancel and ExtNotification swallow transport
// errors rather than returning them, matching SessionRef's fire-and-forget
// signatures for those two calls.
type RemoteSessionRef struct {
	client    RemoteRefClient
	peerLabel string
}

// NewRemoteSessionRef wraps client for the peer identified by peerLabel.
func NewRemoteSessionRef(client RemoteRefClient, peerLabel string) *RemoteSessionRef {
	return &RemoteSessionRef{client: client, peerLabel: peerLabel}
}

// PeerLabel identifies which mesh peer hosts the session this ref points at.
func (r *RemoteSessionRef) PeerLabel() string { return r.peerLabel }

func (r *RemoteSessionRef) Prompt(input domain.Part) error {
	text, _ := input.(domain.TextPart)
	return r.client.Prompt(context.Background(), text.Content)
}

func (r *RemoteSessionRef) Cancel() {
	_ = r.client.Cancel(context.Background())
}

func (r *RemoteSessionRef) SetMode(ctx context.Context, mode turn.AgentMode) error {
	return r.client.SetMode(ctx, mode)
}

func (r *RemoteSessionRef) GetMode(ctx context.Context) (turn.AgentMode, error) {
	return r.client.GetMode(ctx)
}

func (r *RemoteSessionRef) SetSessionModel(ctx context.Context, model domain.LLMConfig) error {
	return r.client.SetSessionModel(ctx, model)
}

func (r *RemoteSessionRef) GetLlmConfig(ctx context.Context) (domain.LLMConfig, error) {
	return r.client.GetLlmConfig(ctx)
}

func (r *RemoteSessionRef) GetHistory(ctx context.Context) ([]domain.Message, error) {
	return r.client.GetHistory(ctx)
}

func (r *RemoteSessionRef) SetAllowedTools(ctx context.Context, tools []string) error {
	return r.client.SetAllowedTools(ctx, tools)
}

func (r *RemoteSessionRef) SetDeniedTools(ctx context.Context, tools []string) error {
	return r.client.SetDeniedTools(ctx, tools)
}

func (r *RemoteSessionRef) SetToolPolicy(ctx context.Context, policy map[string]permission.PermissionAction) error {
	return r.client.SetToolPolicy(ctx, policy)
}

func (r *RemoteSessionRef) Undo(ctx context.Context, messageID domain.PublicID) (*snapshot.UndoResult, error) {
	return r.client.Undo(ctx, messageID)
}

func (r *RemoteSessionRef) Redo(ctx context.Context) (*snapshot.RedoResult, error) {
	return r.client.Redo(ctx)
}

func (r *RemoteSessionRef) GetFileIndex(ctx context.Context) ([]string, error) {
	return r.client.GetFileIndex(ctx)
}

func (r *RemoteSessionRef) ReadRemoteFile(ctx context.Context, path string) ([]byte, error) {
	return r.client.ReadRemoteFile(ctx, path)
}

func (r *RemoteSessionRef) ExtMethod(ctx context.Context, method string, params []byte) ([]byte, error) {
	return r.client.ExtMethod(ctx, method, params)
}

func (r *RemoteSessionRef) ExtNotification(method string, params []byte) error {
	return r.client.ExtNotification(context.Background(), method, params)
}

var (
	_ SessionRef = (*LocalSessionRef)(nil)
	_ SessionRef = (*RemoteSessionRef)(nil)
)
