package agentreg

import (
	"context"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

// NewSessionOptions parameterizes AgentHandle.NewSession.
type NewSessionOptions struct {
	ParentSessionID domain.PublicID
	Origin          domain.ForkOrigin
	WorkDir         string
	LLMConfig       *domain.LLMConfig
}

// PromptInput is what AgentHandle.Prompt feeds into a session's next turn.
type PromptInput struct {
	Text        string
	Attachments []domain.Part
}

// AgentHandle is the runtime reference an AgentRegistry entry points at.
// LocalAgentHandle and RemoteAgentHandle both satisfy it identically, so a
// caller routing a delegation or a prompt never branches on whether the
// target agent lives in this process or across the mesh. This replaces the
// "downcast to concrete agent to get its event bus" pattern: EventBus is a
// first-class method here instead.
type AgentHandle interface {
	Initialize(ctx context.Context) error
	NewSession(ctx context.Context, opts NewSessionOptions) (domain.PublicID, error)
	Prompt(ctx context.Context, sessionID domain.PublicID, input PromptInput) error
	Cancel(ctx context.Context, sessionID domain.PublicID) error
	SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error

	// EventBus returns the fanout carrying this agent's events. For a local
	// handle this is the runtime's own fanout; for a remote handle it is a
	// private fanout fed by the mesh's event relay, so subscribers see the
	// same shape regardless of locality.
	EventBus() *eventbus.Fanout
}

// LocalDispatcher is implemented by the in-process session runtime
// (the turn engine / session actor supervisor) and injected into
// LocalAgentHandle. Keeping it as an interface here, rather than importing
// the runtime package directly, avoids a dependency cycle: the runtime
// depends on agentreg to look agents up, not the other way around.
type LocalDispatcher interface {
	Initialize(ctx context.Context) error
	NewSession(ctx context.Context, opts NewSessionOptions) (domain.PublicID, error)
	Prompt(ctx context.Context, sessionID domain.PublicID, input PromptInput) error
	Cancel(ctx context.Context, sessionID domain.PublicID) error
	SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error
}

// LocalAgentHandle drives an agent hosted in this process.
type LocalAgentHandle struct {
	dispatcher LocalDispatcher
	bus        *eventbus.Fanout
}

// NewLocalAgentHandle wraps dispatcher with bus as its event source.
// dispatcher may be set later via SetDispatcher, once the runtime that
// implements it has finished constructing itself.
func NewLocalAgentHandle(dispatcher LocalDispatcher, bus *eventbus.Fanout) *LocalAgentHandle {
	if bus == nil {
		bus = eventbus.NewFanout()
	}
	return &LocalAgentHandle{dispatcher: dispatcher, bus: bus}
}

// SetDispatcher wires the dispatcher after construction, for the common
// bootstrap order where the registry is built before the runtime it refers
// back into exists.
func (h *LocalAgentHandle) SetDispatcher(dispatcher LocalDispatcher) {
	h.dispatcher = dispatcher
}

func (h *LocalAgentHandle) Initialize(ctx context.Context) error {
	return h.dispatcher.Initialize(ctx)
}

func (h *LocalAgentHandle) NewSession(ctx context.Context, opts NewSessionOptions) (domain.PublicID, error) {
	return h.dispatcher.NewSession(ctx, opts)
}

func (h *LocalAgentHandle) Prompt(ctx context.Context, sessionID domain.PublicID, input PromptInput) error {
	return h.dispatcher.Prompt(ctx, sessionID, input)
}

func (h *LocalAgentHandle) Cancel(ctx context.Context, sessionID domain.PublicID) error {
	return h.dispatcher.Cancel(ctx, sessionID)
}

func (h *LocalAgentHandle) SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error {
	return h.dispatcher.SetSessionModel(ctx, sessionID, model)
}

func (h *LocalAgentHandle) EventBus() *eventbus.Fanout {
	return h.bus
}

// RemoteClient is implemented by the mesh transport for RPC calls to an
// agent hosted on a peer. A RemoteAgentHandle owns one RemoteClient per
// peer-hosted agent.
type RemoteClient interface {
	Initialize(ctx context.Context) error
	NewSession(ctx context.Context, opts NewSessionOptions) (domain.PublicID, error)
	Prompt(ctx context.Context, sessionID domain.PublicID, input PromptInput) error
	Cancel(ctx context.Context, sessionID domain.PublicID) error
	SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error
}

// RemoteAgentHandle drives an agent hosted by a mesh peer.
type RemoteAgentHandle struct {
	client    RemoteClient
	peerLabel string
	bus       *eventbus.Fanout
}

// NewRemoteAgentHandle wraps client for the peer identified by peerLabel.
// bus is owned by the handle; the mesh's EventRelayActor publishes relayed
// remote events into it so subscribers see a normal local fanout.
func NewRemoteAgentHandle(client RemoteClient, peerLabel string) *RemoteAgentHandle {
	return &RemoteAgentHandle{client: client, peerLabel: peerLabel, bus: eventbus.NewFanout()}
}

// PeerLabel identifies which mesh peer hosts this agent.
func (h *RemoteAgentHandle) PeerLabel() string {
	return h.peerLabel
}

func (h *RemoteAgentHandle) Initialize(ctx context.Context) error {
	return h.client.Initialize(ctx)
}

func (h *RemoteAgentHandle) NewSession(ctx context.Context, opts NewSessionOptions) (domain.PublicID, error) {
	return h.client.NewSession(ctx, opts)
}

func (h *RemoteAgentHandle) Prompt(ctx context.Context, sessionID domain.PublicID, input PromptInput) error {
	return h.client.Prompt(ctx, sessionID, input)
}

func (h *RemoteAgentHandle) Cancel(ctx context.Context, sessionID domain.PublicID) error {
	return h.client.Cancel(ctx, sessionID)
}

func (h *RemoteAgentHandle) SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error {
	return h.client.SetSessionModel(ctx, sessionID, model)
}

func (h *RemoteAgentHandle) EventBus() *eventbus.Fanout {
	return h.bus
}
