package mesh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
)

// Agent method names, the wire vocabulary for frames targeting
// ProviderHostName(peerID); one per agentreg.RemoteClient method, plus an
// Agent field on every call so one provider host actor can multiplex
// every agent template the host peer runs.
const (
	agentMethodInitialize      = "Initialize"
	agentMethodNewSession      = "NewSession"
	agentMethodPrompt          = "Prompt"
	agentMethodCancel          = "Cancel"
	agentMethodSetSessionModel = "SetSessionModel"
)

type agentCallParams struct {
	Agent   string
	Session domain.PublicID          `json:",omitempty"`
	Opts    agentreg.NewSessionOptions `json:",omitempty"`
	Input   agentreg.PromptInput      `json:",omitempty"`
	Model   domain.LLMConfig          `json:",omitempty"`
}

// AgentResolver looks up the LocalDispatcher for an agent name this peer
// hosts, so one provider_host actor can front every local agent.
type AgentResolver func(agentName string) (agentreg.LocalDispatcher, bool)

// RegisterProviderHost installs the provider_host::peer::<peerID> actor,
// dispatching incoming calls to whichever local agent resolve names.
func (n *Node) RegisterProviderHost(resolve AgentResolver) {
	n.RegisterHandler(ProviderHostName(n.peerID), providerHostHandler(resolve))
}

func providerHostHandler(resolve AgentResolver) CallHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		var p agentCallParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		dispatcher, ok := resolve(p.Agent)
		if !ok {
			return nil, fmt.Errorf("mesh: no local agent named %q", p.Agent)
		}

		switch method {
		case agentMethodInitialize:
			return nil, dispatcher.Initialize(ctx)

		case agentMethodNewSession:
			id, err := dispatcher.NewSession(ctx, p.Opts)
			if err != nil {
				return nil, err
			}
			return json.Marshal(id)

		case agentMethodPrompt:
			return nil, dispatcher.Prompt(ctx, p.Session, p.Input)

		case agentMethodCancel:
			return nil, dispatcher.Cancel(ctx, p.Session)

		case agentMethodSetSessionModel:
			return nil, dispatcher.SetSessionModel(ctx, p.Session, p.Model)

		default:
			return nil, fmt.Errorf("mesh: unknown agent method %q", method)
		}
	}
}

// AgentClient implements agentreg.RemoteClient by addressing an agent
// named agentName hosted by peerID's provider_host actor.
type AgentClient struct {
	node      *Node
	peerID    string
	agentName string
}

// NewAgentClient builds a client addressing agentName on peerID over node.
func NewAgentClient(node *Node, peerID, agentName string) *AgentClient {
	return &AgentClient{node: node, peerID: peerID, agentName: agentName}
}

func (c *AgentClient) target() string { return ProviderHostName(c.peerID) }

func (c *AgentClient) call(ctx context.Context, method string, params agentCallParams, out any) error {
	params.Agent = c.agentName
	raw, err := c.node.Call(ctx, c.target(), method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *AgentClient) Initialize(ctx context.Context) error {
	return c.call(ctx, agentMethodInitialize, agentCallParams{}, nil)
}

func (c *AgentClient) NewSession(ctx context.Context, opts agentreg.NewSessionOptions) (domain.PublicID, error) {
	var id domain.PublicID
	err := c.call(ctx, agentMethodNewSession, agentCallParams{Opts: opts}, &id)
	return id, err
}

func (c *AgentClient) Prompt(ctx context.Context, sessionID domain.PublicID, input agentreg.PromptInput) error {
	return c.call(ctx, agentMethodPrompt, agentCallParams{Session: sessionID, Input: input}, nil)
}

func (c *AgentClient) Cancel(ctx context.Context, sessionID domain.PublicID) error {
	return c.call(ctx, agentMethodCancel, agentCallParams{Session: sessionID}, nil)
}

func (c *AgentClient) SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error {
	return c.call(ctx, agentMethodSetSessionModel, agentCallParams{Session: sessionID, Model: model}, nil)
}

var _ agentreg.RemoteClient = (*AgentClient)(nil)
