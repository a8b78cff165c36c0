package mesh

import (
	"encoding/json"

	"github.com/querymt/qmt/internal/domain"
)

// FrameType tags a Frame's purpose on the wire.
type FrameType string

const (
	// FrameCall is an actor method invocation directed at a named actor
	// this peer believes lives on the other end of the connection.
	FrameCall FrameType = "actor_call"
	// FrameResponse answers a FrameCall by ReqID.
	FrameResponse FrameType = "actor_response"
	// FrameEvent carries a RelayedEvent from the peer hosting a session
	// to every other peer subscribed to it.
	FrameEvent FrameType = "relayed_event"
	// FrameRegistry gossips this peer's locally-registered actor names,
	// sent on connect and whenever a name is registered locally; removing
	// a name sends nothing.
	FrameRegistry FrameType = "registry_gossip"
	// FrameHello is the first frame exchanged by both sides of a new
	// connection, identifying peer id and hostname.
	FrameHello FrameType = "hello"
	// FrameHeartbeat keeps a connection's liveness fresh between actor
	// calls; mirrors the SSE heartbeat's role one layer down the stack.
	FrameHeartbeat FrameType = "heartbeat"
)

// Frame is the single envelope type every message on a mesh connection
// uses, demultiplexed by Type.
type Frame struct {
	Type FrameType `json:"type"`

	// FrameHello
	PeerID   string `json:"peerID,omitempty"`
	Hostname string `json:"hostname,omitempty"`

	// FrameCall / FrameResponse
	ReqID   string          `json:"reqID,omitempty"`
	Target  string          `json:"target,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	ErrMsg  string          `json:"error,omitempty"`

	// FrameEvent
	Event *domain.AgentEvent `json:"event,omitempty"`

	// FrameRegistry: actor name -> owning peer id (always this sender's
	// own peer id for names it announces).
	Registrations map[string]string `json:"registrations,omitempty"`
}

// PeerEventKind distinguishes a peer joining from a peer going stale.
type PeerEventKind string

const (
	PeerJoined PeerEventKind = "joined"
	PeerLeft   PeerEventKind = "left"
)

// PeerEvent reports a peer lifecycle transition, the Go analogue of
// original_source's mesh::PeerEvent.
type PeerEvent struct {
	Kind   PeerEventKind
	PeerID string
}
