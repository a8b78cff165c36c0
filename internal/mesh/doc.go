// Package mesh implements peer-to-peer session transparency: a node
// dials a bootstrap list of peers (or is dialed by them), registers named
// actors in a registry gossiped between connected peers, and carries
// SessionRef/AgentHandle calls and relayed events to whichever peer
// actually hosts them over a websocket-framed JSON protocol.
//
// It is the Go reimplementation of original_source's libp2p/kameo-backed
// MeshTransport trait, scoped down to what this module's peer-discovery
// story actually needs: a bootstrap list rather than a Kademlia DHT, and
// a flat name->peer registry gossiped on connect and on each new
// registration rather than a
// full DHT put/get. Reserved actor names match spec.md §6 exactly.
package mesh

import "github.com/querymt/qmt/internal/domain"

// Reserved actor name prefixes/labels (spec.md §6 "Mesh wire-level").
const (
	NodeManagerName = "node_manager"
)

// NodeManagerPeerName is the per-peer node manager name.
func NodeManagerPeerName(peerID string) string {
	return NodeManagerName + "::" + peerID
}

// ProviderHostName is the reserved name for the LLM provider host actor
// running on peerID.
func ProviderHostName(peerID string) string {
	return "provider_host::peer::" + peerID
}

// SessionActorName is the reserved name a session actor registers under.
func SessionActorName(sessionID domain.PublicID) string {
	return "session::" + string(sessionID)
}
