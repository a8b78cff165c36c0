// Package agentctx hosts the session actor layer: one goroutine-backed
// SessionActor per session, serializing every mailbox message
// (Prompt/Cancel/SetMode/Undo/...) against that session's
// ExecutionContext, plus the machinery that makes a session reference
// transparent to whether the session lives in this process (LocalSessionRef)
// or on a mesh peer (RemoteSessionRef) and that relays a remote session's
// events back onto the local fanout (EventRelayActor).
package agentctx
