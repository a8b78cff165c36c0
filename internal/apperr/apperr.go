// Package apperr is the single structured error type spanning the whole
// runtime, grouped by domain (configuration, session lifecycle, protocol,
// provider, bridge, remote, generic) and mapped onto the JSON-RPC error
// code space by internal/rpc.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the domain it belongs to, so callers can branch
// on kind without string-matching messages.
type Kind string

const (
	KindProviderRequired       Kind = "provider_required"
	KindUnknownProvider        Kind = "unknown_provider"
	KindMeshNotBootstrapped    Kind = "mesh_not_bootstrapped"
	KindSessionNotFound        Kind = "session_not_found"
	KindEmptySessionFork       Kind = "empty_session_fork"
	KindSessionSemaphoreClosed Kind = "session_semaphore_closed"
	KindSessionTimeout         Kind = "session_timeout"
	KindMcpServerFailed        Kind = "mcp_server_failed"
	KindMethodNotImplemented   Kind = "method_not_implemented"
	KindProvider               Kind = "provider"
	KindProviderChat           Kind = "provider_chat"
	KindClientBridgeClosed     Kind = "client_bridge_closed"
	KindPermissionCancelled    Kind = "permission_cancelled"
	KindPermissionChanDropped  Kind = "permission_channel_dropped"
	KindRemoteActor            Kind = "remote_actor"
	KindSwarmLookupFailed      Kind = "swarm_lookup_failed"
	KindRemoteSessionNotFound  Kind = "remote_session_not_found"
	KindSerialization          Kind = "serialization"
	KindInternal               Kind = "internal"
)

// Error is the module's structured error type: RPCCode maps its Kind onto
// a JSON-RPC error code without string-sniffing. Many packages still
// return plain wrapped errors, which RPCCode maps to -32603.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of kind with message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of kind wrapping cause, with message as added context.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// SessionNotFound builds a KindSessionNotFound error for sessionID.
func SessionNotFound(sessionID string) *Error {
	return New(KindSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
}

// RemoteSessionNotFound builds a KindRemoteSessionNotFound error for sessionID on peer.
func RemoteSessionNotFound(sessionID, peer string) *Error {
	return New(KindRemoteSessionNotFound, fmt.Sprintf("session %s not found on peer %s", sessionID, peer))
}

// MethodNotImplemented builds a KindMethodNotImplemented error for method.
func MethodNotImplemented(method string) *Error {
	return New(KindMethodNotImplemented, fmt.Sprintf("method %q not implemented", method))
}

// rpcCodes maps a Kind to its JSON-RPC error code. Everything absent from
// this table falls back to -32603 (Internal error), per spec.md §7's
// "everything else → -32603" rule. Kept as a lookup table rather than a
// type switch so the mapping stays exhaustive and testable (a table can be
// range-checked against the Kind constants above; a switch can silently
// fall through).
var rpcCodes = map[Kind]int{
	KindMethodNotImplemented:  -32601,
	KindSessionNotFound:       -32002,
	KindRemoteSessionNotFound: -32002,
}

// RPCCode returns the JSON-RPC error code for err, or -32603 if err is not
// an *Error or its Kind has no specific entry.
func RPCCode(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return -32603
	}
	if code, ok := rpcCodes[appErr.Kind]; ok {
		return code
	}
	return -32603
}
