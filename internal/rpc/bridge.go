package rpc

import (
	"context"
	"sync"

	"github.com/querymt/qmt/internal/permission"
)

// ClientBridge implements permission.ClientBridge by parking the asking
// goroutine on a channel until the matching permission_result JSON-RPC
// call resolves it. One bridge is shared by every session a Checker
// serves, keyed on the permission request id rather than session id,
// matching how Checker.request already addresses requests.
type ClientBridge struct {
	mu      sync.Mutex
	pending map[string]chan permission.Response
}

// NewClientBridge builds an empty bridge.
func NewClientBridge() *ClientBridge {
	return &ClientBridge{pending: make(map[string]chan permission.Response)}
}

// RequestPermission blocks until Resolve delivers a matching response or
// ctx is cancelled.
func (b *ClientBridge) RequestPermission(ctx context.Context, req permission.Request) (permission.Response, error) {
	ch := make(chan permission.Response, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return permission.Response{}, ctx.Err()
	}
}

// Resolve delivers resp to the goroutine blocked in RequestPermission for
// requestID, the handler for the permission_result JSON-RPC method.
// Reports false if no call is currently waiting on that id (already
// resolved, or the id was never outstanding).
func (b *ClientBridge) Resolve(requestID string, resp permission.Response) bool {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}
