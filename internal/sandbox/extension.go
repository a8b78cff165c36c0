package sandbox

import "sync"

// Extension is a runtime-acquired capability token granting write access
// to Dir. Per spec.md's ownership rule, an Extension is exclusively owned
// by the ExtensionManager that issued it and released on mode downgrade.
type Extension struct {
	Dir string
}

// ExtensionManager holds at most one live Extension at a time. Acquire
// replaces whatever token was previously held; Downgrade revokes it
// immediately, before returning, so a caller that serializes mode changes
// against tool calls (as SessionActor.SetMode does) can rely on the next
// tool call observing no token at all.
type ExtensionManager struct {
	mu      sync.Mutex
	current *Extension
}

// NewExtensionManager returns a manager holding no token.
func NewExtensionManager() *ExtensionManager {
	return &ExtensionManager{}
}

// Acquire grants write access to dir, replacing any previously held token.
func (m *ExtensionManager) Acquire(dir string) *Extension {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext := &Extension{Dir: dir}
	m.current = ext
	return ext
}

// Downgrade revokes the currently held token, if any.
func (m *ExtensionManager) Downgrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// Token returns the currently held token, if any.
func (m *ExtensionManager) Token() (*Extension, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}
