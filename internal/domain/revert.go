package domain

// RevertState is a per-session undo frame. At most one is active per
// session at a time; it is cleared (and messages after MessageID pruned)
// the moment a new prompt is submitted. See internal/snapshot (Undo, Redo,
// CleanupRevertOnPrompt) for the undo/redo/cleanup algorithm this frame
// supports.
type RevertState struct {
	PublicID  PublicID `json:"publicID"`
	SessionID PublicID `json:"sessionID"`

	// MessageID is the frontier: the message this revert would roll back
	// to (i.e. the first message that would be removed on cleanup).
	MessageID  PublicID `json:"messageID"`
	SnapshotID string   `json:"snapshotID"` // pre-revert workspace snapshot
	BackendID  string   `json:"backendID"`  // snapshot backend identifier, e.g. "content"

	CreatedAt int64 `json:"createdAt"`
}
