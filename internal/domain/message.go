package domain

import (
	"encoding/json"
	"fmt"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message belongs to exactly one session and carries an ordered list of
// Parts. Messages are immutable once stored — a later correction is a new
// message, never a mutation of an existing one.
type Message struct {
	ID              PublicID   `json:"id"`
	SessionID       PublicID   `json:"sessionID"`
	Role            Role       `json:"role"`
	Parts           []Part     `json:"parts"`
	ParentMessageID *PublicID  `json:"parentMessageID,omitempty"`
	CreatedAt       int64      `json:"createdAt"`
}

// PartType stably tags the variant of a Part across JSON encode/decode
// round-trips and across the event log.
type PartType string

const (
	PartTypeText             PartType = "text"
	PartTypeToolUse          PartType = "tool_use"
	PartTypeToolResult       PartType = "tool_result"
	PartTypeTurnSnapshotStart PartType = "turn_snapshot_start"
	PartTypeTurnSnapshotPatch PartType = "turn_snapshot_patch"
	PartTypeCompaction       PartType = "compaction"
	PartTypeSnapshot         PartType = "snapshot"
)

// Part is the tagged-sum interface implemented by every message part
// variant. Type returns the stable external tag used on the wire and in
// the journal; it never changes even if the Go type name does.
type Part interface {
	Type() PartType
}

// TextPart is plain assistant or user text content.
type TextPart struct {
	Content string `json:"content"`
}

func (TextPart) Type() PartType { return PartTypeText }

// ToolUsePart records an LLM-issued tool call.
type ToolUsePart struct {
	CallID    string         `json:"callID"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (ToolUsePart) Type() PartType { return PartTypeToolUse }

// ToolResultPart records the outcome of executing a ToolUsePart.
type ToolResultPart struct {
	CallID   string  `json:"callID"`
	Content  string  `json:"content"`
	IsError  bool    `json:"isError"`
	ToolName *string `json:"toolName,omitempty"`
}

func (ToolResultPart) Type() PartType { return PartTypeToolResult }

// TurnSnapshotStartPart marks the pre-tool-execution snapshot taken at the
// start of a turn; TurnSnapshotPatchPart entries within the same or an
// ancestor session must be preceded by one with a matching TurnID.
type TurnSnapshotStartPart struct {
	TurnID     string `json:"turnID"`
	SnapshotID string `json:"snapshotID"`
}

func (TurnSnapshotStartPart) Type() PartType { return PartTypeTurnSnapshotStart }

// TurnSnapshotPatchPart records the files changed by one tool execution
// within a turn, relative to the turn's starting snapshot.
type TurnSnapshotPatchPart struct {
	TurnID       string   `json:"turnID"`
	SnapshotID   string   `json:"snapshotID"`
	ChangedPaths []string `json:"changedPaths"`
}

func (TurnSnapshotPatchPart) Type() PartType { return PartTypeTurnSnapshotPatch }

// CompactionPart replaces a span of prior messages with a condensed
// summary produced by auto-compaction.
type CompactionPart struct {
	Summary            string `json:"summary"`
	OriginalTokenCount int    `json:"originalTokenCount"`
}

func (CompactionPart) Type() PartType { return PartTypeCompaction }

// SnapshotPart records a whole-workspace snapshot taken outside a turn
// (e.g. at session creation or fork).
type SnapshotPart struct {
	RootHash     string   `json:"rootHash"`
	ChangedPaths []string `json:"changedPaths"`
}

func (SnapshotPart) Type() PartType { return PartTypeSnapshot }

// taggedPart is the wire envelope used to (de)serialize the Part sum.
type taggedPart struct {
	Type PartType        `json:"type"`
	Data json.RawMessage `json:"-"`
}

// MarshalPart encodes a Part with its external tag alongside its fields.
func MarshalPart(p Part) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	tagBytes, _ := json.Marshal(p.Type())
	merged["type"] = tagBytes
	return json.Marshal(merged)
}

// UnmarshalPart decodes a tagged Part envelope into its concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var tp taggedPart
	if err := json.Unmarshal(data, &tp); err != nil {
		return nil, err
	}
	var head struct {
		Type PartType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case PartTypeText:
		var p TextPart
		return p, json.Unmarshal(data, &p)
	case PartTypeToolUse:
		var p ToolUsePart
		return p, json.Unmarshal(data, &p)
	case PartTypeToolResult:
		var p ToolResultPart
		return p, json.Unmarshal(data, &p)
	case PartTypeTurnSnapshotStart:
		var p TurnSnapshotStartPart
		return p, json.Unmarshal(data, &p)
	case PartTypeTurnSnapshotPatch:
		var p TurnSnapshotPatchPart
		return p, json.Unmarshal(data, &p)
	case PartTypeCompaction:
		var p CompactionPart
		return p, json.Unmarshal(data, &p)
	case PartTypeSnapshot:
		var p SnapshotPart
		return p, json.Unmarshal(data, &p)
	default:
		return nil, fmt.Errorf("domain: unknown part type %q", head.Type)
	}
}
