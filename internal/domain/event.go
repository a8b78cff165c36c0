package domain

import (
	"encoding/json"
	"fmt"
)

// EventOrigin distinguishes an event raised by this node from one relayed
// in from a remote mesh peer.
type EventOrigin string

const (
	EventOriginLocal  EventOrigin = "local"
	EventOriginRemote EventOrigin = "remote"
)

// AgentEventKind stably tags an AgentEvent's payload variant.
type AgentEventKind string

const (
	EventSessionCreated      AgentEventKind = "session_created"
	EventSessionForked       AgentEventKind = "session_forked"
	EventPromptReceived      AgentEventKind = "prompt_received"
	EventUserMessageStored   AgentEventKind = "user_message_stored"
	EventAssistantMessageStored AgentEventKind = "assistant_message_stored"
	EventAssistantContentDelta AgentEventKind = "assistant_content_delta"
	EventToolCallStart       AgentEventKind = "tool_call_start"
	EventToolCallEnd         AgentEventKind = "tool_call_end"
	EventPermissionRequested AgentEventKind = "permission_requested"
	EventPermissionGranted   AgentEventKind = "permission_granted"
	EventSnapshotStart       AgentEventKind = "snapshot_start"
	EventSnapshotEnd         AgentEventKind = "snapshot_end"
	EventCompactionStart     AgentEventKind = "compaction_start"
	EventCompactionEnd       AgentEventKind = "compaction_end"
	EventDelegationRequested AgentEventKind = "delegation_requested"
	EventDelegationCompleted AgentEventKind = "delegation_completed"
	EventProviderChanged     AgentEventKind = "provider_changed"
	EventMiddlewareStopped   AgentEventKind = "middleware_stopped"
	EventWorkspaceFileChanged AgentEventKind = "workspace_file_changed"
)

// AgentEvent is the envelope carried by the event journal and fanout. Seq
// is 0 for ephemeral events (never persisted); durable events carry a
// strictly increasing per-journal seq assigned at append time.
type AgentEvent struct {
	Seq        int64          `json:"seq"`
	Timestamp  int64          `json:"timestamp"`
	SessionID  PublicID       `json:"sessionID"`
	Origin     EventOrigin    `json:"origin"`
	SourceNode *string        `json:"sourceNode,omitempty"`
	Kind       AgentEventKind `json:"kind"`
	Payload    EventPayload   `json:"payload"`
}

// EventPayload is implemented by every concrete *Data type below; Kind
// returns the stable tag that matches the AgentEvent.Kind it is paired
// with.
type EventPayload interface {
	Kind() AgentEventKind
}

type SessionCreatedData struct{}

func (SessionCreatedData) Kind() AgentEventKind { return EventSessionCreated }

type SessionForkedData struct {
	Parent        PublicID   `json:"parent"`
	Child         PublicID   `json:"child"`
	Origin        ForkOrigin `json:"origin"`
	TargetAgentID *string    `json:"targetAgentID,omitempty"`
}

func (SessionForkedData) Kind() AgentEventKind { return EventSessionForked }

type PromptReceivedData struct {
	Content   string    `json:"content"`
	MessageID *PublicID `json:"messageID,omitempty"`
}

func (PromptReceivedData) Kind() AgentEventKind { return EventPromptReceived }

type UserMessageStoredData struct {
	MessageID PublicID `json:"messageID"`
}

func (UserMessageStoredData) Kind() AgentEventKind { return EventUserMessageStored }

type AssistantMessageStoredData struct {
	Content   string    `json:"content"`
	Thinking  *string   `json:"thinking,omitempty"`
	MessageID *PublicID `json:"messageID,omitempty"`
	// Final is true when this message carries no tool calls, i.e. the turn
	// engine is about to transition to Complete rather than looping back
	// through ProcessingToolCalls. Subscribers that only care about a
	// session's end-of-turn result (the delegation orchestrator awaiting a
	// child session) can ignore every event but the one with Final=true.
	Final bool `json:"final,omitempty"`
}

func (AssistantMessageStoredData) Kind() AgentEventKind { return EventAssistantMessageStored }

type AssistantContentDeltaData struct {
	Content   string   `json:"content"`
	MessageID PublicID `json:"messageID"`
}

func (AssistantContentDeltaData) Kind() AgentEventKind { return EventAssistantContentDelta }

type ToolCallStartData struct {
	ToolCallID string `json:"toolCallID"`
	ToolName   string `json:"toolName"`
}

func (ToolCallStartData) Kind() AgentEventKind { return EventToolCallStart }

type ToolCallEndData struct {
	ToolCallID string `json:"toolCallID"`
	ToolName   string `json:"toolName"`
	IsError    bool   `json:"isError"`
	Result     string `json:"result"`
}

func (ToolCallEndData) Kind() AgentEventKind { return EventToolCallEnd }

type PermissionRequestedData struct {
	PermissionID string    `json:"permissionID"`
	ToolName     string    `json:"toolName"`
	TaskID       *PublicID `json:"taskID,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

func (PermissionRequestedData) Kind() AgentEventKind { return EventPermissionRequested }

type PermissionGrantedData struct {
	PermissionID string `json:"permissionID"`
	Granted      bool   `json:"granted"`
}

func (PermissionGrantedData) Kind() AgentEventKind { return EventPermissionGranted }

type SnapshotStartData struct {
	SnapshotID string `json:"snapshotID"`
}

func (SnapshotStartData) Kind() AgentEventKind { return EventSnapshotStart }

type SnapshotEndData struct {
	Summary *string `json:"summary,omitempty"`
}

func (SnapshotEndData) Kind() AgentEventKind { return EventSnapshotEnd }

type CompactionStartData struct{}

func (CompactionStartData) Kind() AgentEventKind { return EventCompactionStart }

type CompactionEndData struct {
	Summary string `json:"summary"`
}

func (CompactionEndData) Kind() AgentEventKind { return EventCompactionEnd }

type DelegationRequestedData struct {
	DelegationID PublicID `json:"delegationID"`
}

func (DelegationRequestedData) Kind() AgentEventKind { return EventDelegationRequested }

type DelegationCompletedData struct {
	DelegationID PublicID         `json:"delegationID"`
	Status       DelegationStatus `json:"status"`
}

func (DelegationCompletedData) Kind() AgentEventKind { return EventDelegationCompleted }

type ProviderChangedData struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (ProviderChangedData) Kind() AgentEventKind { return EventProviderChanged }

// MiddlewareStopType enumerates why the turn engine's middleware pipeline
// halted a turn.
type MiddlewareStopType string

const (
	StopTypeStepLimit        MiddlewareStopType = "step_limit"
	StopTypeTurnLimit        MiddlewareStopType = "turn_limit"
	StopTypePriceLimit       MiddlewareStopType = "price_limit"
	StopTypeContextThreshold MiddlewareStopType = "context_threshold"
	StopTypeDelegationBlocked MiddlewareStopType = "delegation_blocked"
	StopTypeProviderError    MiddlewareStopType = "provider_error"
	StopTypeTimeout          MiddlewareStopType = "timeout"
	StopTypeOther            MiddlewareStopType = "other"
)

// MiddlewareStoppedData is emitted whenever the turn engine transitions to
// a terminal Stopped state — whether the halt came from the middleware
// pipeline or from an engine-level rule (a truncated provider response, an
// exhausted retry budget). StopType/Reason identify which.
type MiddlewareStoppedData struct {
	StopType MiddlewareStopType `json:"stopType"`
	Reason   string             `json:"reason"`
	Metrics  AgentStats         `json:"metrics"`
}

func (MiddlewareStoppedData) Kind() AgentEventKind { return EventMiddlewareStopped }

// WorkspaceFileChangeOp mirrors the fsnotify operation that triggered a
// WorkspaceFileChangedData event.
type WorkspaceFileChangeOp string

const (
	FileChangeWrite  WorkspaceFileChangeOp = "write"
	FileChangeCreate WorkspaceFileChangeOp = "create"
	FileChangeRemove WorkspaceFileChangeOp = "remove"
	FileChangeRename WorkspaceFileChangeOp = "rename"
)

// WorkspaceFileChangedData is emitted when internal/watch observes a change
// under a session's working directory that isn't excluded by the
// configured WatcherConfig.Ignore patterns.
type WorkspaceFileChangedData struct {
	Path string                `json:"path"`
	Op   WorkspaceFileChangeOp `json:"op"`
}

func (WorkspaceFileChangedData) Kind() AgentEventKind { return EventWorkspaceFileChanged }

// AgentStats accumulates per-turn/per-session usage counters; it is
// threaded through turn.Context and snapshotted into MiddlewareStoppedData.
type AgentStats struct {
	Steps          int     `json:"steps"`
	Turns          int     `json:"turns"`
	InputTokens    int     `json:"inputTokens"`
	OutputTokens   int     `json:"outputTokens"`
	ContextTokens  int     `json:"contextTokens"`
	CostUSD        float64 `json:"costUSD"`
}

// taggedEvent is the JSON envelope used to recover the payload's concrete
// type from its Kind tag.
type taggedEvent struct {
	Seq        int64           `json:"seq"`
	Timestamp  int64           `json:"timestamp"`
	SessionID  PublicID        `json:"sessionID"`
	Origin     EventOrigin     `json:"origin"`
	SourceNode *string         `json:"sourceNode,omitempty"`
	Kind       AgentEventKind  `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON flattens AgentEvent into {seq, timestamp, ..., kind, payload}.
func (e AgentEvent) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedEvent{
		Seq: e.Seq, Timestamp: e.Timestamp, SessionID: e.SessionID,
		Origin: e.Origin, SourceNode: e.SourceNode, Kind: e.Kind, Payload: payload,
	})
}

// UnmarshalJSON restores AgentEvent, dispatching Payload by Kind.
func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	var te taggedEvent
	if err := json.Unmarshal(data, &te); err != nil {
		return err
	}
	payload, err := decodeEventPayload(te.Kind, te.Payload)
	if err != nil {
		return err
	}
	e.Seq, e.Timestamp, e.SessionID = te.Seq, te.Timestamp, te.SessionID
	e.Origin, e.SourceNode, e.Kind, e.Payload = te.Origin, te.SourceNode, te.Kind, payload
	return nil
}

func decodeEventPayload(kind AgentEventKind, raw json.RawMessage) (EventPayload, error) {
	switch kind {
	case EventSessionCreated:
		var d SessionCreatedData
		return d, json.Unmarshal(raw, &d)
	case EventSessionForked:
		var d SessionForkedData
		return d, json.Unmarshal(raw, &d)
	case EventPromptReceived:
		var d PromptReceivedData
		return d, json.Unmarshal(raw, &d)
	case EventUserMessageStored:
		var d UserMessageStoredData
		return d, json.Unmarshal(raw, &d)
	case EventAssistantMessageStored:
		var d AssistantMessageStoredData
		return d, json.Unmarshal(raw, &d)
	case EventAssistantContentDelta:
		var d AssistantContentDeltaData
		return d, json.Unmarshal(raw, &d)
	case EventToolCallStart:
		var d ToolCallStartData
		return d, json.Unmarshal(raw, &d)
	case EventToolCallEnd:
		var d ToolCallEndData
		return d, json.Unmarshal(raw, &d)
	case EventPermissionRequested:
		var d PermissionRequestedData
		return d, json.Unmarshal(raw, &d)
	case EventPermissionGranted:
		var d PermissionGrantedData
		return d, json.Unmarshal(raw, &d)
	case EventSnapshotStart:
		var d SnapshotStartData
		return d, json.Unmarshal(raw, &d)
	case EventSnapshotEnd:
		var d SnapshotEndData
		return d, json.Unmarshal(raw, &d)
	case EventCompactionStart:
		var d CompactionStartData
		return d, json.Unmarshal(raw, &d)
	case EventCompactionEnd:
		var d CompactionEndData
		return d, json.Unmarshal(raw, &d)
	case EventDelegationRequested:
		var d DelegationRequestedData
		return d, json.Unmarshal(raw, &d)
	case EventDelegationCompleted:
		var d DelegationCompletedData
		return d, json.Unmarshal(raw, &d)
	case EventProviderChanged:
		var d ProviderChangedData
		return d, json.Unmarshal(raw, &d)
	case EventMiddlewareStopped:
		var d MiddlewareStoppedData
		return d, json.Unmarshal(raw, &d)
	case EventWorkspaceFileChanged:
		var d WorkspaceFileChangedData
		return d, json.Unmarshal(raw, &d)
	default:
		return nil, fmt.Errorf("domain: unknown event kind %q", kind)
	}
}

// IsEphemeral reports whether events of this kind are never journaled.
// Streaming content deltas, the permission-request/grant pair and
// workspace file-change notifications are ephemeral; everything else
// affects replay and is durable.
// classify_durability (internal/eventbus) consults this.
func (k AgentEventKind) IsEphemeral() bool {
	switch k {
	case EventAssistantContentDelta, EventPermissionRequested, EventPermissionGranted, EventWorkspaceFileChanged:
		return true
	default:
		return false
	}
}
