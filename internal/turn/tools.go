package turn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/permission"
	tooling "github.com/querymt/qmt/internal/tool"
)

// writeClassTools names the tools whose "filePath" argument names a
// location the sandbox contract must approve before Execute runs.
var writeClassTools = map[string]bool{"write": true, "edit": true}

// sandboxTargetPath extracts the filePath argument write/edit tool calls
// carry. Tools outside writeClassTools, or malformed arguments, report ok=false
// and are left to permission checking alone.
func sandboxTargetPath(toolName string, rawArgs string) (string, bool) {
	if !writeClassTools[toolName] {
		return "", false
	}
	var args struct {
		FilePath string `json:"filePath"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.FilePath == "" {
		return "", false
	}
	return args.FilePath, true
}

// stepProcessingToolCalls drains the first remaining call, preserving
// the LLM's given order, then loops back to itself (one call per Step
// invocation) until none remain, at which point it returns to
// BeforeLlmCall for the next LLM round-trip. A tool error does not stop
// the remaining calls — it becomes an IsError ToolResultPart and
// execution continues.
func (e *Engine) stepProcessingToolCalls(ctx context.Context, s ProcessingToolCalls) (State, error) {
	if len(s.RemainingCalls) == 0 {
		return BeforeLlmCall{Context: s.Context}, nil
	}

	call := s.RemainingCalls[0]
	rest := s.RemainingCalls[1:]

	if call.Function.Name == DelegateToolID && e.Delegation != nil {
		return e.enqueueDelegation(ctx, s, call, rest)
	}

	_, resultPart := e.runToolCall(ctx, s.Context, call)
	return e.appendToolResult(ctx, s.Context, resultPart, rest, s.ResultsSoFar)
}

// appendToolResult persists resultPart as a Tool-role message, folds it
// into tc's in-flight schema.Message window, and returns the next
// ProcessingToolCalls state with rest as the remaining calls. Shared by
// the normal tool-execution path and the delegation-rejection path, which
// both need a ToolResultPart to land exactly the same way.
func (e *Engine) appendToolResult(ctx context.Context, tc TurnContext, resultPart domain.ToolResultPart, rest []schema.ToolCall, resultsSoFar []domain.ToolResultPart) (State, error) {
	msg := &domain.Message{
		SessionID: tc.SessionID,
		Role:      domain.RoleTool,
		Parts:     []domain.Part{resultPart},
	}
	if e.Messages != nil {
		if err := e.Messages.AppendMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("turn: append tool result message: %w", err)
		}
	}

	tc.Messages = append(tc.Messages, &schema.Message{
		Role:       schema.Tool,
		Content:    resultPart.Content,
		ToolCallID: resultPart.CallID,
	})

	return ProcessingToolCalls{
		Context:        tc,
		RemainingCalls: rest,
		ResultsSoFar:   append(resultsSoFar, resultPart),
	}, nil
}

// runToolCall executes a single call under permission + snapshot pairing,
// returning a ToolResultPart regardless of success so the caller can
// always append it without branching on error.
func (e *Engine) runToolCall(ctx context.Context, tc TurnContext, call schema.ToolCall) (*tooling.Result, domain.ToolResultPart) {
	toolName := call.Function.Name

	if e.Sink != nil {
		_, _ = e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventToolCallStart,
			Payload:   domain.ToolCallStartData{ToolCallID: call.ID, ToolName: toolName},
		})
	}

	t, ok := e.Tools.Get(toolName)
	if !ok {
		return nil, e.failToolCall(ctx, tc, call, fmt.Sprintf("unknown tool %q", toolName))
	}

	if e.Sandbox != nil {
		if path, ok := sandboxTargetPath(toolName, call.Function.Arguments); ok {
			mode := e.effectiveSandboxMode(tc.AgentMode)
			if err := e.Sandbox.CheckWrite(mode, path); err != nil {
				return nil, e.failToolCall(ctx, tc, call, err.Error())
			}
		}
	}

	if t.RequiresPermission() && e.Permission != nil {
		req := permission.Request{
			Type:      permission.PermissionType(toolName),
			SessionID: string(tc.SessionID),
			CallID:    call.ID,
			Title:     toolName,
		}
		action := permission.ActionAsk
		if e.Agent != nil {
			action = e.Agent.GetPermission(permission.PermissionType(toolName))
		}
		if err := e.Permission.Check(ctx, req, action); err != nil {
			return nil, e.failToolCall(ctx, tc, call, err.Error())
		}
	}

	var preSnapshot string
	if e.Snapshot != nil && e.WorkDir != "" {
		id, err := e.Snapshot.Track(ctx, e.WorkDir)
		if err == nil {
			preSnapshot = id
			if e.Sink != nil {
				_, _ = e.Sink.EmitDurable(ctx, domain.AgentEvent{
					SessionID: tc.SessionID,
					Kind:      domain.EventSnapshotStart,
					Payload:   domain.SnapshotStartData{SnapshotID: id},
				})
			}
		}
	}

	toolCtx := &tooling.Context{
		SessionID: string(tc.SessionID),
		CallID:    call.ID,
		Agent:     tc.AgentName,
		WorkDir:   e.WorkDir,
		AbortCh:   ctx.Done(),
	}

	result, err := t.Execute(ctx, json.RawMessage(call.Function.Arguments), toolCtx)

	if preSnapshot != "" {
		postSnapshot, serr := e.Snapshot.Track(ctx, e.WorkDir)
		if serr == nil {
			changed, derr := e.Snapshot.Diff(ctx, e.WorkDir, preSnapshot, postSnapshot)
			if derr == nil && e.Sink != nil {
				_, _ = e.Sink.EmitDurable(ctx, domain.AgentEvent{
					SessionID: tc.SessionID,
					Kind:      domain.EventSnapshotEnd,
					Payload:   domain.SnapshotEndData{},
				})
				_ = changed
			}
		}
	}

	if err != nil {
		return nil, e.failToolCall(ctx, tc, call, err.Error())
	}

	content := result.Output
	if e.Sink != nil {
		_, _ = e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventToolCallEnd,
			Payload:   domain.ToolCallEndData{ToolCallID: call.ID, ToolName: toolName, IsError: false, Result: content},
		})
	}

	name := toolName
	return result, domain.ToolResultPart{CallID: call.ID, Content: content, IsError: false, ToolName: &name}
}

func (e *Engine) failToolCall(ctx context.Context, tc TurnContext, call schema.ToolCall, message string) domain.ToolResultPart {
	if e.Sink != nil {
		_, _ = e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventToolCallEnd,
			Payload:   domain.ToolCallEndData{ToolCallID: call.ID, ToolName: call.Function.Name, IsError: true, Result: message},
		})
	}
	name := call.Function.Name
	return domain.ToolResultPart{CallID: call.ID, Content: message, IsError: true, ToolName: &name}
}

// delegationRejection is satisfied by delegation.RejectedError (dedup,
// retry-budget, or admission-capacity refusal). Checked by interface
// rather than importing internal/delegation, keeping the engine decoupled
// from the orchestrator's concrete error types the same way DelegationEnqueuer
// decouples it from the orchestrator itself.
type delegationRejection interface {
	DelegationRejected() string
}

// enqueueDelegation hands the delegate-tool call to the wired
// DelegationEnqueuer and transitions to WaitingForEvent on the resulting
// delegation id, leaving the remaining calls (if any) for after the wait
// resolves. A rejection (dedup/retry-budget/admission) is not a fatal
// engine error — it becomes an IsError tool result like any other failed
// call, and execution continues with the remaining calls.
func (e *Engine) enqueueDelegation(ctx context.Context, s ProcessingToolCalls, call schema.ToolCall, rest []schema.ToolCall) (State, error) {
	var input struct {
		SubagentType string `json:"subagentType"`
		Prompt       string `json:"prompt"`
		Description  string `json:"description"`
	}
	_ = json.Unmarshal([]byte(call.Function.Arguments), &input)

	delegationID, err := e.Delegation.Enqueue(ctx, s.Context.SessionID, input.SubagentType, input.Prompt)
	if err != nil {
		if rej, ok := err.(delegationRejection); ok {
			resultPart := e.failToolCall(ctx, s.Context, call, rej.DelegationRejected())
			return e.appendToolResult(ctx, s.Context, resultPart, rest, s.ResultsSoFar)
		}
		return nil, fmt.Errorf("turn: enqueue delegation: %w", err)
	}

	if e.Sink != nil {
		if _, err := e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: s.Context.SessionID,
			Kind:      domain.EventDelegationRequested,
			Payload:   domain.DelegationRequestedData{DelegationID: delegationID},
		}); err != nil {
			return nil, fmt.Errorf("turn: emit delegation requested event: %w", err)
		}
	}

	return WaitingForEvent{
		Context:        s.Context,
		Wait:           Wait{Reason: WaitReasonDelegation, CorrelationIDs: []domain.PublicID{delegationID}},
		RemainingCalls: rest,
	}, nil
}

// ResumeAfterWait transitions a resolved WaitingForEvent back into tool
// processing (if calls remain in the same LLM response) or straight to
// BeforeLlmCall for the next round-trip. Callers — the delegation
// orchestrator's completion handler, or a cancellation/timeout path —
// call this once every correlation id in w.Wait has resolved.
func (e *Engine) ResumeAfterWait(w WaitingForEvent) State {
	if len(w.RemainingCalls) == 0 {
		return BeforeLlmCall{Context: w.Context}
	}
	return ProcessingToolCalls{Context: w.Context, RemainingCalls: w.RemainingCalls}
}
