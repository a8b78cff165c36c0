package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

// SessionTaskLookup resolves a session's active task, letting the checker
// enforce "deny while the session's active task is not Active" without
// depending on internal/store directly.
type SessionTaskLookup interface {
	GetSession(ctx context.Context, id domain.PublicID) (*domain.Session, error)
	GetTask(ctx context.Context, id domain.PublicID) (*domain.Task, error)
}

// ClientBridge forwards a permission request to whatever client is
// attached to the session and returns its decision. A nil bridge (no
// client attached) means every request auto-grants.
type ClientBridge interface {
	RequestPermission(ctx context.Context, req Request) (Response, error)
}

// Checker implements ensure_tool_permission: the session-scoped cache
// keyed by tool name, the active-task-status gate, and the
// PermissionRequested/PermissionGranted event pair.
type Checker struct {
	mu       sync.RWMutex
	approved map[string]map[PermissionType]bool // sessionID -> tool name -> approved
	patterns map[string]map[string]bool         // sessionID -> bash pattern -> approved

	sink   *eventbus.Sink
	tasks  SessionTaskLookup
	bridge ClientBridge
}

// NewChecker builds a Checker that emits through sink and consults tasks
// for the active-task gate. bridge may be nil until a client attaches;
// use SetBridge to wire one in once session/new or a reconnect completes.
func NewChecker(sink *eventbus.Sink, tasks SessionTaskLookup) *Checker {
	return &Checker{
		approved: make(map[string]map[PermissionType]bool),
		patterns: make(map[string]map[string]bool),
		sink:     sink,
		tasks:    tasks,
	}
}

// SetBridge attaches (or detaches, with nil) the client that answers
// permission prompts for this checker's session runtime.
func (c *Checker) SetBridge(bridge ClientBridge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bridge = bridge
}

// Check performs a permission check based on a statically configured
// action (e.g. an agent's "allow"/"deny"/"ask" config for this category),
// falling through to Ask for "ask".
func (c *Checker) Check(ctx context.Context, req Request, action PermissionAction) error {
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Metadata: req.Metadata, Message: "Permission denied by configuration"}
	default:
		return c.Ask(ctx, req)
	}
}

// Ask implements steps 2-4 of ensure_tool_permission. Callers that already
// know the tool doesn't require permission (step 1) should not call this
// at all.
func (c *Checker) Ask(ctx context.Context, req Request) error {
	if err := c.checkActiveTask(ctx, req); err != nil {
		return err
	}

	if cached, ok := c.cachedDecision(req); ok {
		if cached {
			return nil
		}
		return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Metadata: req.Metadata, Message: "Permission previously rejected for this tool"}
	}

	permissionID := string(domain.NewPublicID())
	req.ID = permissionID

	if c.sink != nil {
		if err := c.sink.EmitEphemeral(domain.AgentEvent{
			SessionID: domain.PublicID(req.SessionID),
			Kind:      domain.EventPermissionRequested,
			Payload:   domain.PermissionRequestedData{PermissionID: permissionID, ToolName: string(req.Type), TaskID: req.TaskID, Reason: req.Title},
		}); err != nil {
			return fmt.Errorf("permission: emit requested event: %w", err)
		}
	}

	resp, err := c.request(ctx, req)
	if err != nil {
		return err
	}

	granted := resp.Action != "reject"
	if c.sink != nil {
		if err := c.sink.EmitEphemeral(domain.AgentEvent{
			SessionID: domain.PublicID(req.SessionID),
			Kind:      domain.EventPermissionGranted,
			Payload:   domain.PermissionGrantedData{PermissionID: permissionID, Granted: granted},
		}); err != nil {
			return fmt.Errorf("permission: emit granted event: %w", err)
		}
	}

	switch resp.Action {
	case "once":
		return nil
	case "always":
		c.approve(req.SessionID, req.Type, req.Pattern)
		return nil
	case "reject":
		return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Metadata: req.Metadata, Message: "Permission rejected by user"}
	default:
		return nil
	}
}

// request asks the attached bridge, or auto-grants if none is attached.
func (c *Checker) request(ctx context.Context, req Request) (Response, error) {
	c.mu.RLock()
	bridge := c.bridge
	c.mu.RUnlock()

	if bridge == nil {
		return Response{RequestID: req.ID, Action: "once"}, nil
	}
	return bridge.RequestPermission(ctx, req)
}

// checkActiveTask denies the call outright if sessionID's active task
// exists and is not Active (spec step 2).
func (c *Checker) checkActiveTask(ctx context.Context, req Request) error {
	if c.tasks == nil {
		return nil
	}
	sess, err := c.tasks.GetSession(ctx, domain.PublicID(req.SessionID))
	if err != nil {
		return fmt.Errorf("permission: resolve session: %w", err)
	}
	if sess.ActiveTaskID == nil {
		return nil
	}
	task, err := c.tasks.GetTask(ctx, *sess.ActiveTaskID)
	if err != nil {
		return fmt.Errorf("permission: resolve active task: %w", err)
	}
	if task.Status != domain.TaskStatusActive {
		return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Message: fmt.Sprintf("active task is %s, not active", task.Status)}
	}
	return nil
}

// cachedDecision reports a cached tool-name decision and whether one
// exists. Bash-pattern approvals additionally require every pattern in
// req.Pattern to already be approved.
func (c *Checker) cachedDecision(req Request) (allowed bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sessionApprovals, found := c.approved[req.SessionID]; found {
		if sessionApprovals[req.Type] {
			return true, true
		}
	}

	if len(req.Pattern) > 0 {
		if sessionPatterns, found := c.patterns[req.SessionID]; found {
			allApproved := true
			for _, p := range req.Pattern {
				if !sessionPatterns[p] {
					allApproved = false
					break
				}
			}
			if allApproved {
				return true, true
			}
		}
	}

	return false, false
}

func (c *Checker) approve(sessionID string, permType PermissionType, patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[PermissionType]bool)
	}
	c.approved[sessionID][permType] = true

	if len(patterns) > 0 {
		if c.patterns[sessionID] == nil {
			c.patterns[sessionID] = make(map[string]bool)
		}
		for _, p := range patterns {
			c.patterns[sessionID][p] = true
		}
	}
}

// ApprovePattern marks a bash pattern as pre-approved for sessionID,
// without requiring a full tool-name approval.
func (c *Checker) ApprovePattern(sessionID, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patterns[sessionID] == nil {
		c.patterns[sessionID] = make(map[string]bool)
	}
	c.patterns[sessionID][pattern] = true
}

// IsPatternApproved reports whether pattern is cached approved for sessionID.
func (c *Checker) IsPatternApproved(sessionID, pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sessionPatterns, ok := c.patterns[sessionID]; ok {
		return sessionPatterns[pattern]
	}
	return false
}

// IsApproved reports whether permType is already cached Allow for sessionID.
func (c *Checker) IsApproved(sessionID string, permType PermissionType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sessionApprovals, ok := c.approved[sessionID]; ok {
		return sessionApprovals[permType]
	}
	return false
}

// ClearSession drops every cached decision for sessionID, used on session end.
func (c *Checker) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approved, sessionID)
	delete(c.patterns, sessionID)
}
