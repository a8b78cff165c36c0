// Package delegation implements the orchestrator that turns a `delegate`
// tool call into a fully-managed child-agent invocation: deduplication
// against prior attempts, per-session admission control, forking and
// driving the child session, verifying its result, and resolving the
// parent's WaitingForEvent state.
package delegation
