// Package turn drives a single session through the agentic loop as an
// explicit state machine: BeforeLlmCall -> CallLlm -> AfterLlm ->
// (ProcessingToolCalls | WaitingForEvent)* -> Complete | Stopped |
// Cancelled. Engine.Step performs one transition; Engine.Run drives to a
// terminal state or to a WaitingForEvent that the caller must resolve out
// of band (typically by a delegation orchestrator completing) before
// resuming via ResumeAfterWait.
package turn
