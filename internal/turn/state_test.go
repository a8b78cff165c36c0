package turn

import (
	"testing"

	"github.com/querymt/qmt/internal/domain"
)

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name     string
		state    State
		terminal bool
	}{
		{"before_llm_call", BeforeLlmCall{}, false},
		{"call_llm", CallLlm{}, false},
		{"after_llm", AfterLlm{}, false},
		{"processing_tool_calls", ProcessingToolCalls{}, false},
		{"waiting_for_event", WaitingForEvent{}, false},
		{"complete", Complete{}, true},
		{"stopped", Stopped{}, true},
		{"cancelled", Cancelled{}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTerminal(c.state); got != c.terminal {
				t.Errorf("IsTerminal(%T) = %v, want %v", c.state, got, c.terminal)
			}
		})
	}
}

func TestWaitingForEvent_CarriesRemainingCalls(t *testing.T) {
	w := WaitingForEvent{
		Wait: Wait{Reason: WaitReasonDelegation, CorrelationIDs: []domain.PublicID{domain.NewPublicID()}},
	}
	if len(w.RemainingCalls) != 0 {
		t.Fatal("zero-value WaitingForEvent should have no remaining calls")
	}
}
