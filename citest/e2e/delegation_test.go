package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymt/qmt/citest/testutil"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/turn"
)

func delegationToolCall(subagentType, prompt string) testutil.ToolCallScript {
	return testutil.ToolCallScript{
		ID:        "call-delegate",
		Name:      turn.DelegateToolID,
		Arguments: `{"subagentType":"` + subagentType + `","prompt":"` + prompt + `","description":"delegate"}`,
	}
}

// S3: a primary session delegates to a subagent session and observes the
// delegation's completion on its own event stream.
var _ = Describe("Delegation", func() {
	It("completes a delegation to a subagent and reports it back to the parent", func() {
		parentProv := testutil.NewFakeProvider("fake-parent", "Fake Parent").
			WithResponse("delegate this", testutil.ScriptedResponse{
				ToolCalls: []testutil.ToolCallScript{delegationToolCall("general", "investigate the thing")},
			}).
			WithFallback(testutil.ScriptedResponse{Content: "Delegation handled."})

		childProv := testutil.NewFakeProvider("fake-child", "Fake Child").
			WithFallback(testutil.ScriptedResponse{Content: "Investigated: all clear."})

		h := testutil.NewHarness(GinkgoT(),
			testutil.AgentSpec{Name: "build", Prov: parentProv},
			testutil.AgentSpec{Name: "general", Prov: childProv},
		)
		client := testutil.NewClient(h.Server.URL)

		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		completed := make(chan domain.DelegationCompletedData, 1)
		unsubscribe := h.Sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
			if d, ok := ev.Payload.(domain.DelegationCompletedData); ok {
				select {
				case completed <- d:
				default:
				}
			}
		})
		defer unsubscribe()

		Expect(client.Prompt(sessionID, "please delegate this to the general agent")).To(Succeed())

		var result domain.DelegationCompletedData
		Eventually(completed, 10*time.Second).Should(Receive(&result))
		Expect(result.Status).To(Equal(domain.DelegationStatusComplete))
	})

	// S4: a delegation whose every attempt fails exhausts its retry
	// budget; a further attempt with the same target and objective is
	// rejected outright rather than spawning another child session.
	It("rejects a delegation once its retry budget is exhausted", func() {
		parentProv := testutil.NewFakeProvider("fake-parent", "Fake Parent")

		const objective = "a task the child always fails"
		attempt := delegationToolCall("general", objective)
		parentProv.
			WithResponse("attempt one", testutil.ScriptedResponse{ToolCalls: []testutil.ToolCallScript{attempt}}).
			WithResponse("attempt two", testutil.ScriptedResponse{ToolCalls: []testutil.ToolCallScript{attempt}}).
			WithResponse("attempt three", testutil.ScriptedResponse{ToolCalls: []testutil.ToolCallScript{attempt}}).
			WithFallback(testutil.ScriptedResponse{Content: "Done."})

		// The child's own turn engine stops on its very first PreTurn pass
		// (Stats.Steps 0 >= Limit 0), so every delegation to it fails
		// immediately without needing a scripted child response.
		childProv := testutil.NewFakeProvider("fake-child", "Fake Child")
		failFastConfig := turn.DefaultConfig()
		failFastConfig.MaxSteps = 0

		h := testutil.NewHarness(GinkgoT(),
			testutil.AgentSpec{Name: "build", Prov: parentProv},
			testutil.AgentSpec{Name: "general", Prov: childProv, Config: &failFastConfig},
		)
		client := testutil.NewClient(h.Server.URL)

		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		// Attempts one and two succeed in enqueueing (each fails only once
		// its child session runs), so each is paced on its own
		// EventDelegationCompleted{Status: Failed} rather than a
		// ToolCallEnd — enqueueDelegation only ever produces a ToolCallEnd
		// on the rejection path, which is what attempt three exercises.
		delegationFailed := make(chan domain.DelegationCompletedData, 8)
		toolEnds := make(chan domain.ToolCallEndData, 8)
		unsubscribe := h.Sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
			switch d := ev.Payload.(type) {
			case domain.DelegationCompletedData:
				delegationFailed <- d
			case domain.ToolCallEndData:
				toolEnds <- d
			}
		})
		defer unsubscribe()

		Expect(client.Prompt(sessionID, "attempt one, please")).To(Succeed())
		var first domain.DelegationCompletedData
		Eventually(delegationFailed, 10*time.Second).Should(Receive(&first))
		Expect(first.Status).To(Equal(domain.DelegationStatusFailed))

		Expect(client.Prompt(sessionID, "attempt two, please")).To(Succeed())
		var second domain.DelegationCompletedData
		Eventually(delegationFailed, 10*time.Second).Should(Receive(&second))
		Expect(second.Status).To(Equal(domain.DelegationStatusFailed))

		Expect(client.Prompt(sessionID, "attempt three, please")).To(Succeed())
		var third domain.ToolCallEndData
		Eventually(toolEnds, 10*time.Second).Should(Receive(&third))
		Expect(third.IsError).To(BeTrue())
		Expect(third.Result).To(ContainSubstring("max_retries"))
	})
})
