package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymt/qmt/citest/testutil"
	"github.com/querymt/qmt/internal/domain"
)

// S1: a prompt that requires one tool call before the engine can answer —
// the turn engine should dispatch the tool call, feed its result back to
// the provider, and land on a final assistant message.
var _ = Describe("Turn Engine: tool call then final answer", func() {
	It("emits a tool call followed by a Final assistant message", func() {
		prov := testutil.NewFakeProvider("fake", "Fake Model").
			WithResponse("list files", testutil.ScriptedResponse{
				Content: "",
				ToolCalls: []testutil.ToolCallScript{
					{ID: "call-1", Name: "bash", Arguments: `{"command":"true"}`},
				},
			}).
			WithFallback(testutil.ScriptedResponse{Content: "Here is the answer."})

		h := testutil.NewHarness(GinkgoT(), testutil.AgentSpec{Name: "build", Prov: prov})
		client := testutil.NewClient(h.Server.URL)

		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		toolStarted := make(chan struct{}, 1)
		final := make(chan domain.AssistantMessageStoredData, 1)

		unsubscribe := h.Sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
			switch ev.Kind {
			case domain.EventToolCallStart:
				select {
				case toolStarted <- struct{}{}:
				default:
				}
			case domain.EventAssistantMessageStored:
				if d, ok := ev.Payload.(domain.AssistantMessageStoredData); ok && d.Final {
					select {
					case final <- d:
					default:
					}
				}
			}
		})
		defer unsubscribe()

		Expect(client.Prompt(sessionID, "please list files in the repo")).To(Succeed())

		Eventually(toolStarted, 5*time.Second).Should(Receive())
		var result domain.AssistantMessageStoredData
		Eventually(final, 5*time.Second).Should(Receive(&result))
		Expect(result.Content).To(Equal("Here is the answer."))
	})
})
