package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymt/qmt/citest/testutil"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/turn"
)

// S5: a turn whose usage crosses the configured context-token budget is
// compacted and resumed rather than surfaced to the caller as a stop.
var _ = Describe("Auto-compaction", func() {
	It("compacts mid-turn and still reaches a final answer", func() {
		prov := testutil.NewFakeProvider("fake", "Fake Model").
			WithResponse("run the build", testutil.ScriptedResponse{
				ToolCalls:        []testutil.ToolCallScript{{ID: "call-1", Name: "bash", Arguments: `{"command":"true"}`}},
				PromptTokens:     20,
				CompletionTokens: 5,
			}).
			WithFallback(testutil.ScriptedResponse{Content: "Build finished."})

		cfg := turn.DefaultConfig()
		cfg.MaxContextTokens = 10
		cfg.AutoCompactRatio = 0.75
		cfg.PruneKeepRecent = 1

		h := testutil.NewHarness(GinkgoT(), testutil.AgentSpec{Name: "build", Prov: prov, Config: &cfg})
		client := testutil.NewClient(h.Server.URL)

		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		compactionStarted := make(chan struct{}, 1)
		compactionEnded := make(chan struct{}, 1)
		final := make(chan domain.AssistantMessageStoredData, 1)

		unsubscribe := h.Sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
			switch ev.Kind {
			case domain.EventCompactionStart:
				select {
				case compactionStarted <- struct{}{}:
				default:
				}
			case domain.EventCompactionEnd:
				select {
				case compactionEnded <- struct{}{}:
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

		Expect(client.Prompt(sessionID, "please run the build")).To(Succeed())

		Eventually(compactionStarted, 5*time.Second).Should(Receive())
		Eventually(compactionEnded, 5*time.Second).Should(Receive())

		var result domain.AssistantMessageStoredData
		Eventually(final, 5*time.Second).Should(Receive(&result))
		Expect(result.Content).To(Equal("Build finished."))

		// The turn reached Complete rather than surfacing the context
		// breach as a terminal Stopped state to the caller.
		loaded, err := client.Load(sessionID, "build")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.History).NotTo(BeEmpty())
	})
})
