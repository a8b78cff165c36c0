package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymt/qmt/citest/testutil"
	"github.com/querymt/qmt/internal/domain"
)

// S6: Client.Cancel mid-turn interrupts a provider call in flight. The
// fake provider blocks on a Gate so the cancellation lands deterministically
// while the call is outstanding rather than racing its completion.
var _ = Describe("Cancellation", func() {
	It("stops an in-flight turn when the session is cancelled", func() {
		gate := make(chan struct{})
		prov := testutil.NewFakeProvider("fake", "Fake Model").
			WithFallback(testutil.ScriptedResponse{Content: "Should never be seen.", Gate: gate})

		h := testutil.NewHarness(GinkgoT(), testutil.AgentSpec{Name: "build", Prov: prov})
		client := testutil.NewClient(h.Server.URL)

		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		stopped := make(chan domain.MiddlewareStoppedData, 1)
		unsubscribe := h.Sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
			if d, ok := ev.Payload.(domain.MiddlewareStoppedData); ok {
				select {
				case stopped <- d:
				default:
				}
			}
		})
		defer unsubscribe()

		Expect(client.Prompt(sessionID, "start something long running")).To(Succeed())

		Eventually(prov.CallCount, 5*time.Second).Should(BeNumerically(">=", 1))

		Expect(client.Cancel(sessionID)).To(Succeed())
		close(gate)

		var result domain.MiddlewareStoppedData
		Eventually(stopped, 5*time.Second).Should(Receive(&result))
		Expect(result.StopType).To(Equal(domain.StopTypeProviderError))
	})
})
