package e2e_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymt/qmt/citest/testutil"
)

var _ = Describe("Session Lifecycle", func() {
	var (
		h      *testutil.Harness
		client *testutil.Client
	)

	BeforeEach(func() {
		prov := testutil.NewFakeProvider("fake", "Fake Model")
		h = testutil.NewHarness(GinkgoT(), testutil.AgentSpec{Name: "build", Prov: prov})
		client = testutil.NewClient(h.Server.URL)
	})

	It("creates a new session rooted at the given directory", func() {
		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(sessionID).NotTo(BeEmpty())
	})

	It("lists every tracked session", func() {
		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		var entries []struct {
			SessionID string `json:"sessionID"`
			Agent     string `json:"agent"`
		}
		Expect(client.Call("session/list", map[string]any{}, &entries)).To(Succeed())

		found := false
		for _, e := range entries {
			if e.SessionID == string(sessionID) {
				found = true
			}
		}
		Expect(found).To(BeTrue())
	})

	It("reloads a session's history after reattaching", func() {
		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Prompt(sessionID, "hello there")).To(Succeed())

		Eventually(func() int {
			result, err := client.Load(sessionID, "build")
			Expect(err).NotTo(HaveOccurred())
			return len(result.History)
		}).Should(BeNumerically(">=", 2))
	})
})
