package e2e_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymt/qmt/citest/testutil"
	"github.com/querymt/qmt/internal/domain"
)

// S2: a write tool call changes a file; Client.Undo reverts it back to its
// pre-turn state, and Client.Redo restores the write.
var _ = Describe("Undo/Redo", func() {
	It("reverts and restores a file written mid-turn", func() {
		target := "notes.txt"

		prov := testutil.NewFakeProvider("fake", "Fake Model").
			WithFallback(testutil.ScriptedResponse{Content: "Written."})

		h := testutil.NewHarness(GinkgoT(), testutil.AgentSpec{Name: "build", Prov: prov})
		client := testutil.NewClient(h.Server.URL)

		// The write tool requires an absolute path, so the scripted call's
		// arguments can only be built once h.WorkDir is known.
		path := filepath.Join(h.WorkDir, target)
		prov.WithResponse("write a file", testutil.ScriptedResponse{
			ToolCalls: []testutil.ToolCallScript{
				{ID: "call-1", Name: "write", Arguments: `{"filePath":"` + path + `","content":"after undo-redo test"}`},
			},
		})

		sessionID, err := client.NewSession("build", h.WorkDir)
		Expect(err).NotTo(HaveOccurred())

		final := make(chan struct{}, 1)
		unsubscribe := h.Sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
			if d, ok := ev.Payload.(domain.AssistantMessageStoredData); ok && d.Final {
				select {
				case final <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		Expect(client.Prompt(sessionID, "please write a file for me")).To(Succeed())
		Eventually(final, 5*time.Second).Should(Receive())

		written, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(written)).To(Equal("after undo-redo test"))

		loaded, err := client.Load(sessionID, "build")
		Expect(err).NotTo(HaveOccurred())

		var userMsgID domain.PublicID
		for _, m := range loaded.History {
			if m.Role == domain.RoleUser {
				userMsgID = m.ID
				break
			}
		}
		Expect(userMsgID).NotTo(BeEmpty())

		undoResult, err := client.Undo(sessionID, userMsgID)
		Expect(err).NotTo(HaveOccurred())
		Expect(undoResult.RevertedFiles).To(ContainElement(ContainSubstring(target)))

		_, err = os.ReadFile(path)
		Expect(err).To(HaveOccurred())

		redoResult, err := client.Redo(sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(redoResult.Restored).To(BeTrue())

		restored, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(restored)).To(Equal("after undo-redo test"))
	})
})
