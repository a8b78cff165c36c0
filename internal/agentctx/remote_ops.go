package agentctx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/querymt/qmt/internal/domain"
)

// readFile is a thin indirection over os.ReadFile kept as a package-level
// var so tests can stub it without touching the real filesystem.
var readFile = os.ReadFile

// GetLlmConfig returns the provider/model pair currently in effect for the
// session, reflecting any SetSessionModel override.
func (a *SessionActor) GetLlmConfig(ctx context.Context) (domain.LLMConfig, error) {
	var cfg domain.LLMConfig
	err := a.ask(ctx, func() {
		if a.ctx.Agent != nil && a.ctx.Agent.Model != nil {
			cfg = domain.LLMConfig{Provider: a.ctx.Agent.Model.ProviderID, Model: a.ctx.Agent.Model.ModelID}
		}
	})
	return cfg, err
}

// GetFileIndex lists files under the session's working directory for UI
// autocomplete, the same ripgrep-backed enumeration the glob tool uses
// rather than a recursive filepath.WalkDir.
func (a *SessionActor) GetFileIndex(ctx context.Context) ([]string, error) {
	var files []string
	err := a.ask(ctx, func() {
		cmd := exec.CommandContext(ctx, "rg", "--files")
		cmd.Dir = a.ctx.WorkDir
		output, cmdErr := cmd.Output()
		if cmdErr != nil && len(output) == 0 {
			return
		}
		for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
			if line != "" {
				files = append(files, line)
			}
		}
	})
	return files, err
}

// ReadRemoteFile reads a single file rooted at the session's working
// directory, refusing any path that escapes it. This backs the UI's
// file-peek affordance against a session that may live on a mesh peer,
// where the caller only has a SessionRef and no direct filesystem access.
func (a *SessionActor) ReadRemoteFile(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	var readErr error
	err := a.ask(ctx, func() {
		full := filepath.Join(a.ctx.WorkDir, path)
		rel, relErr := filepath.Rel(a.ctx.WorkDir, full)
		if relErr != nil || strings.HasPrefix(rel, "..") {
			readErr = fmt.Errorf("agentctx: path %q escapes session working directory", path)
			return
		}
		content, readErr = readFile(full)
	})
	if err != nil {
		return nil, err
	}
	return content, readErr
}

// ExtMethod dispatches an extension request registered against this
// session. Extensions are looked up by name against the handlers
// registered on this actor via RegisterExtMethod; unknown methods are reported back to the caller rather than
// silently ignored.
func (a *SessionActor) ExtMethod(ctx context.Context, method string, params []byte) ([]byte, error) {
	var result []byte
	var callErr error
	err := a.ask(ctx, func() {
		handler, ok := a.ext[method]
		if !ok {
			callErr = fmt.Errorf("agentctx: unknown extension method %q", method)
			return
		}
		result, callErr = handler(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return result, callErr
}

// ExtNotification delivers a fire-and-forget extension notification,
// mirroring Prompt's tell semantics: the caller does not wait for it to
// be processed.
func (a *SessionActor) ExtNotification(method string, params []byte) error {
	return a.tell(func() {
		if handler, ok := a.ext[method]; ok {
			_, _ = handler(context.Background(), params)
		}
	})
}
