package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	einotool "github.com/cloudwego/eino/components/tool"
)

// formatHook, when set, is invoked on a file path after a successful write
// or edit. It is satisfied by (*formatter.Manager).Format's signature,
// wired in by cmd/qmt's composition root rather than imported directly —
// internal/tool has no reason to depend on internal/formatter's config
// parsing, only its Format call.
type formatHook func(ctx context.Context, path string) error

const writeDescription = `Writes content to a file on the local filesystem.

Usage:
- The file_path parameter must be an absolute path
- This tool will overwrite existing files
- Parent directories will be created if they don't exist
- ALWAYS prefer editing existing files over creating new ones`

// WriteTool implements file writing.
type WriteTool struct {
	workDir string
	format  formatHook
}

// SetFormatHook installs a post-write formatter, run best-effort after a
// successful write. A nil hook (the default) disables formatting.
func (t *WriteTool) SetFormatHook(hook formatHook) { t.format = hook }

// WriteInput represents the input for the write tool.
// SDK compatible: uses camelCase field names to match TypeScript.
type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// NewWriteTool creates a new write tool.
func NewWriteTool(workDir string) *WriteTool {
	return &WriteTool{workDir: workDir}
}

func (t *WriteTool) ID() string          { return "write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to write"
			},
			"content": {
				"type": "string",
				"description": "The content to write to the file"
			}
		},
		"required": ["filePath", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	before := ""
	if existing, err := os.ReadFile(params.FilePath); err == nil {
		before = string(existing)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(params.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Write file
	if err := os.WriteFile(params.FilePath, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	diffText, additions, deletions := buildDiffMetadata(params.FilePath, before, params.Content, t.workDir)

	if t.format != nil {
		_ = t.format(ctx, params.FilePath)
	}

	return &Result{
		Title: fmt.Sprintf("Wrote %s", filepath.Base(params.FilePath)),
		Output: fmt.Sprintf("Successfully wrote %d bytes to %s",
			len(params.Content), params.FilePath),
		Metadata: map[string]any{
			"file":      params.FilePath,
			"bytes":     len(params.Content),
			"diff":      diffText,
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}

func (t *WriteTool) RequiresPermission() bool { return true }

func (t *WriteTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
