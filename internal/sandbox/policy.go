package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrWriteDenied is returned by CheckWrite when path falls outside the
// directory the current mode (and, in build mode, the held Extension)
// permits writing to.
var ErrWriteDenied = errors.New("sandbox: write denied outside permitted directory")

// Policy enforces the sandbox contract for one worker process: PrivateDir
// is the snapshot backend's private directory, always writable regardless
// of mode; Ext tracks the capability token build mode acquires to also
// permit writes to the working directory.
type Policy struct {
	PrivateDir string
	Ext        *ExtensionManager
}

// NewPolicy builds a Policy confining plan/review writes to privateDir.
func NewPolicy(privateDir string, ext *ExtensionManager) *Policy {
	return &Policy{PrivateDir: privateDir, Ext: ext}
}

// CheckWrite reports whether a write to path is permitted under mode.
// In ModePlan/ModeReview, only PrivateDir is writable. In ModeBuild, the
// directory named by the currently held Extension is writable too; with
// no token held, build mode behaves like plan/review (a downgrade that
// released the token, or a build worker that never acquired one, must
// not fall back to permitting writes anywhere).
func (p *Policy) CheckWrite(mode Mode, path string) error {
	if p.withinPrivateDir(path) {
		return nil
	}
	if mode == ModeBuild {
		if ext, ok := p.Ext.Token(); ok && within(ext.Dir, path) {
			return nil
		}
	}
	return ErrWriteDenied
}

func (p *Policy) withinPrivateDir(path string) bool {
	return p.PrivateDir != "" && within(p.PrivateDir, path)
}

// within reports whether path is root or a descendant of root.
func within(root, path string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
