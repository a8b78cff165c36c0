package delegation

import (
	"fmt"
	"strings"

	"github.com/querymt/qmt/internal/domain"
)

// verify checks result against spec's required substrings and forbidden
// patterns, returning a non-nil error describing the first violation
// found. A nil spec always passes.
func verify(spec *domain.VerificationSpec, result string) error {
	if spec == nil {
		return nil
	}
	for _, want := range spec.RequiredSubstrings {
		if !strings.Contains(result, want) {
			return fmt.Errorf("missing required substring %q", want)
		}
	}
	for _, bad := range spec.ForbidPatterns {
		if strings.Contains(result, bad) {
			return fmt.Errorf("result contains forbidden pattern %q", bad)
		}
	}
	return nil
}
