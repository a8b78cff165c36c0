package delegation

import (
	"strings"

	"github.com/zeebo/xxh3"
)

// objectiveHash normalizes objective text (trim, lowercase, collapse
// internal whitespace) before hashing, so two requests that differ only in
// incidental formatting still dedup against each other.
func objectiveHash(targetAgentID, objective string) uint64 {
	return xxh3.HashString(targetAgentID + "\x00" + normalizeObjective(objective))
}

func normalizeObjective(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}
