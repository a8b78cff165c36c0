package snapshot

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// UnifiedDiff renders a unified-diff-style text between before and after,
// plus line addition/deletion counts, for display in turn snapshot parts.
func UnifiedDiff(before, after, path string) (text string, additions, deletions int) {
	dmp := diffmatchpatch.New()

	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	return renderUnifiedDiff(diffs, path), additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

type diffLine struct {
	text     string
	diffType diffmatchpatch.Operation
}

type hunk struct {
	startOld, countOld int
	startNew, countNew int
	lines              []diffLine
}

// renderUnifiedDiff builds unified-diff text with 3 lines of context around
// each run of changes.
func renderUnifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	hasChanges := false
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return ""
	}

	var allLines []diffLine
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			allLines = append(allLines, diffLine{text: line, diffType: d.Type})
		}
	}

	const contextLines = 3
	var hunks []hunk
	var current *hunk

	for i, line := range allLines {
		isChange := line.diffType != diffmatchpatch.DiffEqual

		if isChange {
			if current == nil {
				contextStart := i - contextLines
				if contextStart < 0 {
					contextStart = 0
				}
				startOld, startNew := 1, 1
				for j := 0; j < contextStart; j++ {
					switch allLines[j].diffType {
					case diffmatchpatch.DiffEqual:
						startOld++
						startNew++
					case diffmatchpatch.DiffDelete:
						startOld++
					case diffmatchpatch.DiffInsert:
						startNew++
					}
				}
				current = &hunk{startOld: startOld, startNew: startNew}
				for j := contextStart; j < i; j++ {
					current.lines = append(current.lines, allLines[j])
				}
			}
			current.lines = append(current.lines, line)
			continue
		}

		if current == nil {
			continue
		}

		nextChangeIdx := -1
		for j := i + 1; j < len(allLines) && j <= i+contextLines*2; j++ {
			if allLines[j].diffType != diffmatchpatch.DiffEqual {
				nextChangeIdx = j
				break
			}
		}

		if nextChangeIdx != -1 && nextChangeIdx <= i+contextLines*2 {
			current.lines = append(current.lines, line)
			continue
		}

		for j := i; j < len(allLines) && j < i+contextLines; j++ {
			if allLines[j].diffType != diffmatchpatch.DiffEqual {
				break
			}
			current.lines = append(current.lines, allLines[j])
		}
		closeHunk(current)
		hunks = append(hunks, *current)
		current = nil
	}
	if current != nil {
		closeHunk(current)
		hunks = append(hunks, *current)
	}

	var buf strings.Builder
	buf.WriteString("Index: " + path + "\n")
	buf.WriteString("===================================================================\n")
	buf.WriteString("--- " + path + "\n")
	buf.WriteString("+++ " + path + "\n")

	for _, h := range hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n", h.startOld, h.countOld, h.startNew, h.countNew)
		for _, line := range h.lines {
			switch line.diffType {
			case diffmatchpatch.DiffEqual:
				buf.WriteString(" ")
			case diffmatchpatch.DiffDelete:
				buf.WriteString("-")
			case diffmatchpatch.DiffInsert:
				buf.WriteString("+")
			}
			buf.WriteString(line.text)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func closeHunk(h *hunk) {
	for _, l := range h.lines {
		switch l.diffType {
		case diffmatchpatch.DiffEqual:
			h.countOld++
			h.countNew++
		case diffmatchpatch.DiffDelete:
			h.countOld++
		case diffmatchpatch.DiffInsert:
			h.countNew++
		}
	}
}
