// Package skills discovers skill definitions on disk, grounded on the
// teacher's internal/config file-discovery pattern (multiple candidate
// directories probed in precedence order, first hit per name wins)
// generalized from JSONC config files to Markdown+YAML-frontmatter skill
// documents.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// dirNames lists the per-root skill directories in decreasing precedence,
// per spec.md §6's Filesystem section.
var dirNames = []string{
	filepath.Join(".qmt", "skills"),
	filepath.Join(".claude", "skills"),
	filepath.Join(".agents", "skills"),
	".skills",
}

// markerFile is the per-skill document read for frontmatter + instructions.
const markerFile = "SKILL.md"

// Skill is a single discovered skill: its frontmatter metadata plus the
// instruction body that follows it.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	Tags         []string `yaml:"tags,omitempty"`

	// Instructions is the Markdown body following the frontmatter block.
	Instructions string `yaml:"-"`
	// Dir is the directory the skill was loaded from.
	Dir string `yaml:"-"`
}

// Discover walks cwd and the user's home directory through each candidate
// skills root in precedence order (<cwd>/.qmt/skills, <cwd>/.claude/skills,
// <cwd>/.agents/skills, <cwd>/.skills, then the same four under $HOME) and
// returns the skills found, sorted by name. A name already claimed by
// a higher-precedence root shadows any later duplicate, matching the
// teacher's config.Load override-by-priority semantics.
func Discover(cwd string) ([]*Skill, error) {
	home, _ := os.UserHomeDir()

	var roots []string
	for _, d := range dirNames {
		if cwd != "" {
			roots = append(roots, filepath.Join(cwd, d))
		}
	}
	for _, d := range dirNames {
		if home != "" {
			roots = append(roots, filepath.Join(home, d))
		}
	}

	seen := make(map[string]*Skill)
	var order []string

	for _, root := range roots {
		found, err := discoverRoot(root)
		if err != nil {
			continue
		}
		for _, sk := range found {
			if _, ok := seen[sk.Name]; ok {
				continue
			}
			seen[sk.Name] = sk
			order = append(order, sk.Name)
		}
	}

	sort.Strings(order)
	out := make([]*Skill, 0, len(order))
	for _, name := range order {
		out = append(out, seen[name])
	}
	return out, nil
}

// discoverRoot lists one skills directory: each immediate subdirectory
// containing a SKILL.md is a candidate skill.
func discoverRoot(root string) ([]*Skill, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		sk, err := loadSkill(dir)
		if err != nil {
			continue
		}
		if sk.Name == "" {
			sk.Name = entry.Name()
		}
		out = append(out, sk)
	}
	return out, nil
}

// loadSkill parses a single skill's SKILL.md: a leading `---`-delimited YAML
// frontmatter block followed by the instruction body.
func loadSkill(dir string) (*Skill, error) {
	path := filepath.Join(dir, markerFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	frontmatter, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("skills: %s: %w", path, err)
	}

	var sk Skill
	if frontmatter != "" {
		if err := yaml.Unmarshal([]byte(frontmatter), &sk); err != nil {
			return nil, fmt.Errorf("skills: %s: invalid frontmatter: %w", path, err)
		}
	}
	sk.Instructions = strings.TrimSpace(body)
	sk.Dir = dir
	return &sk, nil
}

var errNoFrontmatter = errors.New("missing --- frontmatter delimiter")

// splitFrontmatter separates a document's leading "---\n...\n---\n" YAML
// block from the remaining body. A document with no frontmatter delimiter
// is treated as body-only (frontmatter == "").
func splitFrontmatter(doc string) (frontmatter, body string, err error) {
	const delim = "---"

	trimmed := strings.TrimLeft(doc, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return "", doc, nil
	}

	rest := trimmed[len(delim):]
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+delim)
	if idx == -1 {
		return "", "", errNoFrontmatter
	}

	frontmatter = rest[:idx]
	remainder := rest[idx+1+len(delim):]
	remainder = strings.TrimPrefix(remainder, "\n")
	return frontmatter, remainder, nil
}
