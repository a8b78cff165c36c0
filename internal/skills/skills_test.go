package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, root, name, doc string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, markerFile), []byte(doc), 0o644))
}

func TestDiscoverFindsSkillAcrossPrecedenceRoots(t *testing.T) {
	cwd := t.TempDir()

	writeSkill(t, filepath.Join(cwd, ".claude", "skills"), "review",
		"---\nname: review\ndescription: Reviews a diff for bugs.\ntags: [quality]\n---\n\nLook for bugs.\n")

	found, err := Discover(cwd)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "review", found[0].Name)
	require.Equal(t, "Reviews a diff for bugs.", found[0].Description)
	require.Equal(t, []string{"quality"}, found[0].Tags)
	require.Equal(t, "Look for bugs.", found[0].Instructions)
}

func TestDiscoverHigherPrecedenceRootShadowsLower(t *testing.T) {
	cwd := t.TempDir()

	writeSkill(t, filepath.Join(cwd, ".qmt", "skills"), "review",
		"---\nname: review\ndescription: qmt version\n---\n\nA.\n")
	writeSkill(t, filepath.Join(cwd, ".claude", "skills"), "review",
		"---\nname: review\ndescription: claude version\n---\n\nB.\n")

	found, err := Discover(cwd)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "qmt version", found[0].Description)
}

func TestDiscoverDefaultsNameToDirectory(t *testing.T) {
	cwd := t.TempDir()

	writeSkill(t, filepath.Join(cwd, ".skills"), "triage",
		"---\ndescription: No explicit name field.\n---\n\nTriage instructions.\n")

	found, err := Discover(cwd)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "triage", found[0].Name)
}

func TestDiscoverSkipsDirectoryWithoutMarkerFile(t *testing.T) {
	cwd := t.TempDir()

	dir := filepath.Join(cwd, ".skills", "empty")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	found, err := Discover(cwd)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestDiscoverNoRootsPresent(t *testing.T) {
	cwd := t.TempDir()

	found, err := Discover(cwd)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestSplitFrontmatterMissingClosingDelimiter(t *testing.T) {
	_, _, err := splitFrontmatter("---\nname: broken\n")
	require.Error(t, err)
}

func TestSplitFrontmatterNoFrontmatter(t *testing.T) {
	frontmatter, body, err := splitFrontmatter("Just instructions, no frontmatter.\n")
	require.NoError(t, err)
	require.Empty(t, frontmatter)
	require.Equal(t, "Just instructions, no frontmatter.\n", body)
}
