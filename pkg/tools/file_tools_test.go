package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecli/forge/pkg/config"
)

func newTestBuiltins(t *testing.T) (*Builtins, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.ToolsConfig{WorkingDir: dir}
	cfg.SetDefaults()
	return NewBuiltins(cfg), dir
}

func TestReadFile(t *testing.T) {
	b, dir := newTestBuiltins(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("one\ntwo\nthree"), 0o644))

	out, err := b.readFile(context.Background(), map[string]interface{}{"path": "x.txt"})
	require.NoError(t, err)
	assert.Contains(t, out, "1\tone")
	assert.Contains(t, out, "3\tthree")
}

func TestReadFile_OffsetLimit(t *testing.T) {
	b, dir := newTestBuiltins(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("a\nb\nc\nd"), 0o644))

	out, err := b.readFile(context.Background(), map[string]interface{}{
		"path": "x.txt", "offset": float64(2), "limit": float64(2),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "2\tb")
	assert.Contains(t, out, "3\tc")
	assert.NotContains(t, out, "1\ta")
	assert.Contains(t, out, "more lines")
}

func TestReadFile_LongLineTruncatesOnRuneBoundary(t *testing.T) {
	b, dir := newTestBuiltins(t)
	// One leading ASCII byte shifts the two-byte runes to odd offsets,
	// so a naive byte cut at the limit would split a rune.
	line := "a" + strings.Repeat("é", maxLineLength)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte(line+"\n"), 0o644))

	out, err := b.readFile(context.Background(), map[string]interface{}{"path": "x.txt"})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "…")
}

func TestReadFile_Missing(t *testing.T) {
	b, _ := newTestBuiltins(t)
	_, err := b.readFile(context.Background(), map[string]interface{}{"path": "nope.txt"})
	assert.Error(t, err)
}

func TestWriteFile_CreatesParents(t *testing.T) {
	b, dir := newTestBuiltins(t)

	out, err := b.writeFile(context.Background(), map[string]interface{}{
		"path": "sub/dir/y.txt", "content": "hello",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "5 bytes")

	data, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFile_ProtectedDir(t *testing.T) {
	b, _ := newTestBuiltins(t)
	_, err := b.writeFile(context.Background(), map[string]interface{}{
		"path": "/etc", "content": "nope",
	})
	assert.Error(t, err)
}

func TestEditFile_UniqueReplace(t *testing.T) {
	b, dir := newTestBuiltins(t)
	path := filepath.Join(dir, "z.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644))

	out, err := b.editFile(context.Background(), map[string]interface{}{
		"path": "z.txt", "old_string": "beta", "new_string": "delta",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Replaced 1 occurrence(s)")
	assert.Contains(t, out, "- beta")
	assert.Contains(t, out, "+ delta")

	data, _ := os.ReadFile(path)
	assert.Equal(t, "alpha\ndelta\ngamma\n", string(data))
}

func TestEditFile_AmbiguousWithoutReplaceAll(t *testing.T) {
	b, dir := newTestBuiltins(t)
	path := filepath.Join(dir, "z.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\nx\n"), 0o644))

	_, err := b.editFile(context.Background(), map[string]interface{}{
		"path": "z.txt", "old_string": "x", "new_string": "y",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replace_all")

	out, err := b.editFile(context.Background(), map[string]interface{}{
		"path": "z.txt", "old_string": "x", "new_string": "y", "replace_all": true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Replaced 2 occurrence(s)")
}

func TestEditFile_FuzzyWhitespaceMatch(t *testing.T) {
	b, dir := newTestBuiltins(t)
	path := filepath.Join(dir, "w.txt")
	// Trailing whitespace in the file that the model won't reproduce.
	require.NoError(t, os.WriteFile(path, []byte("func main() {  \n\tdoWork()\t\n}\n"), 0o644))

	_, err := b.editFile(context.Background(), map[string]interface{}{
		"path":       "w.txt",
		"old_string": "func main() {\n\tdoWork()\n}",
		"new_string": "func main() {\n\tdoBetterWork()\n}",
	})
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "func main() {\n\tdoBetterWork()\n}\n", string(data))
}

func TestEditFile_NotFound(t *testing.T) {
	b, dir := newTestBuiltins(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.txt"), []byte("abc"), 0o644))

	_, err := b.editFile(context.Background(), map[string]interface{}{
		"path": "w.txt", "old_string": "zzz", "new_string": "yyy",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTodoTool(t *testing.T) {
	b, _ := newTestBuiltins(t)
	ctx := context.Background()

	out, err := b.todo(ctx, map[string]interface{}{"action": "add", "content": "write tests"})
	require.NoError(t, err)
	assert.Contains(t, out, "Added task 1")

	_, err = b.todo(ctx, map[string]interface{}{"action": "add", "content": "ship it"})
	require.NoError(t, err)

	out, err = b.todo(ctx, map[string]interface{}{"action": "complete", "id": float64(1)})
	require.NoError(t, err)
	assert.Contains(t, out, "Completed task 1")

	out, err = b.todo(ctx, map[string]interface{}{"action": "list"})
	require.NoError(t, err)
	assert.Contains(t, out, "[x] 1. write tests")
	assert.Contains(t, out, "[ ] 2. ship it")

	_, err = b.todo(ctx, map[string]interface{}{"action": "drop"})
	assert.Error(t, err)
}

func TestPathGuard(t *testing.T) {
	guard := NewPathGuard([]string{"/opt/secrets"})

	assert.Error(t, guard.Check("/etc"))
	assert.Error(t, guard.Check("/"))
	assert.Error(t, guard.Check("/opt/secrets/key.pem"))
	assert.NoError(t, guard.Check("/tmp/scratch/file.txt"))
}

func TestBuiltins_RegisterAll(t *testing.T) {
	b, _ := newTestBuiltins(t)
	r := NewRegistry(config.ModeStandard)
	require.NoError(t, b.RegisterAll(r))

	assert.Equal(t, []string{
		"read_file", "write_file", "edit_file", "bash", "grep", "list_dir", "todo",
	}, r.Names())
}
