package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/forgecli/forge/pkg/config"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
)

// Builtins constructs the native tool set against a shared tools config.
type Builtins struct {
	cfg   *config.ToolsConfig
	guard *PathGuard
	todos *todoList
}

// NewBuiltins creates the builtin tool factory.
func NewBuiltins(cfg *config.ToolsConfig) *Builtins {
	return &Builtins{
		cfg:   cfg,
		guard: NewPathGuard(cfg.DeniedDirs),
		todos: newTodoList(),
	}
}

// RegisterAll registers every builtin tool into the registry.
func (b *Builtins) RegisterAll(r *Registry) error {
	descriptors := []*Descriptor{
		b.ReadFile(),
		b.WriteFile(),
		b.EditFile(),
		b.Bash(),
		b.Grep(),
		b.ListDir(),
		b.Todo(),
	}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath makes a path absolute, joining relative paths onto the
// configured working directory.
func (b *Builtins) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(b.cfg.WorkingDir, path)
}

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"required,description=File path to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// ReadFile returns the read_file descriptor.
func (b *Builtins) ReadFile() *Descriptor {
	return &Descriptor{
		Name:        "read_file",
		Description: "Read a file's contents, optionally a line range. Long lines and long files are truncated.",
		Parameters:  MustSchema[readFileArgs](),
		Permission:  PermissionAuto,
		Handler:     b.readFile,
	}
}

func (b *Builtins) readFile(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	full := b.resolvePath(path)

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	offset := intArg(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := intArg(args, "limit", defaultReadLimit)
	if limit < 1 {
		limit = defaultReadLimit
	}

	if offset > len(lines) {
		return "", fmt.Errorf("offset %d is past end of file (%d lines)", offset, len(lines))
	}

	end := offset - 1 + limit
	truncated := false
	if end > len(lines) {
		end = len(lines)
	} else if end < len(lines) {
		truncated = true
	}

	var sb strings.Builder
	for i, line := range lines[offset-1 : end] {
		if len(line) > maxLineLength {
			line = truncateLine(line, maxLineLength) + "…"
		}
		fmt.Fprintf(&sb, "%d\t%s\n", offset+i, line)
	}
	if truncated {
		fmt.Fprintf(&sb, "... (%d more lines, use offset=%d to continue)", len(lines)-end, end+1)
	}
	return sb.String(), nil
}

// truncateLine keeps at most max leading bytes of line, backing off the
// boundary so a multi-byte rune is never split.
func truncateLine(line string, max int) string {
	cut := max
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path to write"`
	Content string `json:"content" jsonschema:"required,description=Full file content"`
}

// WriteFile returns the write_file descriptor.
func (b *Builtins) WriteFile() *Descriptor {
	return &Descriptor{
		Name:         "write_file",
		Description:  "Write content to a file, creating it and any parent directories if needed. Overwrites existing content.",
		Parameters:   MustSchema[writeFileArgs](),
		Permission:   PermissionAuto,
		Capabilities: Capabilities{Write: true},
		Handler:      b.writeFile,
	}
}

func (b *Builtins) writeFile(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	full := b.resolvePath(path)
	if err := b.guard.Check(full); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

type editFileArgs struct {
	Path       string `json:"path" jsonschema:"required,description=File path to edit"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to find"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace all occurrences instead of requiring a unique match"`
}

// EditFile returns the edit_file descriptor, a search/replace block editor.
func (b *Builtins) EditFile() *Descriptor {
	return &Descriptor{
		Name:         "edit_file",
		Description:  "Replace exact text in a file. Falls back to whitespace-tolerant matching when the exact text is not found. Preserves surrounding formatting.",
		Parameters:   MustSchema[editFileArgs](),
		Permission:   PermissionAuto,
		Capabilities: Capabilities{Write: true},
		Handler:      b.editFile,
	}
}

func (b *Builtins) editFile(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	oldString, _ := args["old_string"].(string)
	newString, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)

	if oldString == "" {
		return "", fmt.Errorf("old_string must not be empty")
	}

	full := b.resolvePath(path)
	if err := b.guard.Check(full); err != nil {
		return "", err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	content := string(data)

	matched := oldString
	count := strings.Count(content, oldString)
	if count == 0 {
		// Whitespace-tolerant fallback: match ignoring trailing
		// whitespace differences per line.
		span, ok := fuzzyFind(content, oldString)
		if !ok {
			return "", fmt.Errorf("old_string not found in %s: %q", path, truncate(oldString, 80))
		}
		matched = span
		count = strings.Count(content, span)
	}

	if !replaceAll && count > 1 {
		return "", fmt.Errorf("old_string appears %d times in %s; make it unique or set replace_all", count, path)
	}

	var newContent string
	replaced := 1
	if replaceAll {
		newContent = strings.ReplaceAll(content, matched, newString)
		replaced = count
	} else {
		newContent = strings.Replace(content, matched, newString, 1)
	}

	if err := os.WriteFile(full, []byte(newContent), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Replaced %d occurrence(s) in %s\n", replaced, path)
	sb.WriteString(renderDiff(matched, newString))
	return sb.String(), nil
}

// fuzzyFind locates oldString in content ignoring trailing whitespace on
// each line, returning the exact text span as it appears in content.
func fuzzyFind(content, oldString string) (string, bool) {
	contentLines := strings.Split(content, "\n")
	oldLines := strings.Split(oldString, "\n")
	if len(oldLines) > len(contentLines) {
		return "", false
	}

	trimmed := make([]string, len(oldLines))
	for i, line := range oldLines {
		trimmed[i] = strings.TrimRight(line, " \t")
	}

	for start := 0; start+len(oldLines) <= len(contentLines); start++ {
		match := true
		for i := range oldLines {
			if strings.TrimRight(contentLines[start+i], " \t") != trimmed[i] {
				match = false
				break
			}
		}
		if match {
			return strings.Join(contentLines[start:start+len(oldLines)], "\n"), true
		}
	}
	return "", false
}

func renderDiff(oldStr, newStr string) string {
	var diff strings.Builder
	for _, line := range strings.Split(oldStr, "\n") {
		diff.WriteString("- " + line + "\n")
	}
	for _, line := range strings.Split(newStr, "\n") {
		diff.WriteString("+ " + line + "\n")
	}
	return strings.TrimRight(diff.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
