package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const maxGrepMatches = 100

type grepArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path    string `json:"path,omitempty" jsonschema:"description=File or directory to search; defaults to the working directory"`
	Include string `json:"include,omitempty" jsonschema:"description=Glob filter on file names such as *.go"`
}

// Grep returns the grep descriptor.
func (b *Builtins) Grep() *Descriptor {
	return &Descriptor{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Returns matching lines as path:line: text.",
		Parameters:  MustSchema[grepArgs](),
		Permission:  PermissionAuto,
		Handler:     b.grep,
	}
}

func (b *Builtins) grep(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, _ := args["pattern"].(string)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	root, _ := args["path"].(string)
	if root == "" {
		root = b.cfg.WorkingDir
		if root == "" {
			root = "."
		}
	} else {
		root = b.resolvePath(root)
	}
	include, _ := args["include"].(string)

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		if len(matches) >= maxGrepMatches {
			return filepath.SkipAll
		}
		fileMatches, err := grepFile(path, re, maxGrepMatches-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, fileMatches...)
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return "", walkErr
	}

	if len(matches) == 0 {
		return "No matches found", nil
	}
	result := strings.Join(matches, "\n")
	if len(matches) >= maxGrepMatches {
		result += fmt.Sprintf("\n... (stopped at %d matches)", maxGrepMatches)
	}
	return result, nil
}

func grepFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			// Binary file, skip the rest.
			return matches, nil
		}
		if re.MatchString(line) {
			if len(line) > maxLineLength {
				line = line[:maxLineLength] + "…"
			}
			matches = append(matches, fmt.Sprintf("%s:%d: %s", path, lineNum, line))
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the working directory"`
}

// ListDir returns the list_dir descriptor.
func (b *Builtins) ListDir() *Descriptor {
	return &Descriptor{
		Name:        "list_dir",
		Description: "List a directory's entries with sizes. Directories are marked with a trailing slash.",
		Parameters:  MustSchema[listDirArgs](),
		Permission:  PermissionAuto,
		Handler:     b.listDir,
	}
}

func (b *Builtins) listDir(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = b.cfg.WorkingDir
		if path == "" {
			path = "."
		}
	} else {
		path = b.resolvePath(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s (%d bytes)\n", entry.Name(), info.Size())
	}
	if sb.Len() == 0 {
		return "(empty directory)", nil
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
