package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxReadFileBytes = 256 << 10
	maxListEntries   = 500
)

// resolve maps a tool-supplied path onto root and rejects anything that
// leaves it, including through symlinks.
func resolve(root, p string) (string, error) {
	if p == "" {
		p = "."
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, filepath.Clean(p))
		if err != nil {
			return "", fmt.Errorf("path %q is outside the workspace", p)
		}
		p = rel
	}
	full := filepath.Join(root, p)
	if !within(root, full) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	if !within(realRoot, resolved) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return resolved, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ReadFile returns the contents of a file under the workspace root.
type ReadFile struct{ root string }

// NewReadFile creates a ReadFile tool confined to root.
func NewReadFile(root string) *ReadFile { return &ReadFile{root: filepath.Clean(root)} }

func (r *ReadFile) Name() string        { return "read_file" }
func (r *ReadFile) Description() string { return "Read a text file from the workspace" }
func (r *ReadFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (r *ReadFile) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	full, err := resolve(r.root, params.Path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", params.Path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxReadFileBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxReadFileBytes {
		return string(data[:maxReadFileBytes]) + "\n\n[File truncated]", nil
	}
	return string(data), nil
}

// ListDirectory lists the entries of a directory under the workspace root.
type ListDirectory struct{ root string }

// NewListDirectory creates a ListDirectory tool confined to root.
func NewListDirectory(root string) *ListDirectory {
	return &ListDirectory{root: filepath.Clean(root)}
}

func (l *ListDirectory) Name() string        { return "list_directory" }
func (l *ListDirectory) Description() string { return "List files and directories in the workspace" }
func (l *ListDirectory) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory relative to the workspace root (default: root)"}
		}
	}`)
}

func (l *ListDirectory) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}

	full, err := resolve(l.root, params.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for i, e := range entries {
		if i == maxListEntries {
			fmt.Fprintf(&b, "[%d more entries]\n", len(entries)-maxListEntries)
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "(empty directory)", nil
	}
	return b.String(), nil
}
