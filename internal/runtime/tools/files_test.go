package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func execTool(t *testing.T, tool interface {
	Execute(context.Context, json.RawMessage) (string, error)
}, args map[string]string) (string, error) {
	t.Helper()
	raw, _ := json.Marshal(args)
	return tool.Execute(context.Background(), raw)
}

func TestReadFile(t *testing.T) {
	root := setupWorkspace(t)
	rf := NewReadFile(root)

	out, err := execTool(t, rf, map[string]string{"path": "a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "contents" {
		t.Errorf("expected 'contents', got %q", out)
	}

	out, err = execTool(t, rf, map[string]string{"path": filepath.Join(root, "sub", "b.txt")})
	if err != nil {
		t.Fatal(err)
	}
	if out != "nested" {
		t.Errorf("expected 'nested', got %q", out)
	}
}

func TestReadFileRejectsEscapes(t *testing.T) {
	root := setupWorkspace(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	rf := NewReadFile(root)

	for _, p := range []string{"../secret", "sub/../../secret", filepath.Join(outside, "secret"), "link"} {
		if _, err := execTool(t, rf, map[string]string{"path": p}); err == nil {
			t.Errorf("expected %q to be rejected", p)
		}
	}
}

func TestReadFileErrors(t *testing.T) {
	root := setupWorkspace(t)
	rf := NewReadFile(root)

	if _, err := execTool(t, rf, map[string]string{}); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := execTool(t, rf, map[string]string{"path": "sub"}); err == nil {
		t.Error("expected error for directory")
	}
	if _, err := execTool(t, rf, map[string]string{"path": "missing.txt"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestListDirectory(t *testing.T) {
	root := setupWorkspace(t)
	ld := NewListDirectory(root)

	out, err := execTool(t, ld, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.txt\nsub/\n" {
		t.Errorf("unexpected listing %q", out)
	}

	out, err = execTool(t, ld, map[string]string{"path": "sub"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "b.txt") {
		t.Errorf("expected b.txt in %q", out)
	}

	if _, err := execTool(t, ld, map[string]string{"path": ".."}); err == nil {
		t.Error("expected parent directory to be rejected")
	}
}
