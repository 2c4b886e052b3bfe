package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateWithinRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "stream", "0000.npz")
	if err := os.MkdirAll(filepath.Dir(inside), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateWithinRoot(inside, root); err != nil {
		t.Errorf("path inside root rejected: %v", err)
	}
	if err := ValidateWithinRoot(root, root); err != nil {
		t.Errorf("root itself rejected: %v", err)
	}
}

func TestValidateWithinRootRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sep := string(filepath.Separator)
	traversal := root + sep + "stream" + sep + ".." + sep + ".." + sep +
		filepath.Base(filepath.Dir(outside)) + sep + "secret.txt"
	if err := ValidateWithinRoot(traversal, root); err == nil {
		t.Error("traversal path accepted")
	}
	if err := ValidateWithinRoot(outside, root); err == nil {
		t.Error("absolute outside path accepted")
	}
}

func TestValidateWithinRootRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alias.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := ValidateWithinRoot(link, root); err == nil {
		t.Error("symlink escaping the root accepted")
	}
}

func TestValidateWithinRootMissingPath(t *testing.T) {
	root := t.TempDir()
	if err := ValidateWithinRoot(filepath.Join(root, "never_written.npz"), root); err == nil {
		t.Error("nonexistent path accepted")
	}
}
