package sessionstore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s failed: %v", path, err)
	}
	return string(data)
}

func Test_Archive_RoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	srcHome := t.TempDir()

	meta := NewMetadata("sess-1", "claude")
	meta.Branch = "webedt/auto-request-abcd1234"
	if err := SaveMetadata(srcRoot, meta); err != nil {
		t.Fatalf("save metadata failed: %v", err)
	}
	writeFile(t, filepath.Join(srcRoot, WorkspaceDirName, "repo", "main.go"), "package main\n")
	writeFile(t, filepath.Join(srcRoot, WorkspaceDirName, "repo", "sub", "util.go"), "package sub\n")
	writeFile(t, filepath.Join(srcHome, ".claude", ".credentials.json"), `{"token":"x"}`)

	var buf bytes.Buffer
	if err := Pack(&buf, srcRoot, srcHome, []string{".claude", ".codex"}); err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	dstRoot := t.TempDir()
	dstHome := t.TempDir()
	if err := Unpack(&buf, dstRoot, dstHome); err != nil {
		t.Fatalf("unpack failed: %v", err)
	}

	restored, err := LoadMetadata(dstRoot)
	if err != nil {
		t.Fatalf("load metadata failed: %v", err)
	}
	if restored.SessionID != "sess-1" || restored.Branch != meta.Branch {
		t.Errorf("metadata mismatch: %+v", restored)
	}
	if got := readFile(t, filepath.Join(dstRoot, WorkspaceDirName, "repo", "main.go")); got != "package main\n" {
		t.Errorf("workspace file mismatch: %q", got)
	}
	if got := readFile(t, filepath.Join(dstRoot, WorkspaceDirName, "repo", "sub", "util.go")); got != "package sub\n" {
		t.Errorf("nested workspace file mismatch: %q", got)
	}
	if got := readFile(t, filepath.Join(dstHome, ".claude", ".credentials.json")); got != `{"token":"x"}` {
		t.Errorf("credential file mismatch: %q", got)
	}
}

func Test_Unpack_MergesWorkspace(t *testing.T) {
	srcRoot := t.TempDir()
	writeFile(t, filepath.Join(srcRoot, WorkspaceDirName, "new.txt"), "new")

	var buf bytes.Buffer
	if err := Pack(&buf, srcRoot, t.TempDir(), nil); err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	dstRoot := t.TempDir()
	writeFile(t, filepath.Join(dstRoot, WorkspaceDirName, "existing.txt"), "keep me")

	if err := Unpack(&buf, dstRoot, t.TempDir()); err != nil {
		t.Fatalf("unpack failed: %v", err)
	}

	// Merge semantics: files already in the workspace survive.
	if got := readFile(t, filepath.Join(dstRoot, WorkspaceDirName, "existing.txt")); got != "keep me" {
		t.Errorf("existing workspace file must survive, got %q", got)
	}
	if got := readFile(t, filepath.Join(dstRoot, WorkspaceDirName, "new.txt")); got != "new" {
		t.Errorf("archived file missing, got %q", got)
	}
}

func Test_Unpack_ReplacesCredentialDirsWholesale(t *testing.T) {
	srcHome := t.TempDir()
	writeFile(t, filepath.Join(srcHome, ".codex", "auth.json"), `{"fresh":true}`)

	var buf bytes.Buffer
	if err := Pack(&buf, t.TempDir(), srcHome, []string{".codex"}); err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	dstHome := t.TempDir()
	writeFile(t, filepath.Join(dstHome, ".codex", "auth.json"), `{"stale":true}`)
	writeFile(t, filepath.Join(dstHome, ".codex", "leftover.lock"), "stale state")

	if err := Unpack(&buf, t.TempDir(), dstHome); err != nil {
		t.Fatalf("unpack failed: %v", err)
	}

	if got := readFile(t, filepath.Join(dstHome, ".codex", "auth.json")); got != `{"fresh":true}` {
		t.Errorf("credential file not replaced: %q", got)
	}
	if _, err := os.Stat(filepath.Join(dstHome, ".codex", "leftover.lock")); !os.IsNotExist(err) {
		t.Error("stale credential state must be removed, not merged")
	}
}

func Test_Unpack_RewritesReadOnlyFiles(t *testing.T) {
	srcRoot := t.TempDir()
	packPath := filepath.Join(WorkspaceDirName, "repo", ".git", "objects", "pack", "pack-1.pack")
	writeFile(t, filepath.Join(srcRoot, packPath), "v2")

	var buf bytes.Buffer
	if err := Pack(&buf, srcRoot, t.TempDir(), nil); err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	// Git extracts pack files read-only; a plain truncate would fail.
	dstRoot := t.TempDir()
	existing := filepath.Join(dstRoot, packPath)
	writeFile(t, existing, "v1")
	if err := os.Chmod(existing, 0o444); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}

	if err := Unpack(&buf, dstRoot, t.TempDir()); err != nil {
		t.Fatalf("unpack over read-only file failed: %v", err)
	}
	if got := readFile(t, existing); got != "v2" {
		t.Errorf("read-only file not rewritten: %q", got)
	}
}

func Test_Unpack_RejectsEscapingSymlinks(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		name, linkname, body string
	}{
		{WorkspaceDirName + "/safe.txt", "", "ok"},
		{WorkspaceDirName + "/link", "safe.txt", ""},
		{WorkspaceDirName + "/evil", "../../outside", ""},
		{WorkspaceDirName + "/abs", "/etc/passwd", ""},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: tar.TypeReg, Size: int64(len(e.body))}
		if e.linkname != "" {
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.linkname
			hdr.Mode = 0o777
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s failed: %v", e.name, err)
		}
		if e.body != "" {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body %s failed: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar failed: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip failed: %v", err)
	}

	dstRoot := t.TempDir()
	if err := Unpack(&buf, dstRoot, t.TempDir()); err != nil {
		t.Fatalf("unpack failed: %v", err)
	}

	// Targets that leave the extraction root are skipped, not restored.
	for _, name := range []string{"evil", "abs"} {
		if _, err := os.Lstat(filepath.Join(dstRoot, WorkspaceDirName, name)); !os.IsNotExist(err) {
			t.Errorf("escaping symlink %s must not be restored", name)
		}
	}
	if target, err := os.Readlink(filepath.Join(dstRoot, WorkspaceDirName, "link")); err != nil || target != "safe.txt" {
		t.Errorf("relative symlink inside the tree must survive, got %q, %v", target, err)
	}
}

func Test_Unpack_SkipsMissingCredentialDirs(t *testing.T) {
	// Packing a home dir without the named credential dirs is fine.
	var buf bytes.Buffer
	if err := Pack(&buf, t.TempDir(), t.TempDir(), []string{".claude", ".codex", ".cursor"}); err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := Unpack(&buf, t.TempDir(), t.TempDir()); err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
}
