package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, root string) *Manager {
	t.Helper()
	m, err := New(Options{
		Root:     root,
		StateDir: t.TempDir(),
		Debounce: time.Millisecond,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestBeforeMutatingOpSnapshotsResource(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("before"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	m := newTestManager(t, root)

	if err := m.BeforeMutatingOp(context.Background(), "a.txt"); err != nil {
		t.Fatalf("BeforeMutatingOp: %v", err)
	}
	metas, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(metas))
	}
	if metas[0].Resource != "a.txt" {
		t.Fatalf("resource = %q, want %q", metas[0].Resource, "a.txt")
	}
	names := archiveNames(t, metas[0].ArchivePath)
	if len(names) != 1 || names[0] != "a.txt" {
		t.Fatalf("archive contents = %v, want [a.txt]", names)
	}
}

func TestBeforeMutatingOpSkipsMissingResource(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, t.TempDir())

	if err := m.BeforeMutatingOp(context.Background(), "does-not-exist.txt"); err != nil {
		t.Fatalf("BeforeMutatingOp: %v", err)
	}
	metas, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("snapshots = %d, want 0 for a resource the mutation creates", len(metas))
	}
}

func TestBeforeMutatingOpWidensEscapingRefsToRoot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o600); err != nil {
		t.Fatalf("seed git file: %v", err)
	}
	m := newTestManager(t, root)

	if err := m.BeforeMutatingOp(context.Background(), "../../etc/passwd"); err != nil {
		t.Fatalf("BeforeMutatingOp: %v", err)
	}
	metas, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(metas))
	}
	if metas[0].Resource != "" {
		t.Fatalf("resource = %q, want whole-root snapshot", metas[0].Resource)
	}
	names := archiveNames(t, metas[0].ArchivePath)
	if len(names) != 1 || names[0] != "keep.txt" {
		t.Fatalf("archive contents = %v, want [keep.txt] with .git excluded", names)
	}
}

func TestDebounceSuppressesRepeatSnapshots(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	m, err := New(Options{
		Root:     root,
		StateDir: t.TempDir(),
		Debounce: time.Hour,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.BeforeMutatingOp(context.Background(), "a.txt"); err != nil {
			t.Fatalf("BeforeMutatingOp #%d: %v", i, err)
		}
	}
	metas, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("snapshots = %d, want 1 within the debounce window", len(metas))
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{StateDir: t.TempDir()}); err == nil {
		t.Fatal("New without root should fail")
	}
	if _, err := New(Options{Root: t.TempDir()}); err == nil {
		t.Fatal("New without state dir should fail")
	}
}
