// Package checkpoint snapshots workspace resources before the engine
// runs a mutating capability. Snapshots are tar.gz archives under the
// state directory; the engine never reads one back, restore tooling is
// a separate concern.
package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Excluded directory names when a snapshot covers the whole root.
var snapshotExcludes = []string{
	".git",
	"node_modules",
	".pnpm-store",
	"dist",
	"build",
	"out",
	"coverage",
	"target",
	".venv",
	"venv",
	".cache",
	".next",
	".turbo",
}

const defaultDebounce = 30 * time.Second

type Options struct {
	// Root is the workspace directory snapshots cover. Required.
	Root string
	// StateDir holds snapshot artifacts under checkpoints/. Required.
	StateDir string
	// Debounce suppresses repeat snapshots of the same resource within
	// the window; a round of several writes to one file snapshots it
	// once. Default 30s.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Manager implements the engine's pre-mutation hook with tar.gz
// snapshots keyed "ckpt_" + random id.
type Manager struct {
	root     string
	stateDir string
	debounce time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time
}

func New(opts Options) (*Manager, error) {
	root := filepath.Clean(strings.TrimSpace(opts.Root))
	if root == "" || root == "." {
		return nil, errors.New("checkpoint manager requires a workspace root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("checkpoint manager requires a state directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Manager{
		root:     filepath.Clean(abs),
		stateDir: stateDir,
		debounce: debounce,
		log:      logger,
		recent:   make(map[string]time.Time),
	}, nil
}

// Meta describes one stored snapshot.
type Meta struct {
	ID              string   `json:"id"`
	Root            string   `json:"root"`
	Resource        string   `json:"resource,omitempty"`
	ArchivePath     string   `json:"archive_path"`
	Files           []string `json:"files"`
	CreatedAtUnixMs int64    `json:"created_at_unix_ms"`
}

// BeforeMutatingOp snapshots the resource about to be mutated. An empty
// or out-of-root resource snapshots the whole workspace. A resource
// that does not exist yet needs no snapshot; the mutation creates it.
func (m *Manager) BeforeMutatingOp(ctx context.Context, resourceRef string) error {
	if m == nil {
		return errors.New("nil checkpoint manager")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, scoped := m.resolve(resourceRef)
	key := target
	now := time.Now()
	m.mu.Lock()
	if last, ok := m.recent[key]; ok && now.Sub(last) < m.debounce {
		m.mu.Unlock()
		return nil
	}
	m.recent[key] = now
	m.mu.Unlock()

	if scoped {
		if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}

	meta, err := m.snapshot(ctx, target)
	if err != nil {
		// Let the next attempt retry immediately.
		m.mu.Lock()
		delete(m.recent, key)
		m.mu.Unlock()
		return err
	}
	m.log.Info("workspace checkpoint created",
		"checkpoint_id", meta.ID,
		"resource", meta.Resource,
		"files", len(meta.Files))
	return nil
}

// resolve maps a resource ref onto the root. Refs that are empty,
// escape the root, or are not filesystem-shaped (URLs) widen to a full
// workspace snapshot.
func (m *Manager) resolve(resourceRef string) (target string, scoped bool) {
	ref := strings.TrimSpace(resourceRef)
	if ref == "" || strings.Contains(ref, "://") {
		return m.root, false
	}
	var abs string
	if filepath.IsAbs(ref) {
		abs = filepath.Clean(ref)
	} else {
		abs = filepath.Clean(filepath.Join(m.root, ref))
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return m.root, false
	}
	if abs == m.root {
		return m.root, false
	}
	return abs, true
}

func (m *Manager) snapshot(ctx context.Context, target string) (Meta, error) {
	id := "ckpt_" + uuid.NewString()
	dir := filepath.Join(m.stateDir, "checkpoints", id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Meta{}, err
	}
	archivePath := filepath.Join(dir, "snapshot.tar.gz")

	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return Meta{}, err
	}
	defer func() { _ = f.Close() }()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	files := make([]string, 0, 16)
	walkErr := filepath.WalkDir(target, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if isExcludedDir(d.Name()) && filepath.Clean(path) != filepath.Clean(target) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		if err := addTarFile(tw, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gw.Close()
		return Meta{}, fmt.Errorf("snapshot %s: %w", target, walkErr)
	}
	if err := tw.Close(); err != nil {
		return Meta{}, err
	}
	if err := gw.Close(); err != nil {
		return Meta{}, err
	}

	resource := ""
	if target != m.root {
		if rel, err := filepath.Rel(m.root, target); err == nil {
			resource = filepath.ToSlash(rel)
		}
	}
	meta := Meta{
		ID:              id,
		Root:            m.root,
		Resource:        resource,
		ArchivePath:     archivePath,
		Files:           files,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o600); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// List returns stored snapshot metadata, newest first.
func (m *Manager) List() ([]Meta, error) {
	if m == nil {
		return nil, errors.New("nil checkpoint manager")
	}
	base := filepath.Join(m.stateDir, "checkpoints")
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(base, entry.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(b, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUnixMs > out[j].CreatedAtUnixMs })
	return out, nil
}

func addTarFile(tw *tar.Writer, path string, name string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	_, err = io.Copy(tw, src)
	return err
}

func isExcludedDir(name string) bool {
	name = strings.TrimSpace(name)
	for _, ex := range snapshotExcludes {
		if name == ex {
			return true
		}
	}
	return false
}
