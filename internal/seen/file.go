package seen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"jobwatch/internal/core"
)

// FileStore keeps the seen set in a single JSON file. The file doubles as
// the operator-facing audit trail and is typically committed to a repository
// by the external scheduler after a successful run.
type FileStore struct {
	path       string
	retention  time.Duration
	maxEntries int
}

type fileEntry struct {
	ID     string    `json:"id"`
	SeenAt time.Time `json:"seen_at"`
}

type fileDocument struct {
	Entries   []fileEntry `json:"entries"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewFileStore creates a JSON-file-backed store. retention <= 0 disables
// age-based pruning; maxEntries <= 0 disables the size cap.
func NewFileStore(path string, retention time.Duration, maxEntries int) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("seen file path is required")
	}
	return &FileStore{path: path, retention: retention, maxEntries: maxEntries}, nil
}

// Load reads the persisted set. A missing file means a first run and yields
// an empty set; a present-but-unparseable file is fatal.
func (f *FileStore) Load(ctx context.Context) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Set{}, nil
		}
		return nil, &core.SeenStoreError{Path: f.path, Err: err}
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &core.SeenStoreError{Path: f.path, Err: fmt.Errorf("unparseable state: %w", err)}
	}
	set := make(Set, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.ID == "" {
			continue
		}
		set[e.ID] = e.SeenAt
	}
	if removed := set.Prune(f.retention, time.Now().UTC()); removed > 0 {
		core.LoggerFromContext(ctx).Info("pruned expired seen entries",
			"path", f.path, "removed", removed)
	}
	return set, nil
}

// Persist writes the set atomically: serialize to a temp file in the same
// directory, fsync, then rename over the previous state. Retention and the
// entry cap are applied before writing.
func (f *FileStore) Persist(ctx context.Context, s Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	trimmed := s.Clone()
	trimmed.Prune(f.retention, now)

	entries := make([]fileEntry, 0, len(trimmed))
	for id, at := range trimmed {
		entries = append(entries, fileEntry{ID: id, SeenAt: at})
	}
	// Newest first, so the cap keeps the most recent entries and the audit
	// trail reads top-down.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SeenAt.Equal(entries[j].SeenAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].SeenAt.After(entries[j].SeenAt)
	})
	if f.maxEntries > 0 && len(entries) > f.maxEntries {
		entries = entries[:f.maxEntries]
	}

	data, err := json.MarshalIndent(fileDocument{Entries: entries, UpdatedAt: now}, "", "  ")
	if err != nil {
		return &core.SeenStoreError{Path: f.path, Err: err}
	}

	dir := filepath.Dir(f.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &core.SeenStoreError{Path: f.path, Err: err}
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return &core.SeenStoreError{Path: f.path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &core.SeenStoreError{Path: f.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &core.SeenStoreError{Path: f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &core.SeenStoreError{Path: f.path, Err: err}
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return &core.SeenStoreError{Path: f.path, Err: err}
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
