package artifact

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FilesystemStore writes entity files under dataDir. Each area/entity pair
// gets one file: {dataDir}/areas/{area}/{entity}.ndjson, gzipped at
// finalize.
type FilesystemStore struct {
	dataDir string
	log     *slog.Logger

	// Open handles for areas still being collected
	mu    sync.Mutex
	files map[string]*os.File
}

// NewFilesystemStore creates a filesystem-backed artifact store rooted at
// dataDir.
func NewFilesystemStore(dataDir string, log *slog.Logger) (*FilesystemStore, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &FilesystemStore{
		dataDir: dataDir,
		log:     log,
		files:   make(map[string]*os.File),
	}, nil
}

// DefaultDataDir returns the default artifact directory.
func DefaultDataDir() string {
	if dataDir := os.Getenv("TRAWL_DATA_DIR"); dataDir != "" {
		return dataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".trawl", "data")
}

// Put appends a batch of entities to the area's entity file.
func (s *FilesystemStore) Put(ctx context.Context, areaKey, entityType string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}

	f, err := s.getOrCreateFile(areaKey, entityType)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, item := range items {
		buf.Write(item)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write entities: %w", err)
	}
	return nil
}

// PutRecord appends a single entity.
func (s *FilesystemStore) PutRecord(ctx context.Context, areaKey, entityType string, item json.RawMessage) error {
	return s.Put(ctx, areaKey, entityType, []json.RawMessage{item})
}

// getOrCreateFile returns the handle for an area/entity file, creating it
// if needed.
func (s *FilesystemStore) getOrCreateFile(areaKey, entityType string) (*os.File, error) {
	key := entityKey(areaKey, entityType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[key]; ok {
		return f, nil
	}

	path := filepath.Join(s.dataDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create area directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open entity file: %w", err)
	}

	s.files[key] = f
	return f, nil
}

// Finalize closes the area's open handles and compresses its entity files.
func (s *FilesystemStore) Finalize(ctx context.Context, areaKey string) error {
	prefix := "areas/" + sanitizeKey(areaKey) + "/"

	s.mu.Lock()
	for key, f := range s.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := f.Sync(); err != nil {
			s.log.Warn("failed to sync entity file", "key", key, "error", err)
		}
		if err := f.Close(); err != nil {
			s.log.Warn("failed to close entity file", "key", key, "error", err)
		}
		delete(s.files, key)
	}
	s.mu.Unlock()

	dir := filepath.Join(s.dataDir, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing collected
		}
		return fmt.Errorf("read area directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ndjson") {
			continue
		}
		if err := s.compress(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// compress gzips one entity file and removes the original.
func (s *FilesystemStore) compress(srcPath string) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read entity file: %w", err)
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(raw); err != nil {
		return fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	if err := os.WriteFile(srcPath+".gz", compressed.Bytes(), 0644); err != nil {
		return fmt.Errorf("write compressed entity file: %w", err)
	}
	if err := os.Remove(srcPath); err != nil {
		s.log.Warn("failed to remove uncompressed entity file", "path", srcPath, "error", err)
	}

	s.log.Debug("compressed entity file", "path", srcPath,
		"raw_size", len(raw), "compressed_size", compressed.Len())
	return nil
}

// List walks the data directory and returns stored keys under prefix.
func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := filepath.Join(s.dataDir, "areas")

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dataDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, "areas/"+sanitizeKey(prefix)) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walk data directory: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close closes all open file handles.
func (s *FilesystemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, f := range s.files {
		if err := f.Close(); err != nil {
			s.log.Warn("failed to close entity file", "key", key, "error", err)
		}
	}
	s.files = make(map[string]*os.File)

	return nil
}
