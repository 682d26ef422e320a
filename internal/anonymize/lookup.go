package anonymize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DisableIOEnv switches the lookup table into privacy mode: nothing is
// written, nothing can be reversed.
const DisableIOEnv = "LOOKUP_DB_DISABLE_IO"

// LookupTable maps digests back to their originals so an operator can
// de-anonymize on request. Mappings are persisted as append-only CSV rows of
// hash,original. Duplicate digests are suppressed in memory.
type LookupTable struct {
	log *slog.Logger

	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	seen map[string]string

	disabled bool
	warn     sync.Once
}

// NewLookupTable opens (or creates) the CSV at path and loads existing
// mappings. With LOOKUP_DB_DISABLE_IO=true the table is a black hole: no
// file is touched and lookups return nothing.
func NewLookupTable(path string, log *slog.Logger) (*LookupTable, error) {
	if log == nil {
		log = slog.Default()
	}

	t := &LookupTable{
		log:  log,
		seen: make(map[string]string),
	}

	if os.Getenv(DisableIOEnv) == "true" {
		t.disabled = true
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lookup directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lookup database: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A torn final row from a crash is not worth failing over.
			log.Warn("skipping malformed lookup row", "error", err)
			continue
		}
		t.seen[rec[0]] = rec[1]
	}

	t.file = f
	t.w = csv.NewWriter(f)
	return t, nil
}

// Record persists a digest to original mapping. Already-seen digests are
// ignored. In privacy mode this logs once and drops everything.
func (t *LookupTable) Record(digest, original string) {
	if t.disabled {
		t.warn.Do(func() {
			t.log.Info("lookup database disabled, anonymization is irreversible")
		})
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[digest]; ok {
		return
	}
	t.seen[digest] = original

	if err := t.w.Write([]string{digest, original}); err != nil {
		t.log.Warn("failed to append lookup row", "error", err)
		return
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		t.log.Warn("failed to flush lookup row", "error", err)
	}
}

// Lookup returns the original value for a digest, or "" when unknown or in
// privacy mode.
func (t *LookupTable) Lookup(digest string) string {
	if t.disabled {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[digest]
}

// Len reports how many mappings are held.
func (t *LookupTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Close flushes and closes the backing file.
func (t *LookupTable) Close() error {
	if t.disabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}
