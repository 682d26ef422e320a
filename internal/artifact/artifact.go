// Package artifact persists crawled entities as newline-delimited JSON.
// It supports both the local filesystem (for development) and S3-compatible
// object stores (for production).
package artifact

import (
	"context"
	"encoding/json"
	"strings"
)

// Store persists batches of anonymized entities keyed by area and entity
// type.
type Store interface {
	// Put appends a batch of entities to the area's file for entityType.
	Put(ctx context.Context, areaKey, entityType string, items []json.RawMessage) error

	// PutRecord appends a single entity.
	PutRecord(ctx context.Context, areaKey, entityType string, item json.RawMessage) error

	// Finalize flushes and compresses everything written for an area.
	// Called once when the collecting job reaches a terminal status.
	Finalize(ctx context.Context, areaKey string) error

	// List returns the stored keys under an area path prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close shuts down the store (stops flush loop, closes handles).
	Close() error
}

// sanitizeKey maps an area full path onto a safe relative key. Path
// separators survive so areas keep their hierarchy; everything else outside
// a conservative character set is replaced.
func sanitizeKey(fullPath string) string {
	var segs []string
	for _, seg := range strings.Split(fullPath, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		var b strings.Builder
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				b.WriteRune(r)
			case r == '-' || r == '_' || r == '.':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
		segs = append(segs, b.String())
	}
	return strings.Join(segs, "/")
}

// entityKey builds the storage key for one entity file of an area.
func entityKey(areaKey, entityType string) string {
	return "areas/" + sanitizeKey(areaKey) + "/" + sanitizeKey(entityType) + ".ndjson"
}
