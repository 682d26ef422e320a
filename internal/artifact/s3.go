package artifact

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	flushSize     = 256 * 1024       // flush buffer when exceeded
	flushInterval = 30 * time.Second // flush stale buffers after this long
	flushLoopTick = 5 * time.Second  // check for stale buffers at this rate
)

// S3Config contains configuration for an S3-compatible object store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for R2 and other S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store buffers entities in memory and uploads them as chunk objects,
// concatenating and compressing at finalize.
type S3Store struct {
	client  *s3.Client
	bucket  string
	buffers map[string]*entityBuffer
	mu      sync.RWMutex
	log     *slog.Logger

	// Shutdown
	done chan struct{}
	wg   sync.WaitGroup
}

// entityBuffer holds buffered entities for one area/entity file.
type entityBuffer struct {
	lines     [][]byte
	size      int       // current buffer size in bytes
	lastFlush time.Time // when we last flushed
	chunkIdx  int       // next chunk number
	mu        sync.Mutex
}

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(cfg S3Config, log *slog.Logger) (*S3Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store requires a bucket")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	} else {
		opts = append(opts, config.WithRegion("auto"))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	store := &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		buffers: make(map[string]*entityBuffer),
		log:     log,
		done:    make(chan struct{}),
	}

	store.wg.Add(1)
	go store.flushLoop()

	return store, nil
}

// flushLoop periodically flushes stale buffers.
func (s *S3Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushLoopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushStale()
		case <-s.done:
			return
		}
	}
}

// flushStale flushes buffers that haven't been flushed recently.
func (s *S3Store) flushStale() {
	s.mu.RLock()
	var stale []string
	now := time.Now()
	for key, buf := range s.buffers {
		buf.mu.Lock()
		if now.Sub(buf.lastFlush) > flushInterval && len(buf.lines) > 0 {
			stale = append(stale, key)
		}
		buf.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, key := range stale {
		if err := s.flush(context.Background(), key); err != nil {
			s.log.Warn("failed to flush stale buffer", "key", key, "error", err)
		}
	}
}

// Put appends a batch of entities, flushing if the size threshold is
// exceeded.
func (s *S3Store) Put(ctx context.Context, areaKey, entityType string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	key := entityKey(areaKey, entityType)

	s.mu.Lock()
	buf, ok := s.buffers[key]
	if !ok {
		buf = &entityBuffer{lastFlush: time.Now()}
		s.buffers[key] = buf
	}
	s.mu.Unlock()

	buf.mu.Lock()
	for _, item := range items {
		line := make([]byte, 0, len(item)+1)
		line = append(line, item...)
		line = append(line, '\n')
		buf.lines = append(buf.lines, line)
		buf.size += len(line)
	}
	shouldFlush := buf.size >= flushSize
	buf.mu.Unlock()

	if shouldFlush {
		return s.flush(ctx, key)
	}
	return nil
}

// PutRecord appends a single entity.
func (s *S3Store) PutRecord(ctx context.Context, areaKey, entityType string, item json.RawMessage) error {
	return s.Put(ctx, areaKey, entityType, []json.RawMessage{item})
}

// flush uploads buffered entities as a chunk object.
func (s *S3Store) flush(ctx context.Context, key string) error {
	s.mu.RLock()
	buf, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	buf.mu.Lock()
	if len(buf.lines) == 0 {
		buf.mu.Unlock()
		return nil
	}

	lines := buf.lines
	chunkIdx := buf.chunkIdx
	buf.lines = nil
	buf.size = 0
	buf.chunkIdx++
	buf.lastFlush = time.Now()
	buf.mu.Unlock()

	var content bytes.Buffer
	for _, line := range lines {
		content.Write(line)
	}

	chunkKey := chunkKey(key, chunkIdx)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(chunkKey),
		Body:        bytes.NewReader(content.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		s.log.Error("failed to upload chunk", "key", chunkKey, "error", err)
		return fmt.Errorf("upload chunk: %w", err)
	}

	s.log.Debug("flushed entity chunk", "key", chunkKey, "size", content.Len())
	return nil
}

// chunkKey derives the intermediate chunk object name for an entity file.
// "areas/a/issues.ndjson" chunk 2 becomes "areas/a/issues/chunk_002.ndjson".
func chunkKey(key string, idx int) string {
	base := strings.TrimSuffix(key, ".ndjson")
	return fmt.Sprintf("%s/chunk_%03d.ndjson", base, idx)
}

// Finalize flushes the area's buffers, concatenates each entity's chunks
// into a single compressed object, and deletes the chunks.
func (s *S3Store) Finalize(ctx context.Context, areaKey string) error {
	prefix := "areas/" + sanitizeKey(areaKey) + "/"

	s.mu.Lock()
	var keys []string
	for key := range s.buffers {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.flush(ctx, key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	chunkCounts := make(map[string]int)
	for _, key := range keys {
		if buf, ok := s.buffers[key]; ok {
			buf.mu.Lock()
			chunkCounts[key] = buf.chunkIdx
			buf.mu.Unlock()
			delete(s.buffers, key)
		}
	}
	s.mu.Unlock()

	for key, chunks := range chunkCounts {
		if err := s.finalizeEntity(ctx, key, chunks); err != nil {
			return err
		}
	}
	return nil
}

// finalizeEntity concatenates one entity's chunks into its final object.
func (s *S3Store) finalizeEntity(ctx context.Context, key string, chunks int) error {
	if chunks == 0 {
		return nil
	}

	var rawContent bytes.Buffer
	for i := 0; i < chunks; i++ {
		ck := chunkKey(key, i)
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ck),
		})
		if err != nil {
			s.log.Warn("failed to read chunk during finalize", "key", ck, "error", err)
			continue
		}
		_, _ = io.Copy(&rawContent, resp.Body)
		resp.Body.Close()
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(rawContent.Bytes()); err != nil {
		return fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload final object: %w", err)
	}

	for i := 0; i < chunks; i++ {
		ck := chunkKey(key, i)
		_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ck),
		})
	}

	s.log.Debug("finalized entity file", "key", key, "chunks", chunks,
		"raw_size", rawContent.Len(), "compressed_size", compressed.Len())
	return nil
}

// List returns stored keys under an area path prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := "areas/" + sanitizeKey(prefix)
	listResp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	keys := make([]string, 0, len(listResp.Contents))
	for _, obj := range listResp.Contents {
		keys = append(keys, *obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close shuts down the store.
func (s *S3Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return nil
}
