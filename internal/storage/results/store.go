// Package results offloads large run results to S3-compatible object storage.
package results

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/animus-labs/agent-gateway/internal/service/runs"
)

const contentTypeJSON = "application/json"

// ObjectStore abstracts the bucket the results live in.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store implements runs.ResultStore.
type Store struct {
	objects ObjectStore
	prefix  string
}

var _ runs.ResultStore = (*Store)(nil)

func NewStore(objects ObjectStore) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	return &Store{objects: objects, prefix: "runs"}, nil
}

// Key is where a run's result is stored.
func (s *Store) Key(runID string) string {
	return s.prefix + "/" + runID + "/result.json"
}

func (s *Store) PutResult(ctx context.Context, runID string, body []byte) (runs.Ref, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return runs.Ref{}, errors.New("run id is required")
	}
	key := s.Key(runID)
	if err := s.objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentTypeJSON); err != nil {
		return runs.Ref{}, fmt.Errorf("put %s: %w", key, err)
	}
	sum := sha256.Sum256(body)
	return runs.Ref{Key: key, SizeBytes: int64(len(body)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (s *Store) OpenResult(ctx context.Context, key string) (io.ReadCloser, error) {
	if !strings.HasPrefix(key, s.prefix+"/") {
		return nil, fmt.Errorf("result key outside %s/: %q", s.prefix, key)
	}
	body, _, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

// DeleteResult removes a run's stored result; missing objects are not an
// error.
func (s *Store) DeleteResult(ctx context.Context, runID string) error {
	return s.objects.Delete(ctx, s.Key(runID))
}
