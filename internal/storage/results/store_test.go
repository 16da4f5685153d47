package results

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
)

var errNoSuchKey = errors.New("no such key")

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, errNoSuchKey
	}
	return io.NopCloser(bytes.NewReader(data)), ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func TestStore_PutAndOpen(t *testing.T) {
	objects := newMemObjects()
	store, err := NewStore(objects)
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}

	body := []byte(`{"answer":42}`)
	ref, err := store.PutResult(context.Background(), "run-1", body)
	if err != nil {
		t.Fatalf("PutResult() err=%v", err)
	}
	sum := sha256.Sum256(body)
	if ref.Key != "runs/run-1/result.json" || ref.SizeBytes != int64(len(body)) || ref.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("ref=%+v", ref)
	}
	if objects.types[ref.Key] != "application/json" {
		t.Fatalf("content type=%q", objects.types[ref.Key])
	}

	rc, err := store.OpenResult(context.Background(), ref.Key)
	if err != nil {
		t.Fatalf("OpenResult() err=%v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, body) {
		t.Fatalf("OpenResult() = %s", got)
	}

	if err := store.DeleteResult(context.Background(), "run-1"); err != nil {
		t.Fatalf("DeleteResult() err=%v", err)
	}
	if _, err := store.OpenResult(context.Background(), ref.Key); !errors.Is(err, errNoSuchKey) {
		t.Fatalf("OpenResult() after delete err=%v", err)
	}
}

func TestStore_RejectsForeignKeys(t *testing.T) {
	store, _ := NewStore(newMemObjects())
	if _, err := store.OpenResult(context.Background(), "secrets/config.json"); err == nil {
		t.Fatalf("OpenResult() expected error for key outside prefix")
	}
	if _, err := store.PutResult(context.Background(), " ", []byte("1")); err == nil {
		t.Fatalf("PutResult() expected error for blank run id")
	}
}

func TestNewStore_RequiresObjects(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Fatalf("NewStore(nil) expected error")
	}
	if _, err := NewMinioStoreWithClient(nil, "b"); err == nil {
		t.Fatalf("NewMinioStoreWithClient(nil) expected error")
	}
}
