package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/capturekit/internal/media"
)

type recordingObjectStore struct {
	mu      sync.Mutex
	puts    map[string][]byte
	types   map[string]string
	deletes []string
	putErr  error
}

func newRecordingObjectStore() *recordingObjectStore {
	return &recordingObjectStore{puts: map[string][]byte{}, types: map[string]string{}}
}

func (s *recordingObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, opts ...PutOption) error {
	if s.putErr != nil {
		return s.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key] = b
	s.types[key] = collectPutOptions(opts).ContentType
	return nil
}

func (s *recordingObjectStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, key, f, -1, opts...)
}

func (s *recordingObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	delete(s.puts, key)
	return nil
}

func (s *recordingObjectStore) HealthCheck(context.Context) error { return nil }

type recordingIndex struct {
	mu        sync.Mutex
	entries   []IndexEntry
	insertErr error
}

func (i *recordingIndex) Insert(_ context.Context, e IndexEntry) error {
	if i.insertErr != nil {
		return i.insertErr
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = append(i.entries, e)
	return nil
}

func (i *recordingIndex) Get(_ context.Context, id string) (*IndexEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range i.entries {
		if e.ID == id {
			e := e
			return &e, nil
		}
	}
	return nil, &StorageError{Op: "index_get", Key: id, Err: errors.New("missing"), StatusCode: 404}
}

func (i *recordingIndex) HealthCheck(context.Context) error { return nil }
func (i *recordingIndex) Close() error                      { return nil }

func writeCapture(t *testing.T, dir, name, body string) media.FileMetaData {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return media.FileMetaData{
		ID:          "cap-1",
		Kind:        media.KindImage,
		Path:        p,
		SizeBytes:   int64(len(body)),
		ContentType: "image/jpeg",
		CapturedAt:  time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC),
		Location:    &media.Location{Latitude: 48.85, Longitude: 2.35},
	}
}

func TestPublishToFilesystemMovesFile(t *testing.T) {
	cache := t.TempDir()
	public := filepath.Join(t.TempDir(), "DCIM")
	meta := writeCapture(t, cache, "IMG_1.jpg", "jpegdata")

	got, err := NewPublisher().Publish(context.Background(), FilesystemTarget{ParentPath: public}, meta)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	wantPath := filepath.Join(public, "IMG_1.jpg")
	if got.Path != wantPath {
		t.Fatalf("path = %q, want %q", got.Path, wantPath)
	}
	if !strings.HasPrefix(got.URI, "file://") || !strings.HasSuffix(got.URI, "/DCIM/IMG_1.jpg") {
		t.Fatalf("unexpected uri %q", got.URI)
	}
	if _, err := os.Stat(meta.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cache file still present: %v", err)
	}
	b, err := os.ReadFile(wantPath)
	if err != nil || string(b) != "jpegdata" {
		t.Fatalf("published file content = %q, %v", b, err)
	}
}

func TestPublishToFilesystemChecksFreeSpace(t *testing.T) {
	cache := t.TempDir()
	meta := writeCapture(t, cache, "IMG_2.jpg", "x")

	p := NewPublisher(WithMinFreeSpace(1 << 20))
	p.freeSpace = func(string) (uint64, error) { return 1024, nil }

	_, err := p.Publish(context.Background(), FilesystemTarget{ParentPath: t.TempDir()}, meta)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
	if _, statErr := os.Stat(meta.Path); statErr != nil {
		t.Fatalf("cache file should be kept on failure: %v", statErr)
	}
}

func TestPublishToMediaIndex(t *testing.T) {
	cache := t.TempDir()
	meta := writeCapture(t, cache, "IMG_3.jpg", "pixels")
	objects := newRecordingObjectStore()
	index := &recordingIndex{}

	p := NewPublisher(WithObjectStore(objects), WithMediaIndex(index))
	got, err := p.Publish(context.Background(), MediaIndexTarget{CollectionURI: DefaultImageCollection}, meta)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	wantKey := "external/images/2026/10/18/IMG_3.jpg"
	if string(objects.puts[wantKey]) != "pixels" {
		t.Fatalf("object %q not uploaded, have %v", wantKey, objects.puts)
	}
	if objects.types[wantKey] != "image/jpeg" {
		t.Fatalf("content type = %q", objects.types[wantKey])
	}
	if len(index.entries) != 1 {
		t.Fatalf("expected one index entry, got %d", len(index.entries))
	}
	e := index.entries[0]
	if e.ObjectKey != wantKey || e.Collection != DefaultImageCollection || !e.Latitude.Valid || e.DurationMS.Valid {
		t.Fatalf("unexpected index entry %+v", e)
	}
	if got.URI != DefaultImageCollection+"/cap-1" || got.Path != "" {
		t.Fatalf("unexpected published metadata %+v", got)
	}
	if _, err := os.Stat(meta.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("cache file should be removed after upload")
	}
}

func TestPublishToMediaIndexRollsBackOnIndexFailure(t *testing.T) {
	meta := writeCapture(t, t.TempDir(), "IMG_4.jpg", "pixels")
	objects := newRecordingObjectStore()
	index := &recordingIndex{insertErr: ErrDuplicateEntry}

	p := NewPublisher(WithObjectStore(objects), WithMediaIndex(index))
	_, err := p.Publish(context.Background(), MediaIndexTarget{CollectionURI: DefaultImageCollection}, meta)
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
	if len(objects.deletes) != 1 {
		t.Fatalf("expected orphaned object to be deleted, deletes=%v", objects.deletes)
	}
}

func TestPublishToMediaIndexWithoutStore(t *testing.T) {
	meta := writeCapture(t, t.TempDir(), "IMG_5.jpg", "pixels")

	_, err := NewPublisher().Publish(context.Background(), MediaIndexTarget{CollectionURI: "media://x"}, meta)
	if !errors.Is(err, ErrNoObjectStore) {
		t.Fatalf("expected ErrNoObjectStore, got %v", err)
	}
}

func TestStorageErrorHelpers(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &StorageError{Op: "get", Key: "k", Err: errors.New("gone"), StatusCode: 404})
	if !IsNotExist(wrapped) {
		t.Fatal("IsNotExist should see through wrapping")
	}
	if IsAccessDenied(wrapped) {
		t.Fatal("IsAccessDenied should be false for 404")
	}
}
