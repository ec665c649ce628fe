package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"carelink/pkg/domain"
	"carelink/pkg/queue"
	"carelink/pkg/store"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.local/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	fileIDs []string
	err     error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, fileID string) (queue.JobStatus, error) {
	if f.err != nil {
		return queue.JobStatus{}, f.err
	}
	f.mu.Lock()
	f.fileIDs = append(f.fileIDs, fileID)
	f.mu.Unlock()
	return queue.JobStatus{ID: "job-1", FileID: fileID, Status: queue.StatusQueued}, nil
}

func newTestApp(t *testing.T, objects *fakeObjects, enqueuer *fakeEnqueuer) (*App, *store.MemoryStore) {
	t.Helper()
	dataStore := store.NewMemoryStore()
	if err := dataStore.SaveFamily(domain.Family{ID: "fam-1", Name: "田中家", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("save family: %v", err)
	}
	a, err := New(Config{Store: dataStore, Objects: objects, Queue: enqueuer})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, dataStore
}

func TestIngestStoresBlobAndQueuesIndexing(t *testing.T) {
	objects := newFakeObjects()
	enqueuer := &fakeEnqueuer{}
	a, dataStore := newTestApp(t, objects, enqueuer)

	file, err := a.Ingest(context.Background(), "fam-1", "user-1", "care-plan.txt", "medical", []byte("訪問介護の計画"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if file.IndexStatus != domain.IndexQueued {
		t.Fatalf("status = %s, want queued", file.IndexStatus)
	}
	if file.SizeBytes == 0 || file.Fingerprint == "" {
		t.Fatalf("missing size or fingerprint: %+v", file)
	}
	if objects.count() != 1 {
		t.Fatalf("expected one stored blob, got %d", objects.count())
	}
	if len(enqueuer.fileIDs) != 1 || enqueuer.fileIDs[0] != file.ID {
		t.Fatalf("expected enqueued file id, got %v", enqueuer.fileIDs)
	}
	stored, ok, err := dataStore.GetFile(file.ID)
	if err != nil || !ok {
		t.Fatalf("stored file missing: ok=%v err=%v", ok, err)
	}
	if stored.Preview == "" {
		t.Fatalf("expected text preview for .txt upload")
	}
}

func TestIngestRejectsDuplicateContent(t *testing.T) {
	objects := newFakeObjects()
	a, _ := newTestApp(t, objects, &fakeEnqueuer{})

	content := []byte("duplicate body")
	if _, err := a.Ingest(context.Background(), "fam-1", "user-1", "first.txt", "", content); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := a.Ingest(context.Background(), "fam-1", "user-2", "second.txt", "", content)
	var dup *DuplicateContentError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateContentError, got %v", err)
	}
	if dup.Filename != "first.txt" {
		t.Fatalf("conflicting filename = %q, want first.txt", dup.Filename)
	}
	if objects.count() != 1 {
		t.Fatalf("duplicate must not store a second blob, got %d", objects.count())
	}
}

func TestIngestSameContentDifferentFamilies(t *testing.T) {
	objects := newFakeObjects()
	a, dataStore := newTestApp(t, objects, &fakeEnqueuer{})
	if err := dataStore.SaveFamily(domain.Family{ID: "fam-2", Name: "佐藤家"}); err != nil {
		t.Fatalf("save family: %v", err)
	}

	content := []byte("shared body")
	if _, err := a.Ingest(context.Background(), "fam-1", "user-1", "a.txt", "", content); err != nil {
		t.Fatalf("ingest fam-1: %v", err)
	}
	if _, err := a.Ingest(context.Background(), "fam-2", "user-1", "b.txt", "", content); err != nil {
		t.Fatalf("ingest fam-2: %v", err)
	}
}

func TestIngestCompensatesOnMetadataFailure(t *testing.T) {
	objects := newFakeObjects()
	enqueuer := &fakeEnqueuer{}
	dataStore := store.NewMemoryStore()
	if err := dataStore.SaveFamily(domain.Family{ID: "fam-1"}); err != nil {
		t.Fatalf("save family: %v", err)
	}
	failing := &failingFileStore{MemoryStore: dataStore}
	a, err := New(Config{Store: failing, Objects: objects, Queue: enqueuer})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	_, err = a.Ingest(context.Background(), "fam-1", "user-1", "doc.txt", "", []byte("body"))
	if err == nil || !strings.Contains(err.Error(), "register file") {
		t.Fatalf("expected registration error, got %v", err)
	}
	if objects.count() != 0 {
		t.Fatalf("orphan blob must be deleted, got %d", objects.count())
	}
	if len(enqueuer.fileIDs) != 0 {
		t.Fatalf("nothing should be enqueued on failure")
	}
}

func TestIngestEnqueueFailureMarksFileFailedButSucceeds(t *testing.T) {
	objects := newFakeObjects()
	enqueuer := &fakeEnqueuer{err: errors.New("redis down")}
	a, dataStore := newTestApp(t, objects, enqueuer)

	file, err := a.Ingest(context.Background(), "fam-1", "user-1", "doc.txt", "", []byte("body"))
	if err != nil {
		t.Fatalf("upload must survive enqueue failure: %v", err)
	}
	if file.IndexStatus != domain.IndexFailed {
		t.Fatalf("status = %s, want failed", file.IndexStatus)
	}
	stored, _, _ := dataStore.GetFile(file.ID)
	if stored.IndexStatus != domain.IndexFailed || stored.LastError == "" {
		t.Fatalf("stored status not recorded: %+v", stored)
	}
	if objects.count() != 1 {
		t.Fatalf("blob must remain after enqueue failure")
	}
}

func TestIngestRejectsUnknownFamily(t *testing.T) {
	a, _ := newTestApp(t, newFakeObjects(), &fakeEnqueuer{})
	if _, err := a.Ingest(context.Background(), "fam-missing", "user-1", "doc.txt", "", []byte("body")); !errors.Is(err, ErrFamilyNotFound) {
		t.Fatalf("expected ErrFamilyNotFound, got %v", err)
	}
}

func TestGetFileScopedToFamily(t *testing.T) {
	a, dataStore := newTestApp(t, newFakeObjects(), &fakeEnqueuer{})
	if err := dataStore.SaveFamily(domain.Family{ID: "fam-2"}); err != nil {
		t.Fatalf("save family: %v", err)
	}
	file, err := a.Ingest(context.Background(), "fam-1", "user-1", "doc.txt", "", []byte("body"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := a.GetFile("fam-2", file.ID); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("cross-family read must fail, got %v", err)
	}
}

func TestDownloadURLWorksRegardlessOfIndexStatus(t *testing.T) {
	objects := newFakeObjects()
	a, dataStore := newTestApp(t, objects, &fakeEnqueuer{err: errors.New("redis down")})
	file, err := a.Ingest(context.Background(), "fam-1", "user-1", "doc.txt", "", []byte("body"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	stored, _, _ := dataStore.GetFile(file.ID)
	if stored.IndexStatus != domain.IndexFailed {
		t.Fatalf("precondition: expected failed index status")
	}
	url, err := a.DownloadURL(context.Background(), "fam-1", file.ID)
	if err != nil || url == "" {
		t.Fatalf("download url: %q err=%v", url, err)
	}
}

func TestDeleteFileRemovesRowAndBlob(t *testing.T) {
	objects := newFakeObjects()
	a, dataStore := newTestApp(t, objects, &fakeEnqueuer{})
	file, err := a.Ingest(context.Background(), "fam-1", "user-1", "doc.txt", "", []byte("body"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := a.DeleteFile(context.Background(), "fam-1", file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := dataStore.GetFile(file.ID); ok {
		t.Fatalf("row must be gone")
	}
	if objects.count() != 0 {
		t.Fatalf("blob must be gone")
	}
}

type failingFileStore struct {
	*store.MemoryStore
}

func (f *failingFileStore) SaveFile(domain.FamilyFile) error {
	return fmt.Errorf("insert failed")
}
