package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carelink/pkg/ai"
	"carelink/pkg/domain"
	"carelink/pkg/queue"
	"carelink/pkg/storage"
	"carelink/pkg/store"
)

// Job tracks an index request as exposed over HTTP.
type Job struct {
	ID           string    `json:"id"`
	FileID       string    `json:"fileId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Config holds runtime configuration.
type Config struct {
	DatabaseURL      string
	Store            store.Store
	Objects          storage.ObjectStore
	Index            ai.DocumentIndex
	Queue            *queue.RedisJobQueue
	QueueConcurrency int
	PollInterval     time.Duration
	PollAttempts     int
	// Sleep is injected for tests; defaults to a context-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// App consumes indexing jobs: it registers uploaded blobs with the
// generation service, attaches them to the family's retrieval index, and
// polls the attachment to a terminal state.
type App struct {
	store        store.Store
	objects      storage.ObjectStore
	index        ai.DocumentIndex
	queue        *queue.RedisJobQueue
	pollInterval time.Duration
	pollAttempts int
	sleep        func(ctx context.Context, d time.Duration) error
}

// New constructs the indexer service with persistence.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("document index client required")
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	pollAttempts := cfg.PollAttempts
	if pollAttempts <= 0 {
		pollAttempts = 30
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	a := &App{
		store:        dataStore,
		objects:      cfg.Objects,
		index:        cfg.Index,
		queue:        cfg.Queue,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
		sleep:        sleep,
	}
	if a.queue != nil {
		a.queue.Start(context.Background(), cfg.QueueConcurrency, a.process)
	}
	return a, nil
}

// Enqueue pushes a fresh indexing job for an existing file. Used by the
// internal re-index endpoint; the library service enqueues uploads itself.
func (a *App) Enqueue(ctx context.Context, fileID string) (Job, error) {
	if a.queue == nil {
		return Job{}, fmt.Errorf("indexing queue unavailable")
	}
	file, ok, err := a.store.GetFile(fileID)
	if err != nil {
		return Job{}, fmt.Errorf("load file: %w", err)
	}
	if !ok {
		return Job{}, fmt.Errorf("file %s not found", fileID)
	}
	if err := a.store.SetFileIndexStatus(file.ID, domain.IndexQueued, "", nil); err != nil {
		return Job{}, fmt.Errorf("mark queued: %w", err)
	}
	status, err := a.queue.Enqueue(ctx, file.ID)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue index job: %w", err)
	}
	return Job{
		ID:        status.ID,
		FileID:    status.FileID,
		Status:    status.Status,
		Attempts:  status.Attempts,
		CreatedAt: status.CreatedAt,
		UpdatedAt: status.UpdatedAt,
	}, nil
}

// GetJob returns a queue job by ID.
func (a *App) GetJob(id string) (Job, bool) {
	if a.queue == nil {
		return Job{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	status, ok, err := a.queue.GetJob(ctx, id)
	if err != nil || !ok {
		return Job{}, false
	}
	return Job{
		ID:           status.ID,
		FileID:       status.FileID,
		Status:       status.Status,
		ErrorMessage: status.ErrorMessage,
		Attempts:     status.Attempts,
		CreatedAt:    status.CreatedAt,
		UpdatedAt:    status.UpdatedAt,
	}, true
}

func (a *App) process(ctx context.Context, job queue.JobStatus) error {
	file, ok, err := a.store.GetFile(job.FileID)
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	if !ok {
		// Deleted between enqueue and processing; nothing to index.
		slog.Info("index job skipped, file gone", "fileId", job.FileID)
		return nil
	}
	if file.IndexStatus == domain.IndexReady {
		return nil
	}
	if err := a.store.SetFileIndexStatus(file.ID, domain.IndexInProgress, "", nil); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	if err := a.indexFile(ctx, file); err != nil {
		if stErr := a.store.SetFileIndexStatus(file.ID, domain.IndexFailed, err.Error(), nil); stErr != nil {
			slog.Error("record index failure failed", "fileId", file.ID, "err", stErr)
		}
		return err
	}
	now := time.Now().UTC()
	if err := a.store.SetFileIndexStatus(file.ID, domain.IndexReady, "", &now); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// indexFile runs the register/attach/poll sequence. Registration ids are
// persisted as soon as they exist so a retried job resumes instead of
// re-registering.
func (a *App) indexFile(ctx context.Context, file domain.FamilyFile) error {
	vectorStoreID, err := a.getOrCreateVectorStore(ctx, file.FamilyID)
	if err != nil {
		return fmt.Errorf("get or create vector store: %w", err)
	}

	registeredFileID := file.RegisteredFileID
	if registeredFileID == "" {
		data, err := a.objects.Get(ctx, file.StorageKey)
		if err != nil {
			return fmt.Errorf("read blob: %w", err)
		}
		registeredFileID, err = a.index.UploadFile(ctx, file.OriginalFilename, data)
		if err != nil {
			return fmt.Errorf("register file bytes: %w", err)
		}
		if err := a.store.SetFileIndexIDs(file.ID, registeredFileID, file.IndexFileID); err != nil {
			return fmt.Errorf("persist registered file id: %w", err)
		}
	}

	indexFileID := file.IndexFileID
	if indexFileID == "" {
		indexFileID, err = a.index.AttachFile(ctx, vectorStoreID, registeredFileID)
		if err != nil {
			return fmt.Errorf("attach file to index: %w", err)
		}
		if err := a.store.SetFileIndexIDs(file.ID, registeredFileID, indexFileID); err != nil {
			return fmt.Errorf("persist index file id: %w", err)
		}
	}

	return a.waitForAttachment(ctx, vectorStoreID, registeredFileID)
}

// waitForAttachment polls the attachment status with a hard attempt cap.
// Exhausting the budget is a failure, not a success.
func (a *App) waitForAttachment(ctx context.Context, vectorStoreID, registeredFileID string) error {
	for attempt := 0; attempt < a.pollAttempts; attempt++ {
		status, err := a.index.FileStatus(ctx, vectorStoreID, registeredFileID)
		if err != nil {
			return fmt.Errorf("poll attachment status: %w", err)
		}
		switch status {
		case ai.IndexFileCompleted:
			return nil
		case ai.IndexFileFailed, ai.IndexFileCancelled:
			return fmt.Errorf("index attachment reached terminal state %q", status)
		}
		if err := a.sleep(ctx, a.pollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("index attachment not terminal after %d attempts", a.pollAttempts)
}

// getOrCreateVectorStore returns the family's retrieval index id, creating
// it on first use. Concurrent first users race on a compare-and-set; the
// loser discards its freshly created store and adopts the winner's id.
func (a *App) getOrCreateVectorStore(ctx context.Context, familyID string) (string, error) {
	family, ok, err := a.store.GetFamily(familyID)
	if err != nil {
		return "", fmt.Errorf("load family: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("family %s not found", familyID)
	}
	if family.VectorStoreID != "" {
		return family.VectorStoreID, nil
	}

	label := fmt.Sprintf("family-%s", familyID)
	if name := strings.TrimSpace(family.Name); name != "" {
		label = fmt.Sprintf("family-%s-%s", familyID, name)
	}
	vectorStoreID, err := a.index.CreateVectorStore(ctx, label)
	if err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	won, err := a.store.SetFamilyVectorStoreID(familyID, vectorStoreID)
	if err != nil {
		return "", fmt.Errorf("persist vector store id: %w", err)
	}
	if won {
		return vectorStoreID, nil
	}
	// Lost the race: discard the orphan and adopt the winner's id.
	if delErr := a.index.DeleteVectorStore(ctx, vectorStoreID); delErr != nil {
		slog.Warn("orphan vector store cleanup failed", "vectorStoreId", vectorStoreID, "err", delErr)
	}
	family, ok, err = a.store.GetFamily(familyID)
	if err != nil || !ok || family.VectorStoreID == "" {
		return "", fmt.Errorf("re-read winning vector store id: ok=%v err=%v", ok, err)
	}
	return family.VectorStoreID, nil
}
