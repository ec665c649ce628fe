package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/pkg/domain"
	"carelink/pkg/queue"
	"carelink/pkg/storage"
	"carelink/pkg/store"
)

// Enqueuer hands a file off for asynchronous indexing.
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID string) (queue.JobStatus, error)
}

// Config holds runtime configuration.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Queue          Enqueuer
	Index          ai.DocumentIndex
	MaxUploadBytes int64
	PresignExpiry  time.Duration
}

// App handles the document ingestion request path: dedupe, blob persist,
// metadata row, async indexing hand-off.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	queue          Enqueuer
	index          ai.DocumentIndex
	maxUploadBytes int64
	presignExpiry  time.Duration
}

// New constructs the library service with persistence.
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
	if cfg.Queue == nil {
		return nil, fmt.Errorf("index queue required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &App{
		store:          dataStore,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		index:          cfg.Index,
		maxUploadBytes: maxUploadBytes,
		presignExpiry:  presignExpiry,
	}, nil
}

// Ingest stores an uploaded document and queues it for indexing. The upload
// succeeds as soon as the blob and its metadata row exist; indexing happens
// asynchronously and its failure never rolls the upload back.
func (a *App) Ingest(ctx context.Context, familyID, uploaderID, filename, category string, data []byte) (domain.FamilyFile, error) {
	familyID = strings.TrimSpace(familyID)
	uploaderID = strings.TrimSpace(uploaderID)
	filename = strings.TrimSpace(filename)
	if familyID == "" {
		return domain.FamilyFile{}, fmt.Errorf("familyId required")
	}
	if uploaderID == "" {
		return domain.FamilyFile{}, fmt.Errorf("uploaderId required")
	}
	if filename == "" {
		return domain.FamilyFile{}, fmt.Errorf("filename required")
	}
	if len(data) == 0 {
		return domain.FamilyFile{}, fmt.Errorf("file is empty")
	}
	if int64(len(data)) > a.maxUploadBytes {
		return domain.FamilyFile{}, fmt.Errorf("file exceeds %d bytes", a.maxUploadBytes)
	}
	if _, ok, err := a.store.GetFamily(familyID); err != nil {
		return domain.FamilyFile{}, fmt.Errorf("load family: %w", err)
	} else if !ok {
		return domain.FamilyFile{}, ErrFamilyNotFound
	}

	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])
	if existing, ok, err := a.store.FindFileByFingerprint(familyID, fingerprint); err != nil {
		return domain.FamilyFile{}, fmt.Errorf("check fingerprint: %w", err)
	} else if ok {
		return domain.FamilyFile{}, &DuplicateContentError{Filename: existing.OriginalFilename}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	storageKey := path.Join("families", familyID, util.NewID()+ext)
	if err := a.objects.Put(ctx, storageKey, bytes.NewReader(data), int64(len(data)), contentTypeFor(ext)); err != nil {
		return domain.FamilyFile{}, fmt.Errorf("store blob: %w", err)
	}

	now := time.Now().UTC()
	file := domain.FamilyFile{
		ID:               util.NewID(),
		FamilyID:         familyID,
		OriginalFilename: filename,
		StorageKey:       storageKey,
		Fingerprint:      fingerprint,
		Category:         strings.TrimSpace(category),
		UploaderID:       uploaderID,
		IndexStatus:      domain.IndexQueued,
		Preview:          extractPreview(filename, data),
		SizeBytes:        int64(len(data)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.SaveFile(file); err != nil {
		// Storage and metadata must not diverge.
		if delErr := a.objects.Delete(ctx, storageKey); delErr != nil {
			slog.Warn("orphan blob cleanup failed", "key", storageKey, "err", delErr)
		}
		return domain.FamilyFile{}, fmt.Errorf("register file: %w", err)
	}

	if _, err := a.queue.Enqueue(ctx, file.ID); err != nil {
		slog.Warn("enqueue index job failed", "fileId", file.ID, "err", err)
		errMsg := fmt.Sprintf("enqueue index job: %v", err)
		if stErr := a.store.SetFileIndexStatus(file.ID, domain.IndexFailed, errMsg, nil); stErr != nil {
			slog.Warn("record enqueue failure failed", "fileId", file.ID, "err", stErr)
		}
		file.IndexStatus = domain.IndexFailed
		file.LastError = errMsg
	}
	return file, nil
}

// GetFile returns a file scoped to the family.
func (a *App) GetFile(familyID, fileID string) (domain.FamilyFile, error) {
	file, ok, err := a.store.GetFile(strings.TrimSpace(fileID))
	if err != nil {
		return domain.FamilyFile{}, fmt.Errorf("load file: %w", err)
	}
	if !ok || file.FamilyID != familyID {
		return domain.FamilyFile{}, ErrFileNotFound
	}
	return file, nil
}

// ListFiles lists a family's files, newest first.
func (a *App) ListFiles(familyID string) ([]domain.FamilyFile, error) {
	files, err := a.store.ListFilesByFamily(strings.TrimSpace(familyID))
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// DownloadURL returns a presigned download URL for a family's file.
// Downloads work regardless of indexing status.
func (a *App) DownloadURL(ctx context.Context, familyID, fileID string) (string, error) {
	file, err := a.GetFile(familyID, fileID)
	if err != nil {
		return "", err
	}
	url, err := a.objects.PresignGet(ctx, file.StorageKey, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// DeleteFile removes the metadata row, the blob, and best-effort the file's
// registrations with the generation service.
func (a *App) DeleteFile(ctx context.Context, familyID, fileID string) error {
	file, err := a.GetFile(familyID, fileID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteFile(file.ID); err != nil {
		return fmt.Errorf("delete file row: %w", err)
	}
	if err := a.objects.Delete(ctx, file.StorageKey); err != nil {
		slog.Warn("delete blob failed", "key", file.StorageKey, "err", err)
	}
	if a.index != nil {
		if file.IndexFileID != "" {
			family, ok, err := a.store.GetFamily(familyID)
			if err == nil && ok && family.VectorStoreID != "" {
				if err := a.index.DetachFile(ctx, family.VectorStoreID, file.RegisteredFileID); err != nil {
					slog.Warn("detach indexed file failed", "fileId", file.ID, "err", err)
				}
			}
		}
		if file.RegisteredFileID != "" {
			if err := a.index.DeleteFile(ctx, file.RegisteredFileID); err != nil {
				slog.Warn("delete registered file failed", "fileId", file.ID, "err", err)
			}
		}
	}
	return nil
}

func contentTypeFor(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
