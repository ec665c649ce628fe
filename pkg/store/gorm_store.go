package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"carelink/pkg/domain"
)

const migrateLockID int64 = 52418601

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent service instances do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&FamilyModel{},
			&FamilyFileModel{},
			&ConversationModel{},
			&MessageModel{},
			&ConversationSummaryModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveFamily stores or updates a family record.
func (s *GormStore) SaveFamily(f domain.Family) error {
	model := familyToModel(f)
	return s.db.Save(&model).Error
}

// GetFamily retrieves a family.
func (s *GormStore) GetFamily(id string) (domain.Family, bool, error) {
	var model FamilyModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Family{}, false, nil
		}
		return domain.Family{}, false, err
	}
	return familyFromModel(model), true, nil
}

// SetFamilyVectorStoreID assigns the retrieval index id with a compare-and-set
// on the empty field. At most one writer ever wins for a family.
func (s *GormStore) SetFamilyVectorStoreID(id, vectorStoreID string) (bool, error) {
	res := s.db.Model(&FamilyModel{}).
		Where("id = ? AND (vector_store_id IS NULL OR vector_store_id = '')", id).
		Updates(map[string]any{
			"vector_store_id": vectorStoreID,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SaveFile stores or updates a file row.
func (s *GormStore) SaveFile(f domain.FamilyFile) error {
	model := fileToModel(f)
	return s.db.Save(&model).Error
}

// GetFile retrieves a file row.
func (s *GormStore) GetFile(id string) (domain.FamilyFile, bool, error) {
	var model FamilyFileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.FamilyFile{}, false, nil
		}
		return domain.FamilyFile{}, false, err
	}
	return fileFromModel(model), true, nil
}

// FindFileByFingerprint looks up a family's file by content fingerprint.
func (s *GormStore) FindFileByFingerprint(familyID, fingerprint string) (domain.FamilyFile, bool, error) {
	var model FamilyFileModel
	err := s.db.Where("family_id = ? AND fingerprint = ?", familyID, fingerprint).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.FamilyFile{}, false, nil
		}
		return domain.FamilyFile{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListFilesByFamily returns a family's files, newest first.
func (s *GormStore) ListFilesByFamily(familyID string) ([]domain.FamilyFile, error) {
	var models []FamilyFileModel
	if err := s.db.Where("family_id = ?", familyID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	files := make([]domain.FamilyFile, 0, len(models))
	for _, m := range models {
		files = append(files, fileFromModel(m))
	}
	return files, nil
}

// SetFileIndexIDs records the generation-service ids for a file.
func (s *GormStore) SetFileIndexIDs(id, registeredFileID, indexFileID string) error {
	return s.db.Model(&FamilyFileModel{}).Where("id = ?", id).Updates(map[string]any{
		"registered_file_id": registeredFileID,
		"index_file_id":      indexFileID,
		"updated_at":         time.Now().UTC(),
	}).Error
}

// SetFileIndexStatus updates the indexing status, error text, and timestamp.
func (s *GormStore) SetFileIndexStatus(id string, status domain.IndexStatus, errMsg string, indexedAt *time.Time) error {
	updates := map[string]any{
		"index_status": string(status),
		"last_error":   errMsg,
		"updated_at":   time.Now().UTC(),
	}
	if indexedAt != nil {
		updates["indexed_at"] = indexedAt.UTC()
	}
	return s.db.Model(&FamilyFileModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteFile removes a file row.
func (s *GormStore) DeleteFile(id string) error {
	return s.db.Delete(&FamilyFileModel{}, "id = ?", id).Error
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByFamily returns a family's active conversations,
// most recently active first. Archived conversations are excluded.
func (s *GormStore) ListConversationsByFamily(familyID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.Where("family_id = ? AND archived = ?", familyID, false).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		items = append(items, conversationFromModel(m))
	}
	return items, nil
}

// ListConversationIDs returns every conversation id. Used by the
// summarization batch job.
func (s *GormStore) ListConversationIDs() ([]string, error) {
	var ids []string
	if err := s.db.Model(&ConversationModel{}).Order("created_at ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// RenameConversation overwrites the title.
func (s *GormStore) RenameConversation(id, title string) error {
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
		"title":      title,
		"updated_at": time.Now().UTC(),
	}).Error
}

// ArchiveConversation soft-deletes a conversation. There is no unarchive.
func (s *GormStore) ArchiveConversation(id, actorID string, at time.Time) error {
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
		"archived":    true,
		"archived_at": at.UTC(),
		"archived_by": actorID,
		"updated_at":  time.Now().UTC(),
	}).Error
}

// AppendTurn writes the user/assistant message pair and the conversation
// metadata update in a single transaction, so a reader never observes an
// assistant reply without its user message.
func (s *GormStore) AppendTurn(conversationID string, userMsg, assistantMsg domain.Message, title string, lastMessageAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		um := messageToModel(userMsg)
		um.ConversationID = conversationID
		if err := tx.Create(&um).Error; err != nil {
			return err
		}
		am := messageToModel(assistantMsg)
		am.ConversationID = conversationID
		if err := tx.Create(&am).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"last_message_at": lastMessageAt.UTC(),
			"message_count":   gorm.Expr("message_count + 2"),
			"updated_at":      time.Now().UTC(),
		}
		if strings.TrimSpace(title) != "" {
			updates["title"] = strings.TrimSpace(title)
		}
		return tx.Model(&ConversationModel{}).Where("id = ?", conversationID).Updates(updates).Error
	})
}

// ListRecentMessages returns the last N messages of a conversation in
// chronological order.
func (s *GormStore) ListRecentMessages(conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListMessagesAfter returns all messages strictly after the given timestamp
// in chronological order. A zero time returns the full history.
func (s *GormStore) ListMessagesAfter(conversationID string, after time.Time) ([]domain.Message, error) {
	query := s.db.Where("conversation_id = ?", conversationID)
	if !after.IsZero() {
		query = query.Where("created_at > ?", after.UTC())
	}
	var models []MessageModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// FindTurnByClientKey resolves a previously stored turn by the caller's
// idempotency key.
func (s *GormStore) FindTurnByClientKey(conversationID, clientKey string) (domain.Message, domain.Message, bool, error) {
	var userModel MessageModel
	err := s.db.Where("conversation_id = ? AND client_key = ? AND role = ?",
		conversationID, clientKey, string(domain.MessageRoleUser)).
		Order("created_at ASC").
		First(&userModel).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, domain.Message{}, false, nil
		}
		return domain.Message{}, domain.Message{}, false, err
	}
	var replyModel MessageModel
	err = s.db.Where("conversation_id = ? AND role = ? AND created_at >= ?",
		conversationID, string(domain.MessageRoleAssistant), userModel.CreatedAt).
		Order("created_at ASC").
		First(&replyModel).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, domain.Message{}, false, nil
		}
		return domain.Message{}, domain.Message{}, false, err
	}
	return messageFromModel(userModel), messageFromModel(replyModel), true, nil
}

// SaveSummary records a summary row.
func (s *GormStore) SaveSummary(sum domain.ConversationSummary) error {
	model := summaryToModel(sum)
	return s.db.Create(&model).Error
}

// LatestSummary returns the summary with the latest covered end timestamp.
func (s *GormStore) LatestSummary(conversationID string) (domain.ConversationSummary, bool, error) {
	var model ConversationSummaryModel
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("end_at DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ConversationSummary{}, false, nil
		}
		return domain.ConversationSummary{}, false, err
	}
	return summaryFromModel(model), true, nil
}

// ListSummaries returns a conversation's summaries in coverage order.
func (s *GormStore) ListSummaries(conversationID string) ([]domain.ConversationSummary, error) {
	var models []ConversationSummaryModel
	if err := s.db.Where("conversation_id = ?", conversationID).Order("end_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.ConversationSummary, 0, len(models))
	for _, m := range models {
		items = append(items, summaryFromModel(m))
	}
	return items, nil
}

type messageMeta struct {
	RetrievalRequested bool `json:"retrievalRequested"`
}

func familyToModel(f domain.Family) FamilyModel {
	return FamilyModel{
		ID:             f.ID,
		OrganizationID: f.OrganizationID,
		Name:           f.Name,
		VectorStoreID:  f.VectorStoreID,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

func familyFromModel(m FamilyModel) domain.Family {
	return domain.Family{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Name:           m.Name,
		VectorStoreID:  m.VectorStoreID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func fileToModel(f domain.FamilyFile) FamilyFileModel {
	return FamilyFileModel{
		ID:               f.ID,
		FamilyID:         f.FamilyID,
		Fingerprint:      f.Fingerprint,
		OriginalFilename: f.OriginalFilename,
		StorageKey:       f.StorageKey,
		Category:         f.Category,
		UploaderID:       f.UploaderID,
		RegisteredFileID: f.RegisteredFileID,
		IndexFileID:      f.IndexFileID,
		IndexStatus:      string(f.IndexStatus),
		IndexedAt:        f.IndexedAt,
		LastError:        f.LastError,
		Preview:          f.Preview,
		SizeBytes:        f.SizeBytes,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
}

func fileFromModel(m FamilyFileModel) domain.FamilyFile {
	return domain.FamilyFile{
		ID:               m.ID,
		FamilyID:         m.FamilyID,
		Fingerprint:      m.Fingerprint,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		Category:         m.Category,
		UploaderID:       m.UploaderID,
		RegisteredFileID: m.RegisteredFileID,
		IndexFileID:      m.IndexFileID,
		IndexStatus:      domain.IndexStatus(m.IndexStatus),
		IndexedAt:        m.IndexedAt,
		LastError:        m.LastError,
		Preview:          m.Preview,
		SizeBytes:        m.SizeBytes,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:            c.ID,
		FamilyID:      c.FamilyID,
		Title:         c.Title,
		Archived:      c.Archived,
		ArchivedAt:    c.ArchivedAt,
		ArchivedBy:    c.ArchivedBy,
		LastMessageAt: c.LastMessageAt,
		MessageCount:  c.MessageCount,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		FamilyID:      m.FamilyID,
		Title:         m.Title,
		Archived:      m.Archived,
		ArchivedAt:    m.ArchivedAt,
		ArchivedBy:    m.ArchivedBy,
		LastMessageAt: m.LastMessageAt,
		MessageCount:  m.MessageCount,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var category *string
	if msg.Category != nil {
		value := string(*msg.Category)
		category = &value
	}
	meta, _ := json.Marshal(messageMeta{RetrievalRequested: msg.RetrievalRequested})
	return MessageModel{
		ID:                 msg.ID,
		ConversationID:     msg.ConversationID,
		Role:               string(msg.Role),
		Content:            msg.Content,
		SenderID:           msg.SenderID,
		ClientKey:          msg.ClientKey,
		Category:           category,
		CategoryConfidence: msg.CategoryConfidence,
		Meta:               meta,
		CreatedAt:          msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var category *domain.TopicCategory
	if m.Category != nil {
		value := domain.TopicCategory(*m.Category)
		category = &value
	}
	var meta messageMeta
	if len(m.Meta) > 0 {
		_ = json.Unmarshal(m.Meta, &meta)
	}
	return domain.Message{
		ID:                 m.ID,
		ConversationID:     m.ConversationID,
		Role:               domain.MessageRole(m.Role),
		Content:            m.Content,
		SenderID:           m.SenderID,
		ClientKey:          m.ClientKey,
		Category:           category,
		CategoryConfidence: m.CategoryConfidence,
		RetrievalRequested: meta.RetrievalRequested,
		CreatedAt:          m.CreatedAt,
	}
}

func summaryToModel(s domain.ConversationSummary) ConversationSummaryModel {
	return ConversationSummaryModel{
		ID:               s.ID,
		ConversationID:   s.ConversationID,
		StartAt:          s.StartAt,
		EndAt:            s.EndAt,
		Summary:          s.Summary,
		Status:           string(s.Status),
		ErrorMessage:     s.ErrorMessage,
		Model:            s.Model,
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens,
		CreatedAt:        s.CreatedAt,
	}
}

func summaryFromModel(m ConversationSummaryModel) domain.ConversationSummary {
	return domain.ConversationSummary{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		StartAt:          m.StartAt,
		EndAt:            m.EndAt,
		Summary:          m.Summary,
		Status:           domain.SummaryStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		Model:            m.Model,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		TotalTokens:      m.TotalTokens,
		CreatedAt:        m.CreatedAt,
	}
}
