package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type FamilyModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"not null;index"`
	Name           string `gorm:"not null"`
	VectorStoreID  string
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

type FamilyFileModel struct {
	ID               string `gorm:"primaryKey"`
	FamilyID         string `gorm:"not null;index;uniqueIndex:idx_family_fingerprint"`
	Fingerprint      string `gorm:"not null;uniqueIndex:idx_family_fingerprint"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string `gorm:"not null"`
	Category         string
	UploaderID       string `gorm:"not null"`
	RegisteredFileID string
	IndexFileID      string
	IndexStatus      string `gorm:"not null"`
	IndexedAt        *time.Time
	LastError        string
	Preview          string    `gorm:"type:text"`
	SizeBytes        int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID            string `gorm:"primaryKey"`
	FamilyID      string `gorm:"not null;index"`
	Title         string
	Archived      bool `gorm:"not null;default:false;index"`
	ArchivedAt    *time.Time
	ArchivedBy    string
	LastMessageAt *time.Time `gorm:"index"`
	MessageCount  int        `gorm:"not null;default:0"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

type MessageModel struct {
	ID                 string `gorm:"primaryKey"`
	ConversationID     string `gorm:"not null;index:idx_conversation_created"`
	Role               string `gorm:"not null"`
	Content            string `gorm:"type:text;not null"`
	SenderID           string
	ClientKey          string `gorm:"index"`
	Category           *string
	CategoryConfidence *float64
	Meta               datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt          time.Time      `gorm:"not null;index:idx_conversation_created"`
}

type ConversationSummaryModel struct {
	ID               string    `gorm:"primaryKey"`
	ConversationID   string    `gorm:"not null;index"`
	StartAt          time.Time `gorm:"not null"`
	EndAt            time.Time `gorm:"not null;index"`
	Summary          string    `gorm:"type:text"`
	Status           string    `gorm:"not null"`
	ErrorMessage     string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time `gorm:"not null"`
}
