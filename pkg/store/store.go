package store

import (
	"time"

	"carelink/pkg/domain"
)

// Store defines persistence operations for families, files, conversations,
// messages, and summaries.
type Store interface {
	// families
	SaveFamily(domain.Family) error
	GetFamily(id string) (domain.Family, bool, error)
	// SetFamilyVectorStoreID sets the family's retrieval index id only when
	// no id is stored yet. It returns false when a concurrent writer already
	// populated the field.
	SetFamilyVectorStoreID(id, vectorStoreID string) (bool, error)

	// files
	SaveFile(domain.FamilyFile) error
	GetFile(id string) (domain.FamilyFile, bool, error)
	FindFileByFingerprint(familyID, fingerprint string) (domain.FamilyFile, bool, error)
	ListFilesByFamily(familyID string) ([]domain.FamilyFile, error)
	SetFileIndexIDs(id, registeredFileID, indexFileID string) error
	SetFileIndexStatus(id string, status domain.IndexStatus, errMsg string, indexedAt *time.Time) error
	DeleteFile(id string) error

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByFamily(familyID string, limit int) ([]domain.Conversation, error)
	ListConversationIDs() ([]string, error)
	RenameConversation(id, title string) error
	ArchiveConversation(id, actorID string, at time.Time) error
	// AppendTurn writes the user message, the assistant reply, and the
	// conversation metadata update (title if non-empty, last-message
	// timestamp, message count) in one transaction.
	AppendTurn(conversationID string, userMsg, assistantMsg domain.Message, title string, lastMessageAt time.Time) error

	// messages
	ListRecentMessages(conversationID string, limit int) ([]domain.Message, error)
	ListMessagesAfter(conversationID string, after time.Time) ([]domain.Message, error)
	// FindTurnByClientKey returns the stored user message carrying the
	// caller's idempotency key and the assistant reply that followed it.
	FindTurnByClientKey(conversationID, clientKey string) (user domain.Message, reply domain.Message, ok bool, err error)

	// summaries
	SaveSummary(domain.ConversationSummary) error
	LatestSummary(conversationID string) (domain.ConversationSummary, bool, error)
	ListSummaries(conversationID string) ([]domain.ConversationSummary, error)
}
