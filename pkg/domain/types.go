package domain

import "time"

type IndexStatus string

const (
	IndexQueued     IndexStatus = "queued"
	IndexInProgress IndexStatus = "in_progress"
	IndexReady      IndexStatus = "ready"
	IndexFailed     IndexStatus = "failed"
)

type SummaryStatus string

const (
	SummaryReady  SummaryStatus = "ready"
	SummaryFailed SummaryStatus = "failed"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// TopicCategory classifies what a user message is about.
type TopicCategory string

const (
	TopicMedical    TopicCategory = "medical"
	TopicCaregiving TopicCategory = "caregiving"
	TopicDailyLife  TopicCategory = "daily_life"
	TopicMental     TopicCategory = "mental"
	TopicOther      TopicCategory = "other"
)

// TopicCategories lists every valid category in a fixed order.
func TopicCategories() []TopicCategory {
	return []TopicCategory{TopicMedical, TopicCaregiving, TopicDailyLife, TopicMental, TopicOther}
}

// ValidTopicCategory reports whether s is one of the five categories.
func ValidTopicCategory(s string) bool {
	switch TopicCategory(s) {
	case TopicMedical, TopicCaregiving, TopicDailyLife, TopicMental, TopicOther:
		return true
	}
	return false
}

// Family is the tenant unit. VectorStoreID is the external retrieval index
// id, empty until the first document is indexed and never reassigned after.
type Family struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	VectorStoreID  string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Conversation struct {
	ID            string     `json:"id"`
	FamilyID      string     `json:"familyId"`
	Title         string     `json:"title,omitempty"`
	Archived      bool       `json:"archived"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
	ArchivedBy    string     `json:"archivedBy,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	MessageCount  int        `json:"messageCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Message is immutable once written. SenderID is empty for assistant
// messages. Category and CategoryConfidence stay nil when classification
// failed or returned an out-of-range value.
type Message struct {
	ID                 string         `json:"id"`
	ConversationID     string         `json:"conversationId"`
	Role               MessageRole    `json:"role"`
	Content            string         `json:"content"`
	SenderID           string         `json:"senderId,omitempty"`
	ClientKey          string         `json:"-"`
	Category           *TopicCategory `json:"category,omitempty"`
	CategoryConfidence *float64       `json:"categoryConfidence,omitempty"`
	RetrievalRequested bool           `json:"retrievalRequested"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// ConversationSummary is a rolling compaction of one chunk of messages.
// Summaries for a conversation cover non-overlapping time ranges; a failed
// attempt still records a row so the chunk is not retried forever.
type ConversationSummary struct {
	ID               string        `json:"id"`
	ConversationID   string        `json:"conversationId"`
	StartAt          time.Time     `json:"startAt"`
	EndAt            time.Time     `json:"endAt"`
	Summary          string        `json:"summary"`
	Status           SummaryStatus `json:"status"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"promptTokens"`
	CompletionTokens int           `json:"completionTokens"`
	TotalTokens      int           `json:"totalTokens"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// FamilyFile is an uploaded document. Fingerprint is the SHA-256 of the raw
// bytes and is unique per family. RegisteredFileID and IndexFileID are the
// generation service's ids for the uploaded blob and for its registration
// inside the family vector store.
type FamilyFile struct {
	ID               string      `json:"id"`
	FamilyID         string      `json:"familyId"`
	OriginalFilename string      `json:"originalFilename"`
	StorageKey       string      `json:"-"`
	Fingerprint      string      `json:"-"`
	Category         string      `json:"category,omitempty"`
	UploaderID       string      `json:"uploaderId"`
	RegisteredFileID string      `json:"-"`
	IndexFileID      string      `json:"-"`
	IndexStatus      IndexStatus `json:"indexStatus"`
	IndexedAt        *time.Time  `json:"indexedAt,omitempty"`
	LastError        string      `json:"lastError,omitempty"`
	Preview          string      `json:"preview,omitempty"`
	SizeBytes        int64       `json:"sizeBytes"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}
