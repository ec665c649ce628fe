package ai

import "context"

// Turn is one message of a multi-turn exchange.
type Turn struct {
	Role    string
	Content string
}

// Completion is generated text plus the usage the service reported.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Classification is a topic label with the model's confidence.
type Classification struct {
	Category   string
	Confidence float64
}

// Generator produces a reply from system instructions and structured turns.
type Generator interface {
	Complete(ctx context.Context, system string, turns []Turn) (Completion, error)
}

// Retriever produces a reply grounded in a family's retrieval index.
type Retriever interface {
	RetrieveAnswer(ctx context.Context, system, input, vectorStoreID string) (Completion, error)
}

// Classifier assigns a topic category to a user message.
type Classifier interface {
	ClassifyTopic(ctx context.Context, text string) (Classification, error)
}

// IndexFileStatus is the processing state of a file attached to a
// retrieval index.
type IndexFileStatus string

const (
	IndexFileInProgress IndexFileStatus = "in_progress"
	IndexFileCompleted  IndexFileStatus = "completed"
	IndexFileFailed     IndexFileStatus = "failed"
	IndexFileCancelled  IndexFileStatus = "cancelled"
)

// Terminal reports whether the status will no longer change.
func (s IndexFileStatus) Terminal() bool {
	return s == IndexFileCompleted || s == IndexFileFailed || s == IndexFileCancelled
}

// DocumentIndex manages files registered with the generation service and
// their attachment to per-family retrieval indexes.
type DocumentIndex interface {
	UploadFile(ctx context.Context, filename string, data []byte) (fileID string, err error)
	CreateVectorStore(ctx context.Context, name string) (vectorStoreID string, err error)
	DeleteVectorStore(ctx context.Context, vectorStoreID string) error
	AttachFile(ctx context.Context, vectorStoreID, fileID string) (indexFileID string, err error)
	FileStatus(ctx context.Context, vectorStoreID, fileID string) (IndexFileStatus, error)
	DetachFile(ctx context.Context, vectorStoreID, fileID string) error
	DeleteFile(ctx context.Context, fileID string) error
}
