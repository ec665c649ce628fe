package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultRunPollInterval = 500 * time.Millisecond
	defaultRunPollAttempts = 60
)

// OpenAIClient implements Generator, Retriever, Classifier, and
// DocumentIndex against the OpenAI API (or a compatible endpoint).
type OpenAIClient struct {
	api   *openai.Client
	model string

	runPollInterval time.Duration
	runPollAttempts int

	// assistants are created lazily, one per vector store, so that
	// file_search runs stay scoped to a single family's index.
	mu         sync.Mutex
	assistants map[string]string
}

// OpenAIConfig configures the client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIClient constructs a client with the provided API key and model.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIClient{
		api:             openai.NewClientWithConfig(config),
		model:           model,
		runPollInterval: defaultRunPollInterval,
		runPollAttempts: defaultRunPollAttempts,
		assistants:      make(map[string]string),
	}, nil
}

// Complete implements Generator using the chat completions API.
func (c *OpenAIClient) Complete(ctx context.Context, system string, turns []Turn) (Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty response from completion api")
	}
	return Completion{
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// RetrieveAnswer implements Retriever with an assistants file_search run
// scoped to the given vector store.
func (c *OpenAIClient) RetrieveAnswer(ctx context.Context, system, input, vectorStoreID string) (Completion, error) {
	vectorStoreID = strings.TrimSpace(vectorStoreID)
	if vectorStoreID == "" {
		return Completion{}, fmt.Errorf("vector store id required")
	}
	assistantID, err := c.assistantFor(ctx, system, vectorStoreID)
	if err != nil {
		return Completion{}, err
	}
	run, err := c.api.CreateThreadAndRun(ctx, openai.CreateThreadAndRunRequest{
		RunRequest: openai.RunRequest{
			AssistantID: assistantID,
		},
		Thread: openai.ThreadRequest{
			Messages: []openai.ThreadMessage{
				{Role: openai.ThreadMessageRoleUser, Content: input},
			},
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("create run: %w", err)
	}
	run, err = c.waitForRun(ctx, run)
	if err != nil {
		return Completion{}, err
	}
	limit := 1
	order := "desc"
	msgs, err := c.api.ListMessage(ctx, run.ThreadID, &limit, &order, nil, nil, &run.ID)
	if err != nil {
		return Completion{}, fmt.Errorf("list run messages: %w", err)
	}
	for _, msg := range msgs.Messages {
		for _, part := range msg.Content {
			if part.Text != nil && strings.TrimSpace(part.Text.Value) != "" {
				return Completion{Text: strings.TrimSpace(part.Text.Value), Model: c.model}, nil
			}
		}
	}
	return Completion{}, fmt.Errorf("empty response from retrieval run")
}

func (c *OpenAIClient) assistantFor(ctx context.Context, instructions, vectorStoreID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.assistants[vectorStoreID]; ok {
		return id, nil
	}
	name := "carelink-" + vectorStoreID
	assistant, err := c.api.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        c.model,
		Name:         &name,
		Instructions: &instructions,
		Tools: []openai.AssistantTool{
			{Type: openai.AssistantToolTypeFileSearch},
		},
		ToolResources: &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{
				VectorStoreIDs: []string{vectorStoreID},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	c.assistants[vectorStoreID] = assistant.ID
	return assistant.ID, nil
}

// waitForRun polls the run until a terminal state or the attempt budget is
// exhausted. It never polls indefinitely.
func (c *OpenAIClient) waitForRun(ctx context.Context, run openai.Run) (openai.Run, error) {
	for attempt := 0; attempt < c.runPollAttempts; attempt++ {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			msg := string(run.Status)
			if run.LastError != nil && run.LastError.Message != "" {
				msg = run.LastError.Message
			}
			return run, fmt.Errorf("retrieval run %s: %s", run.Status, msg)
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(c.runPollInterval):
		}
		var err error
		run, err = c.api.RetrieveRun(ctx, run.ThreadID, run.ID)
		if err != nil {
			return run, fmt.Errorf("retrieve run: %w", err)
		}
	}
	return run, fmt.Errorf("retrieval run did not finish within polling budget")
}

// UploadFile registers raw bytes with the generation service's file store.
func (c *OpenAIClient) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	file, err := c.api.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    filename,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	return file.ID, nil
}

// CreateVectorStore creates a new retrieval index.
func (c *OpenAIClient) CreateVectorStore(ctx context.Context, name string) (string, error) {
	vs, err := c.api.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	return vs.ID, nil
}

// DeleteVectorStore removes a retrieval index. Used by a losing concurrent
// creator to discard its orphan.
func (c *OpenAIClient) DeleteVectorStore(ctx context.Context, vectorStoreID string) error {
	if _, err := c.api.DeleteVectorStore(ctx, vectorStoreID); err != nil {
		return fmt.Errorf("delete vector store: %w", err)
	}
	return nil
}

// AttachFile registers an uploaded file inside a retrieval index.
func (c *OpenAIClient) AttachFile(ctx context.Context, vectorStoreID, fileID string) (string, error) {
	vsFile, err := c.api.CreateVectorStoreFile(ctx, vectorStoreID, openai.VectorStoreFileRequest{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("attach file: %w", err)
	}
	return vsFile.ID, nil
}

// DetachFile removes a file's registration from a retrieval index.
func (c *OpenAIClient) DetachFile(ctx context.Context, vectorStoreID, fileID string) error {
	if err := c.api.DeleteVectorStoreFile(ctx, vectorStoreID, fileID); err != nil {
		return fmt.Errorf("detach file: %w", err)
	}
	return nil
}

// DeleteFile removes a registered file from the generation service.
func (c *OpenAIClient) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.api.DeleteFile(ctx, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// FileStatus reports the processing state of an attached file.
func (c *OpenAIClient) FileStatus(ctx context.Context, vectorStoreID, fileID string) (IndexFileStatus, error) {
	vsFile, err := c.api.RetrieveVectorStoreFile(ctx, vectorStoreID, fileID)
	if err != nil {
		return "", fmt.Errorf("file status: %w", err)
	}
	switch vsFile.Status {
	case "completed":
		return IndexFileCompleted, nil
	case "failed":
		return IndexFileFailed, nil
	case "cancelled":
		return IndexFileCancelled, nil
	default:
		return IndexFileInProgress, nil
	}
}
