package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/pkg/domain"
	"carelink/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Generator   ai.Generator
	Retriever   ai.Retriever
	Classifier  ai.Classifier
	// HistoryLimit caps how many stored messages are sent as context for a
	// turn. The full history is never sent.
	HistoryLimit    int
	GenerateTimeout time.Duration
}

// App owns conversation threads and drives reply generation for new turns.
type App struct {
	store        store.Store
	orchestrator *orchestrator
	historyLimit int
}

// New constructs the application with database-backed storage for messages.
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
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	timeout := cfg.GenerateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &App{
		store: dataStore,
		orchestrator: &orchestrator{
			generator:  cfg.Generator,
			retriever:  cfg.Retriever,
			classifier: cfg.Classifier,
			timeout:    timeout,
		},
		historyLimit: historyLimit,
	}, nil
}

// TurnInput is one incoming chat message with its caller context.
type TurnInput struct {
	FamilyID           string
	ConversationID     string
	UserID             string
	Role               domain.FamilyRole
	Content            string
	RetrievalRequested bool
	ClientKey          string
}

// TurnResult is what the caller gets back for a completed turn.
type TurnResult struct {
	ConversationID     string `json:"conversationId"`
	Reply              string `json:"reply"`
	Title              string `json:"title"`
	RetrievalRequested bool   `json:"retrievalRequested"`
}

// AppendTurn runs one chat turn: resolve the conversation, generate the
// reply with bounded context, and persist the user/assistant pair together
// with the conversation metadata update in one transaction.
func (a *App) AppendTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	if !in.Role.Capabilities().CanPostChat {
		return TurnResult{}, ErrForbidden
	}
	if strings.TrimSpace(in.FamilyID) == "" {
		return TurnResult{}, fmt.Errorf("family id required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return TurnResult{}, fmt.Errorf("user id required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return TurnResult{}, fmt.Errorf("message required")
	}

	family, ok, err := a.store.GetFamily(in.FamilyID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load family: %w", err)
	}
	if !ok {
		return TurnResult{}, ErrFamilyNotFound
	}

	conversation, created, err := a.resolveConversation(in.FamilyID, in.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}

	clientKey := strings.TrimSpace(in.ClientKey)
	if clientKey != "" && !created {
		userMsg, reply, found, err := a.store.FindTurnByClientKey(conversation.ID, clientKey)
		if err != nil {
			return TurnResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if found {
			return TurnResult{
				ConversationID:     conversation.ID,
				Reply:              reply.Content,
				Title:              conversation.Title,
				RetrievalRequested: userMsg.RetrievalRequested,
			}, nil
		}
	}

	var history []domain.Message
	if !created {
		history, err = a.store.ListRecentMessages(conversation.ID, a.historyLimit)
		if err != nil {
			return TurnResult{}, fmt.Errorf("load history: %w", err)
		}
	}

	category, confidence := a.orchestrator.classify(ctx, content)
	userAt := time.Now().UTC()
	if conversation.LastMessageAt != nil && !userAt.After(*conversation.LastMessageAt) {
		userAt = conversation.LastMessageAt.Add(time.Millisecond)
	}
	replyText := a.orchestrator.reply(ctx, family.VectorStoreID, history, content, in.RetrievalRequested)
	replyAt := time.Now().UTC()
	if !replyAt.After(userAt) {
		replyAt = userAt.Add(time.Millisecond)
	}

	title := ""
	if conversation.Title == "" {
		title = deriveTitle(content)
	}

	userMsg := domain.Message{
		ID:                 util.NewID(),
		ConversationID:     conversation.ID,
		Role:               domain.MessageRoleUser,
		Content:            content,
		SenderID:           in.UserID,
		ClientKey:          clientKey,
		Category:           category,
		CategoryConfidence: confidence,
		RetrievalRequested: in.RetrievalRequested,
		CreatedAt:          userAt,
	}
	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.MessageRoleAssistant,
		Content:        replyText,
		CreatedAt:      replyAt,
	}
	if err := a.store.AppendTurn(conversation.ID, userMsg, assistantMsg, title, replyAt); err != nil {
		return TurnResult{}, fmt.Errorf("persist turn: %w", err)
	}

	resultTitle := conversation.Title
	if title != "" {
		resultTitle = title
	}
	return TurnResult{
		ConversationID:     conversation.ID,
		Reply:              replyText,
		Title:              resultTitle,
		RetrievalRequested: in.RetrievalRequested,
	}, nil
}

// resolveConversation reuses an active conversation belonging to the family,
// or creates a fresh one. Archived and foreign ids are treated as not found.
func (a *App) resolveConversation(familyID, conversationID string) (domain.Conversation, bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" {
		conversation, ok, err := a.store.GetConversation(conversationID)
		if err != nil {
			return domain.Conversation{}, false, fmt.Errorf("load conversation: %w", err)
		}
		if ok && conversation.FamilyID == familyID && !conversation.Archived {
			return conversation, false, nil
		}
	}
	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:        util.NewID(),
		FamilyID:  familyID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, true, nil
}

// ListConversations lists the family's active conversations, most recent
// first.
func (a *App) ListConversations(familyID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListConversationsByFamily(familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ListMessages lists a conversation's messages in chronological order.
func (a *App) ListMessages(familyID, conversationID string, limit int) ([]domain.Message, error) {
	conversation, err := a.getOwned(familyID, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	items, err := a.store.ListRecentMessages(conversation.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

// Rename overwrites a conversation's title with the trimmed input.
func (a *App) Rename(familyID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	conversation, err := a.getOwned(familyID, conversationID)
	if err != nil {
		return err
	}
	if err := a.store.RenameConversation(conversation.ID, title); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// Archive soft-deletes a conversation. There is no unarchive path.
func (a *App) Archive(familyID, conversationID, actorID string) error {
	conversation, err := a.getOwned(familyID, conversationID)
	if err != nil {
		return err
	}
	if err := a.store.ArchiveConversation(conversation.ID, actorID, time.Now().UTC()); err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	return nil
}

func (a *App) getOwned(familyID, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, fmt.Errorf("conversation id required")
	}
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok || conversation.FamilyID != familyID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}
