package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"carelink/internal/util"
	"carelink/pkg/ai"
	"carelink/pkg/domain"
	"carelink/pkg/store"
)

const summaryPrompt = "あなたは在宅介護の相談記録を要約するアシスタントです。" +
	"与えられた会話から、今後の相談の文脈として役立つ情報だけを箇条書きで抽出してください。" +
	"含めるもの: 介護対象者の状態に関する事実、家族が抱えている懸念、これまでにアシスタントが行った提案。" +
	"挨拶や相づちは含めないでください。"

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Generator   ai.Generator
	// ChunkThreshold is the minimum number of unsummarized messages before
	// a conversation gets a new summary.
	ChunkThreshold int
	Concurrency    int
	Interval       time.Duration
}

// App compacts long conversations into rolling summaries. Each summary
// covers a non-overlapping message range; the next pass resumes strictly
// after the latest summary's end timestamp.
type App struct {
	store          store.Store
	generator      ai.Generator
	chunkThreshold int
	concurrency    int
	interval       time.Duration
}

// New constructs the summarization job.
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
	chunkThreshold := cfg.ChunkThreshold
	if chunkThreshold <= 0 {
		chunkThreshold = 20
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &App{
		store:          dataStore,
		generator:      cfg.Generator,
		chunkThreshold: chunkThreshold,
		concurrency:    concurrency,
		interval:       interval,
	}, nil
}

// Run executes the batch on a fixed interval until the context is done.
func (a *App) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if err := a.RunOnce(ctx); err != nil {
			slog.Error("summarization run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce walks every conversation and summarizes the ones with enough new
// messages. A failure in one conversation is logged and does not stop the
// others.
func (a *App) RunOnce(ctx context.Context) error {
	ids, err := a.store.ListConversationIDs()
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, id := range ids {
		conversationID := id
		g.Go(func() error {
			if err := a.summarizeConversation(ctx, conversationID); err != nil {
				slog.Warn("conversation summarization failed", "conversationId", conversationID, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) summarizeConversation(ctx context.Context, conversationID string) error {
	latest, hasPrior, err := a.store.LatestSummary(conversationID)
	if err != nil {
		return fmt.Errorf("load latest summary: %w", err)
	}
	var after time.Time
	if hasPrior {
		after = latest.EndAt
	}
	messages, err := a.store.ListMessagesAfter(conversationID, after)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(messages) < a.chunkThreshold {
		return nil
	}

	startAt := messages[0].CreatedAt
	endAt := messages[len(messages)-1].CreatedAt
	completion, genErr := a.generator.Complete(ctx, summaryPrompt, []ai.Turn{
		{Role: string(domain.MessageRoleUser), Content: renderMessages(messages)},
	})
	now := time.Now().UTC()
	if genErr != nil || strings.TrimSpace(completion.Text) == "" {
		if genErr == nil {
			genErr = fmt.Errorf("empty summary text")
		}
		// The failed row consumes the range so the chunk is not retried
		// forever; the raw messages remain available.
		failed := domain.ConversationSummary{
			ID:             util.NewID(),
			ConversationID: conversationID,
			StartAt:        startAt,
			EndAt:          endAt,
			Status:         domain.SummaryFailed,
			ErrorMessage:   genErr.Error(),
			CreatedAt:      now,
		}
		if saveErr := a.store.SaveSummary(failed); saveErr != nil {
			return fmt.Errorf("record failed summary: %w", saveErr)
		}
		return fmt.Errorf("generate summary: %w", genErr)
	}

	summary := domain.ConversationSummary{
		ID:               util.NewID(),
		ConversationID:   conversationID,
		StartAt:          startAt,
		EndAt:            endAt,
		Summary:          strings.TrimSpace(completion.Text),
		Status:           domain.SummaryReady,
		Model:            completion.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		TotalTokens:      completion.TotalTokens,
		CreatedAt:        now,
	}
	if err := a.store.SaveSummary(summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	slog.Info("conversation summarized",
		"conversationId", conversationID,
		"messages", len(messages),
		"totalTokens", completion.TotalTokens)
	return nil
}

func renderMessages(messages []domain.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case domain.MessageRoleUser:
			sb.WriteString("ユーザー")
		case domain.MessageRoleAssistant:
			sb.WriteString("アシスタント")
		default:
			sb.WriteString(string(msg.Role))
		}
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
