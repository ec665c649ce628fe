package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"carelink/pkg/ai"
	"carelink/pkg/domain"
)

const defaultConversationTitle = "新しい会話"

const titleRunes = 30

// apologyReply replaces the assistant's answer whenever the generation
// service fails or returns nothing usable. A raw empty reply is never
// persisted or shown.
const apologyReply = "申し訳ありません。現在応答を生成できませんでした。しばらくしてからもう一度お試しください。"

const personaPrompt = "あなたは在宅介護を支える家族のためのサポートアシスタントです。" +
	"介護に関する相談に、丁寧でわかりやすい日本語で答えてください。" +
	"医療上の判断が必要な内容については、必ず医師・看護師・ケアマネジャーなどの専門職に相談するよう案内してください。"

const retrievalPrompt = personaPrompt +
	"ご家族がアップロードした資料を検索できますが、回答に本当に必要な場合にのみ参照してください。"

// orchestrator assembles bounded context and produces the assistant reply,
// with topic classification as a failure-isolated side effect.
type orchestrator struct {
	generator  ai.Generator
	retriever  ai.Retriever
	classifier ai.Classifier
	timeout    time.Duration
}

// reply generates the assistant's answer. useRetrieval is honored only when
// the family's retrieval index exists; every failure path degrades to the
// fixed apology rather than an error.
func (o *orchestrator) reply(ctx context.Context, vectorStoreID string, history []domain.Message, content string, useRetrieval bool) string {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var completion ai.Completion
	var err error
	if useRetrieval && vectorStoreID != "" && o.retriever != nil {
		input := content
		if rendered := renderHistory(history); rendered != "" {
			input = "これまでの会話:\n" + rendered + "\n\n新しいメッセージ: " + content
		}
		completion, err = o.retriever.RetrieveAnswer(ctx, retrievalPrompt, input, vectorStoreID)
	} else {
		turns := make([]ai.Turn, 0, len(history)+1)
		for _, msg := range history {
			turns = append(turns, ai.Turn{Role: string(msg.Role), Content: msg.Content})
		}
		turns = append(turns, ai.Turn{Role: string(domain.MessageRoleUser), Content: content})
		completion, err = o.generator.Complete(ctx, personaPrompt, turns)
	}
	if err != nil {
		slog.Warn("reply generation failed", "err", err)
		return apologyReply
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		slog.Warn("reply generation returned empty text")
		return apologyReply
	}
	return text
}

// classify returns the user message's topic category and confidence, or
// nils on any failure or out-of-range confidence.
func (o *orchestrator) classify(ctx context.Context, content string) (*domain.TopicCategory, *float64) {
	if o.classifier == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	result, err := o.classifier.ClassifyTopic(ctx, content)
	if err != nil {
		slog.Info("topic classification failed", "err", err)
		return nil, nil
	}
	if !domain.ValidTopicCategory(result.Category) {
		slog.Info("topic classification returned unknown category", "category", result.Category)
		return nil, nil
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		slog.Info("topic classification confidence out of range", "confidence", result.Confidence)
		return nil, nil
	}
	category := domain.TopicCategory(result.Category)
	confidence := result.Confidence
	return &category, &confidence
}

func renderHistory(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}
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

// deriveTitle returns the conversation title for its first user message.
func deriveTitle(content string) string {
	text := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if text == "" {
		return defaultConversationTitle
	}
	runes := []rune(text)
	if len(runes) > titleRunes {
		return string(runes[:titleRunes])
	}
	return text
}
