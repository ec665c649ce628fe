package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	classifyTimeout = 10 * time.Second
	classifyMaxLen  = 1000
)

// ClassifyTopic implements Classifier with a zero-temperature call
// constrained to strict JSON-schema output. Callers treat any error, parse
// failure, or out-of-range confidence as "no classification"; this method
// only reports what the model said.
func (c *OpenAIClient) ClassifyTopic(ctx context.Context, text string) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	runes := []rune(text)
	if len(runes) > classifyMaxLen {
		text = string(runes[:classifyMaxLen])
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "topic_classification",
				Strict: true,
				Schema: classifySchema,
			},
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classify request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, fmt.Errorf("empty classification response")
	}
	var result struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return Classification{}, fmt.Errorf("parse classification: %w", err)
	}
	return Classification{Category: result.Category, Confidence: result.Confidence}, nil
}

const classifySystemPrompt = `あなたは在宅介護支援アプリのメッセージ分類器です。ユーザーのメッセージを次の5カテゴリのいずれかに分類してください。

- medical: 医療・通院・薬・症状に関する話題
- caregiving: 介護の手技・サービス・ケアプランに関する話題
- daily_life: 食事・買い物・家事など日常生活に関する話題
- mental: 本人や家族の気持ち・不安・ストレスに関する話題
- other: 上記のいずれにも当てはまらない話題

confidence は 0 から 1 の数値で、分類の確信度を表します。`

// classifySchema constrains the model to the five-way category enum plus a
// confidence number.
var classifySchema = &jsonSchema{
	Type:                 "object",
	AdditionalProperties: false,
	Required:             []string{"category", "confidence"},
	Properties: map[string]*jsonSchema{
		"category": {
			Type: "string",
			Enum: []string{"medical", "caregiving", "daily_life", "mental", "other"},
		},
		"confidence": {
			Type:        "number",
			Description: "分類の確信度 (0〜1)",
		},
	},
}

// jsonSchema implements json.Marshaler for OpenAI's JSON Schema format.
// The alias type prevents infinite recursion during marshaling.
type jsonSchema struct {
	Properties           map[string]*jsonSchema `json:"properties,omitempty"`
	Type                 string                 `json:"type"`
	Description          string                 `json:"description,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Enum                 []string               `json:"enum,omitempty"`
	AdditionalProperties bool                   `json:"additionalProperties"`
}

func (s *jsonSchema) MarshalJSON() ([]byte, error) {
	type alias jsonSchema
	return json.Marshal((*alias)(s))
}
