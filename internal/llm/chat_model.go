// Package llm constructs the chat model the pipeline talks to. Production
// runs use the Ark backend; setting ARK_MOCK serves canned output so the
// whole service can run offline.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"storyteller/internal/config"
)

// New returns the chat model selected by the configuration.
func New(ctx context.Context, cfg config.LLM, timeout config.Config) (model.BaseChatModel, error) {
	if cfg.Mock {
		return &MockChatModel{}, nil
	}
	if cfg.APIKey == "" {
		return nil, errors.New("llm: ARK_API_KEY not set (set ARK_MOCK=1 to run offline)")
	}
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Region:     "cn-beijing",
		HTTPClient: &http.Client{Timeout: timeout.LLMTimeout()},
		Model:      cfg.Model,
	})
}

// MockChatModel is an offline stand-in that answers story prompts with a
// fixed two-paragraph chapter and enhancement prompts with a softened
// rewrite. It keeps the full pipeline runnable without an API key.
type MockChatModel struct{}

const mockStoryJSON = `{
  "story_content": "Maya tightened the straps of her little backpack and stepped onto the winding forest path. The morning light danced between the leaves, and somewhere ahead a stream chattered over smooth stones, inviting her deeper into the adventure.\n\nAt the old wooden bridge she met a very polite fox who bowed and asked if she was the explorer everyone had been waiting for. Maya grinned, because today she certainly was.",
  "choice_question": "What should Maya do next?",
  "choices": [
    {"text": "Follow the fox across the bridge", "description": "See where the polite fox leads"},
    {"text": "Follow the sound of the stream", "description": "Discover what the water is hiding"}
  ],
  "educational_elements": ["Curiosity", "Politeness", "Nature observation"],
  "vocabulary_words": ["winding", "explorer"]
}`

const mockEnhancedContent = `Maya tightened the straps of her little backpack and stepped onto the sunny forest path. Friendly birds sang above her, and a gentle stream chattered over smooth stones, inviting her on a cheerful adventure.

At the old wooden bridge she met a very polite fox who bowed and asked if she was the explorer everyone had been waiting for. Maya grinned, because today she certainly was.`

// Generate answers based on the system instruction so the story and
// enhancement stages both get plausible output.
func (m *MockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, msg := range input {
		if msg.Role == schema.System && strings.Contains(msg.Content, "content safety specialist") {
			return schema.AssistantMessage(mockEnhancedContent, nil), nil
		}
	}
	return schema.AssistantMessage(mockStoryJSON, nil), nil
}

// Stream is not supported by the mock; the pipeline only uses Generate.
func (m *MockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("llm: mock chat model does not stream")
}

var _ model.BaseChatModel = (*MockChatModel)(nil)
