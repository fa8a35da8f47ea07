package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// ContentPart is one block of a multimodal message: either text or an
// image referenced by URL (typically a base64 data URI).
type ContentPart struct {
	Text     string
	ImageURL string
}

// Message is a single chat message composed of one or more content parts.
type Message struct {
	Role    Role
	Content []ContentPart
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Text: text}}}
}

// Completion is the model's reply to an Invoke call.
type Completion struct {
	Text string
}

// Client sends chat messages to a model and returns its completion.
type Client interface {
	Invoke(ctx context.Context, messages []Message) (*Completion, error)
}

type openaiClient struct {
	client *openai.Client
	model  shared.ChatModel
}

var _ Client = &openaiClient{}

// NewOpenAIClient creates a Client backed by an OpenAI-compatible chat
// completions endpoint.
func NewOpenAIClient(url, apiKey, model string) (Client, error) {
	if url == "" || apiKey == "" {
		return nil, fmt.Errorf("both url and API key must be provided to create an openai client")
	}

	chatModel := shared.ChatModel(model)
	if model == "" {
		chatModel = openai.ChatModelGPT4o
	}

	client := openai.NewClient(
		option.WithBaseURL(url),
		option.WithAPIKey(apiKey),
	)

	return &openaiClient{
		client: &client,
		model:  chatModel,
	}, nil
}

func (c *openaiClient) Invoke(ctx context.Context, messages []Message) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(joinText(m)))
		case RoleUser:
			if isTextOnly(m) {
				params.Messages = append(params.Messages, openai.UserMessage(joinText(m)))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Content))
			for _, p := range m.Content {
				if p.ImageURL != "" {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL:    p.ImageURL,
						Detail: "high",
					}))
				} else {
					parts = append(parts, openai.TextContentPart(p.Text))
				}
			}
			params.Messages = append(params.Messages, openai.UserMessage(parts))
		default:
			return nil, fmt.Errorf("unsupported message role: %q", m.Role)
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}

	return &Completion{Text: completion.Choices[0].Message.Content}, nil
}

func isTextOnly(m Message) bool {
	for _, p := range m.Content {
		if p.ImageURL != "" {
			return false
		}
	}
	return true
}

func joinText(m Message) string {
	text := ""
	for _, p := range m.Content {
		text += p.Text
	}
	return text
}
