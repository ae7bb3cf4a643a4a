package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. baseURL overrides the API endpoint (proxies, tests).
func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (o *OpenAIClient) Name() string { return "openai" }

// Supports accepts images; PDFs and other documents must be sent as text.
func (o *OpenAIClient) Supports(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}

func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params Params) (*Completion, error) {
	req := openai.ChatCompletionRequest{Model: o.model}
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: m.Role}
		if m.Attachment == nil {
			msg.Content = m.Content
		} else {
			if !o.Supports(m.Attachment.MediaType) {
				return nil, fmt.Errorf("openai: %w: %s", ErrUnsupportedAttachment, m.Attachment.MediaType)
			}
			msg.MultiContent = []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: m.Content},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    m.Attachment.DataURL(),
					Detail: openai.ImageURLDetailHigh,
				}},
			}
		}
		req.Messages = append(req.Messages, msg)
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if params.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Provider: o.Name(), StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("openai: %w", ErrEmptyCompletion)
	}

	return &Completion{
		Content:      resp.Choices[0].Message.Content,
		Provider:     o.Name(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
