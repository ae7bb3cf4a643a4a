package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	anthropicAPIVersion  = "2023-06-01"
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicMaxTokens   = 4096
	maxProviderBodyBytes = 8 << 20
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewAnthropicClient creates a client.
func NewAnthropicClient(apiKey, model, baseURL string, timeout time.Duration) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}
	if baseURL == "" {
		baseURL = anthropicDefaultBase
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (a *AnthropicClient) Name() string { return "anthropic" }

// Supports accepts images and PDF documents.
func (a *AnthropicClient) Supports(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/pdf"
}

func (a *AnthropicClient) Chat(ctx context.Context, messages []Message, params Params) (*Completion, error) {
	system, turns := splitSystem(messages)
	if params.JSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
	}

	req := anthropicRequest{
		Model:       a.model,
		System:      system,
		MaxTokens:   anthropicMaxTokens,
		Temperature: params.Temperature,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	for _, m := range turns {
		var blocks []anthropicBlock
		if m.Attachment != nil {
			if !a.Supports(m.Attachment.MediaType) {
				return nil, fmt.Errorf("anthropic: %w: %s", ErrUnsupportedAttachment, m.Attachment.MediaType)
			}
			blockType := "image"
			if !m.Attachment.IsImage() {
				blockType = "document"
			}
			blocks = append(blocks, anthropicBlock{Type: blockType, Source: &anthropicSource{
				Type:      "base64",
				MediaType: m.Attachment.MediaType,
				Data:      base64.StdEncoding.EncodeToString(m.Attachment.Data),
			}})
		}
		blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: blocks})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &ProviderError{Provider: a.Name(), StatusCode: resp.StatusCode, Message: msg}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyCompletion)
	}

	return &Completion{
		Content:      text.String(),
		Provider:     a.Name(),
		Model:        out.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}
