// Package llm abstracts the chat-completion providers used by the AI doctor
// and the lab-document extraction pipeline.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrUnknownProvider is returned for a provider name that is not configured.
	ErrUnknownProvider = errors.New("unknown llm provider")
	// ErrNoProvider is returned when no provider is configured at all.
	ErrNoProvider = errors.New("no llm provider configured")
	// ErrUnsupportedAttachment is returned when a provider cannot read an attachment type.
	ErrUnsupportedAttachment = errors.New("attachment type not supported by provider")
	// ErrEmptyCompletion is returned when the provider answered without text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// Attachment is a binary document sent alongside a user message.
type Attachment struct {
	MediaType string
	Data      []byte
}

// DataURL encodes the attachment as a data: URL.
func (a *Attachment) DataURL() string {
	return "data:" + a.MediaType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// IsImage reports whether the attachment is an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

// Message is one chat turn.
type Message struct {
	Role       string
	Content    string
	Attachment *Attachment
}

// Params tune a completion.
type Params struct {
	Temperature *float32
	MaxTokens   int
	// JSON asks for a single JSON object as the reply.
	JSON bool
}

// Completion is a provider reply.
type Completion struct {
	Content      string `json:"content"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Client is a chat-completion provider.
type Client interface {
	Name() string
	// Supports reports whether attachments of mediaType can be sent.
	Supports(mediaType string) bool
	Chat(ctx context.Context, messages []Message, params Params) (*Completion, error)
}

// ProviderError is a non-2xx provider answer.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// splitSystem joins system messages into one prompt and returns the remaining turns.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
