// Package aichat implements the AI doctor: a chat grounded in the user's
// health profile and latest lab results.
package aichat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/llm"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/services/access"
	"github.com/everliv/everliv-api/services/biomarkers"
)

const (
	// MaxMessageChars bounds a user message.
	MaxMessageChars = 4000
	historyLimit    = 20
	titleChars      = 60
	maxReplyTokens  = 1500
)

const persona = `You are the EVERLIV AI doctor, a careful preventive-medicine assistant.
Explain lab results and lifestyle options in plain language and answer in the language the user writes in.
You do not diagnose or prescribe. Recommend seeing a physician for worrying findings or acute symptoms.
Keep answers concise and specific to the data below when it is relevant.`

// Chatter sends a conversation to a named provider.
type Chatter interface {
	Chat(ctx context.Context, provider string, messages []llm.Message, params llm.Params) (*llm.Completion, error)
}

// Consumer records a use of a gated feature.
type Consumer interface {
	Consume(ctx context.Context, userID, feature string) (*access.Decision, error)
}

// Summarizer describes the health profile of a user.
type Summarizer interface {
	Summary(ctx context.Context, userID string) (string, error)
}

// LatestResults returns the newest value of every biomarker of a user.
type LatestResults interface {
	Latest(ctx context.Context, userID string) ([]database.Biomarker, error)
}

// Config wires the service.
type Config struct {
	Store      database.ChatStore
	LLM        Chatter
	Access     Consumer
	Profile    Summarizer
	Biomarkers LatestResults
	Logger     *logging.Logger
}

// SendRequest is one user turn.
type SendRequest struct {
	ConversationID string `json:"conversation_id,omitempty" validate:"omitempty,uuid"`
	Message        string `json:"message" validate:"required"`
	Provider       string `json:"provider,omitempty"`
}

// Reply is the answer to a SendRequest.
type Reply struct {
	ConversationID string               `json:"conversation_id"`
	Message        database.ChatMessage `json:"message"`
	Provider       string               `json:"provider"`
	Model          string               `json:"model,omitempty"`
	Remaining      *int                 `json:"remaining,omitempty"`
}

// Thread is a conversation with its messages.
type Thread struct {
	database.Conversation
	Messages []database.ChatMessage `json:"messages"`
}

// Service implements the AI doctor.
type Service struct {
	store      database.ChatStore
	llm        Chatter
	access     Consumer
	profile    Summarizer
	biomarkers LatestResults
	logger     *logging.Logger
	now        func() time.Time
}

// New creates the service. Profile and Biomarkers are optional context sources.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.LLM == nil {
		return nil, fmt.Errorf("aichat: store and llm are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{
		store:      cfg.Store,
		llm:        cfg.LLM,
		access:     cfg.Access,
		profile:    cfg.Profile,
		biomarkers: cfg.Biomarkers,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Send answers one message. A new conversation is started when
// req.ConversationID is empty.
func (s *Service) Send(ctx context.Context, userID string, req SendRequest) (*Reply, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, svcerrors.ValidationFailed("message is required", nil).WithDetails("field", "message")
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageChars {
		return nil, svcerrors.ValidationFailed(fmt.Sprintf("message exceeds %d characters", MaxMessageChars), nil).
			WithDetails("field", "message").
			WithDetails("length", n)
	}

	var (
		conv    *database.Conversation
		history []database.ChatMessage
		err     error
	)
	if req.ConversationID != "" {
		conv, err = s.store.GetConversation(ctx, userID, req.ConversationID)
		if database.IsNotFound(err) {
			return nil, svcerrors.NotFound("conversation")
		}
		if err != nil {
			return nil, err
		}
		if history, err = s.store.ListMessages(ctx, conv.ID, historyLimit); err != nil {
			return nil, err
		}
	}

	var decision *access.Decision
	if s.access != nil {
		if decision, err = s.access.Consume(ctx, userID, access.FeatureAIDoctor); err != nil {
			return nil, err
		}
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s.systemPrompt(ctx, userID)})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: text})

	temp := float32(0.7)
	completion, err := s.llm.Chat(ctx, req.Provider, messages, llm.Params{Temperature: &temp, MaxTokens: maxReplyTokens})
	if err != nil {
		return nil, chatError(err)
	}
	answer := strings.TrimSpace(completion.Content)
	if answer == "" {
		return nil, svcerrors.Upstream("llm", llm.ErrEmptyCompletion)
	}

	if conv == nil {
		if conv, err = s.store.CreateConversation(ctx, &database.Conversation{UserID: userID, Title: title(text)}); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}
	now := s.now().UTC()
	saved, err := s.store.InsertMessages(ctx, []database.ChatMessage{
		{ConversationID: conv.ID, UserID: userID, Role: llm.RoleUser, Content: text, CreatedAt: now},
		{ConversationID: conv.ID, UserID: userID, Role: llm.RoleAssistant, Content: answer, Provider: completion.Provider, CreatedAt: now.Add(time.Millisecond)},
	})
	if err != nil {
		return nil, fmt.Errorf("save messages: %w", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to touch conversation")
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"conversation_id": conv.ID,
		"provider":        completion.Provider,
		"history":         len(history),
	}).Info("ai doctor replied")

	reply := &Reply{
		ConversationID: conv.ID,
		Message:        saved[len(saved)-1],
		Provider:       completion.Provider,
		Model:          completion.Model,
	}
	if decision != nil && decision.Limit >= 0 && decision.Source != access.SourceTrial {
		remaining := decision.Remaining
		reply.Remaining = &remaining
	}
	return reply, nil
}

// systemPrompt joins the persona with whatever user context is available.
// Context failures are logged and skipped.
func (s *Service) systemPrompt(ctx context.Context, userID string) string {
	var b strings.Builder
	b.WriteString(persona)

	if s.profile != nil {
		summary, err := s.profile.Summary(ctx, userID)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("health profile unavailable for chat")
		} else if summary != "" {
			b.WriteString("\n\nHealth profile:\n")
			b.WriteString(summary)
		}
	}

	if s.biomarkers != nil {
		items, err := s.biomarkers.Latest(ctx, userID)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("biomarkers unavailable for chat")
		} else if lines := outOfRange(items); len(lines) > 0 {
			b.WriteString("\n\nLatest out-of-range lab results:\n")
			b.WriteString(strings.Join(lines, "\n"))
		}
	}
	return b.String()
}

func outOfRange(items []database.Biomarker) []string {
	var lines []string
	for _, it := range items {
		if it.Status != biomarkers.StatusLow && it.Status != biomarkers.StatusHigh {
			continue
		}
		name := it.DisplayName
		if name == "" {
			name = it.Name
		}
		line := fmt.Sprintf("- %s: %s", name, it.RawValue)
		if it.Unit != "" {
			line += " " + it.Unit
		}
		if it.ReferenceRange != "" {
			line += fmt.Sprintf(" (reference %s, %s)", it.ReferenceRange, it.Status)
		} else {
			line += " (" + it.Status + ")"
		}
		line += ", " + it.MeasuredAt.Format("2006-01-02")
		lines = append(lines, line)
	}
	return lines
}

func title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleChars {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:titleChars])) + "…"
}

func chatError(err error) error {
	switch {
	case errors.Is(err, llm.ErrUnknownProvider):
		return svcerrors.BadRequest("unknown provider")
	case errors.Is(err, llm.ErrNoProvider):
		return svcerrors.Unavailable("AI doctor is not configured")
	case errors.Is(err, context.DeadlineExceeded):
		return svcerrors.Upstream("llm", err).WithDetails("reason", "timeout")
	}
	return svcerrors.Upstream("llm", err)
}

// Conversations lists the conversations of userID, newest first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]database.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// Messages returns a conversation with all its messages.
func (s *Service) Messages(ctx context.Context, userID, conversationID string) (*Thread, error) {
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("conversation")
	}
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	return &Thread{Conversation: *conv, Messages: msgs}, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	err := s.store.DeleteConversation(ctx, userID, conversationID)
	if database.IsNotFound(err) {
		return svcerrors.NotFound("conversation")
	}
	return err
}
