package database

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// CreateConversation inserts a conversation.
func (r *Repository) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	if c == nil || c.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return insertOne[Conversation](ctx, "create conversation", r.client.From(TableConversations), c)
}

// GetConversation returns a conversation owned by userID.
func (r *Repository) GetConversation(ctx context.Context, userID, id string) (*Conversation, error) {
	return selectOne[Conversation](ctx, "get conversation",
		r.client.From(TableConversations).Select("*").Eq("id", id).Eq("user_id", userID))
}

// ListConversations returns the conversations of userID, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return selectRows[Conversation](ctx, "list conversations",
		r.client.From(TableConversations).Select("*").Eq("user_id", userID).Order("updated_at", false))
}

// TouchConversation bumps updated_at.
func (r *Repository) TouchConversation(ctx context.Context, id string) error {
	_, err := updateRows[Conversation](ctx, "touch conversation",
		r.client.From(TableConversations).Eq("id", id), map[string]any{"updated_at": r.now().UTC()})
	return err
}

// DeleteConversation removes a conversation and its messages.
func (r *Repository) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := deleteRows(ctx, "delete messages",
		r.client.From(TableMessages).Eq("conversation_id", id).Eq("user_id", userID)); err != nil {
		return err
	}
	n, err := deleteRows(ctx, "delete conversation", r.client.From(TableConversations).Eq("id", id).Eq("user_id", userID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessages appends messages to a conversation.
func (r *Repository) InsertMessages(ctx context.Context, msgs []ChatMessage) ([]ChatMessage, error) {
	for i := range msgs {
		if msgs[i].ConversationID == "" || msgs[i].UserID == "" {
			return nil, invalidInput("message needs conversation_id and user_id")
		}
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
	}
	return insertRows[ChatMessage](ctx, "insert messages", r.client.From(TableMessages), msgs)
}

// ListMessages returns the last limit messages of a conversation in chronological order.
// A limit of zero returns every message.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	q := r.client.From(TableMessages).Select("*").Eq("conversation_id", conversationID).Order("created_at", false)
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows, err := selectRows[ChatMessage](ctx, "list messages", q)
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)
	return rows, nil
}
