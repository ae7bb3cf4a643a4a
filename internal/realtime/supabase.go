package realtime

import (
	"context"

	"github.com/everliv/everliv-api/supabase/client"
)

// SupabaseJoiner joins channels on a Supabase Realtime connection.
type SupabaseJoiner struct {
	rt *client.RealtimeClient
}

// NewSupabaseJoiner wraps a connected realtime client.
func NewSupabaseJoiner(rt *client.RealtimeClient) *SupabaseJoiner {
	return &SupabaseJoiner{rt: rt}
}

type supabaseChannel struct {
	ch *client.Channel
}

func (c *supabaseChannel) Track(ctx context.Context, meta map[string]any) error {
	return c.ch.Track(ctx, meta)
}

func (c *supabaseChannel) Leave(ctx context.Context) error {
	return c.ch.Unsubscribe(ctx)
}

// Join registers dispatch for every event the channel Spec listens to and sends phx_join.
func (j *SupabaseJoiner) Join(ctx context.Context, topic string, spec Spec, dispatch func(*client.RealtimeEvent)) (Channel, error) {
	ch := j.rt.Channel(topic, client.ChannelConfig{
		PostgresChanges: spec.PostgresChanges,
		PresenceKey:     spec.PresenceKey,
	})
	handler := client.EventHandler(dispatch)
	if len(spec.PostgresChanges) > 0 {
		ch.OnPostgresChange("*", handler)
	}
	for _, event := range spec.Broadcast {
		ch.OnBroadcast(event, handler)
	}
	if spec.Presence {
		ch.OnPresence(handler)
	}
	if err := ch.Subscribe(ctx); err != nil {
		_ = ch.Unsubscribe(ctx)
		return nil, err
	}
	return &supabaseChannel{ch: ch}, nil
}
