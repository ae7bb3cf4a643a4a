// Package realtime shares Supabase Realtime channels between in-process
// subscribers and keeps the presence state of joined channels.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
	"github.com/everliv/everliv-api/supabase/client"
)

// ErrUnknownChannel is returned for operations on a channel nobody subscribed to.
var ErrUnknownChannel = errors.New("realtime channel not subscribed")

// Handler receives channel events. It runs on the connection read loop.
type Handler func(event *client.RealtimeEvent)

// Spec describes what a channel listens to. It is only used by the first
// subscriber of a key; later subscribers share the joined channel.
type Spec struct {
	// Topic defaults to the subscription key.
	Topic           string
	PostgresChanges []client.PostgresChangesConfig
	Broadcast       []string
	Presence        bool
	PresenceKey     string
}

// Channel is a joined channel.
type Channel interface {
	Track(ctx context.Context, meta map[string]any) error
	Leave(ctx context.Context) error
}

// Joiner joins channels and routes every event of the channel to dispatch.
type Joiner interface {
	Join(ctx context.Context, topic string, spec Spec, dispatch func(*client.RealtimeEvent)) (Channel, error)
}

type presenceMeta struct {
	ref  string
	meta map[string]any
}

type managed struct {
	key      string
	ch       Channel
	handlers map[uint64]Handler
	presence map[string][]presenceMeta
}

// Manager deduplicates channel subscriptions by key.
type Manager struct {
	joiner  Joiner
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*managed
	nextID   uint64
	closed   bool
}

// NewManager creates a manager over joiner. logger and m may be nil.
func NewManager(joiner Joiner, logger *logging.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Manager{
		joiner:   joiner,
		logger:   logger,
		metrics:  m,
		channels: make(map[string]*managed),
	}
}

// Subscription is one subscriber's handle on a shared channel.
type Subscription struct {
	manager *Manager
	key     string
	id      uint64
	once    sync.Once
}

// Key returns the channel key.
func (s *Subscription) Key() string {
	return s.key
}

// Close removes the handler and leaves the channel when it was the last one.
// Closing twice is a no-op.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.manager.release(ctx, s.key, s.id)
	})
	return err
}

// Subscribe adds handler to the channel identified by key, joining it on first use.
func (m *Manager) Subscribe(ctx context.Context, key string, spec Spec, handler Handler) (*Subscription, error) {
	if key == "" {
		return nil, fmt.Errorf("channel key is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("realtime manager is closed")
	}

	mc, ok := m.channels[key]
	if !ok {
		topic := spec.Topic
		if topic == "" {
			topic = key
		}
		mc = &managed{
			key:      key,
			handlers: make(map[uint64]Handler),
			presence: make(map[string][]presenceMeta),
		}
		ch, err := m.joiner.Join(ctx, topic, spec, func(ev *client.RealtimeEvent) { m.dispatch(key, ev) })
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", key, err)
		}
		mc.ch = ch
		m.channels[key] = mc
		m.logger.WithFields(map[string]interface{}{"channel": key}).Info("realtime channel joined")
		m.reportChannels()
	}

	m.nextID++
	id := m.nextID
	if handler != nil {
		mc.handlers[id] = handler
	} else {
		mc.handlers[id] = func(*client.RealtimeEvent) {}
	}
	return &Subscription{manager: m, key: key, id: id}, nil
}

func (m *Manager) release(ctx context.Context, key string, id uint64) error {
	m.mu.Lock()
	mc, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(mc.handlers, id)
	if len(mc.handlers) > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, key)
	m.reportChannels()
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{"channel": key}).Info("realtime channel left")
	return mc.ch.Leave(ctx)
}

func (m *Manager) dispatch(key string, ev *client.RealtimeEvent) {
	m.mu.Lock()
	mc, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	switch ev.Event {
	case client.EventPresenceState:
		mc.presence = parsePresenceState(ev.Payload)
	case client.EventPresenceDiff:
		applyPresenceDiff(mc.presence, ev.Payload)
	}
	ids := make([]uint64, 0, len(mc.handlers))
	for id := range mc.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, mc.handlers[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// TrackPresence publishes meta as this process's presence on a subscribed channel.
func (m *Manager) TrackPresence(ctx context.Context, key string, meta map[string]any) error {
	m.mu.Lock()
	mc, ok := m.channels[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	return mc.ch.Track(ctx, meta)
}

// Online returns the sorted presence keys currently on the channel.
func (m *Manager) Online(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.channels[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(mc.presence))
	for k := range mc.presence {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats returns every joined channel key with its subscriber count.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.channels))
	for k, mc := range m.channels {
		out[k] = len(mc.handlers)
	}
	return out
}

// Close leaves every channel. Further subscriptions fail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	channels := m.channels
	m.channels = make(map[string]*managed)
	m.reportChannels()
	m.mu.Unlock()

	var errs []error
	for key, mc := range channels {
		if err := mc.ch.Leave(ctx); err != nil {
			errs = append(errs, fmt.Errorf("leave %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) reportChannels() {
	if m.metrics != nil {
		m.metrics.SetRealtimeChannels(len(m.channels))
	}
}

// parsePresenceState reads {"<key>": {"metas": [...]}}.
func parsePresenceState(payload map[string]any) map[string][]presenceMeta {
	state := make(map[string][]presenceMeta, len(payload))
	for key, raw := range payload {
		if metas := parseMetas(raw); len(metas) > 0 {
			state[key] = metas
		}
	}
	return state
}

// applyPresenceDiff applies {"joins": {...}, "leaves": {...}}.
func applyPresenceDiff(state map[string][]presenceMeta, payload map[string]any) {
	if joins, ok := payload["joins"].(map[string]any); ok {
		for key, raw := range joins {
			state[key] = append(state[key], parseMetas(raw)...)
		}
	}
	leaves, ok := payload["leaves"].(map[string]any)
	if !ok {
		return
	}
	for key, raw := range leaves {
		gone := make(map[string]bool)
		for _, pm := range parseMetas(raw) {
			gone[pm.ref] = true
		}
		kept := state[key][:0]
		for _, pm := range state[key] {
			if !gone[pm.ref] {
				kept = append(kept, pm)
			}
		}
		if len(kept) == 0 {
			delete(state, key)
		} else {
			state[key] = kept
		}
	}
}

func parseMetas(raw any) []presenceMeta {
	entry, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := entry["metas"].([]any)
	if !ok {
		return nil
	}
	out := make([]presenceMeta, 0, len(list))
	for _, item := range list {
		meta, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref, _ := meta["phx_ref"].(string)
		out = append(out, presenceMeta{ref: ref, meta: meta})
	}
	return out
}
