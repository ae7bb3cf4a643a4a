package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Phoenix protocol events used by Supabase Realtime.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"
	EventBroadcast       = "broadcast"
	EventPresence        = "presence"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
)

// ErrNotConnected is returned when a channel operation needs a live socket.
var ErrNotConnected = errors.New("realtime: not connected")

// RealtimeClient handles Supabase Realtime subscriptions over a single websocket.
type RealtimeClient struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	url      string
	apiKey   string
	conn     *websocket.Conn
	channels map[string]*Channel
	done     chan struct{}
	ref      int
	closed   bool

	dialer            *websocket.Dialer
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	onError           func(error)
}

// RealtimeOption customizes a RealtimeClient.
type RealtimeOption func(*RealtimeClient)

// WithHeartbeatInterval overrides the 30s heartbeat.
func WithHeartbeatInterval(d time.Duration) RealtimeOption {
	return func(r *RealtimeClient) { r.heartbeatInterval = d }
}

// WithReconnectDelay overrides the initial reconnect delay.
func WithReconnectDelay(d time.Duration) RealtimeOption {
	return func(r *RealtimeClient) { r.reconnectDelay = d }
}

// WithErrorHandler receives connection and join errors.
func WithErrorHandler(fn func(error)) RealtimeOption {
	return func(r *RealtimeClient) { r.onError = fn }
}

// EventHandler handles realtime events. Handlers run on the read loop and must not block.
type EventHandler func(event *RealtimeEvent)

// RealtimeEvent is a decoded Phoenix message.
type RealtimeEvent struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref,omitempty"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// ChangeType returns INSERT, UPDATE or DELETE for postgres_changes events.
func (e *RealtimeEvent) ChangeType() string {
	if data, ok := e.Payload["data"].(map[string]any); ok {
		if t, ok := data["type"].(string); ok {
			return t
		}
	}
	if t, ok := e.Payload["type"].(string); ok {
		return t
	}
	return ""
}

// Record returns the new row of a postgres_changes event.
func (e *RealtimeEvent) Record() map[string]any {
	return e.dataField("record")
}

// OldRecord returns the previous row of an UPDATE or DELETE event.
func (e *RealtimeEvent) OldRecord() map[string]any {
	return e.dataField("old_record")
}

// Table returns the table of a postgres_changes event.
func (e *RealtimeEvent) Table() string {
	if data, ok := e.Payload["data"].(map[string]any); ok {
		if t, ok := data["table"].(string); ok {
			return t
		}
	}
	return ""
}

func (e *RealtimeEvent) dataField(name string) map[string]any {
	if data, ok := e.Payload["data"].(map[string]any); ok {
		if rec, ok := data[name].(map[string]any); ok {
			return rec
		}
	}
	return nil
}

// PostgresChangesConfig configures a postgres changes subscription.
type PostgresChangesConfig struct {
	Event  string `json:"event"` // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"` // e.g. "user_id=eq.42"
}

// ChannelConfig is sent with phx_join.
type ChannelConfig struct {
	PostgresChanges []PostgresChangesConfig
	// PresenceKey identifies this client in presence state; empty disables tracking keys.
	PresenceKey   string
	BroadcastSelf bool
	Private       bool
}

func (cfg ChannelConfig) joinPayload(token string) map[string]any {
	changes := make([]PostgresChangesConfig, 0, len(cfg.PostgresChanges))
	for _, pc := range cfg.PostgresChanges {
		if pc.Schema == "" {
			pc.Schema = "public"
		}
		if pc.Event == "" {
			pc.Event = "*"
		}
		changes = append(changes, pc)
	}
	return map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": cfg.BroadcastSelf, "ack": false},
			"presence":         map[string]any{"key": cfg.PresenceKey},
			"postgres_changes": changes,
			"private":          cfg.Private,
		},
		"access_token": token,
	}
}

// Channel represents a realtime channel.
type Channel struct {
	client  *RealtimeClient
	topic   string
	config  ChannelConfig
	joined  bool
	joinRef string

	hmu      sync.RWMutex
	handlers map[string][]EventHandler
}

// NewRealtimeClient creates a new realtime client for a Supabase project URL.
func NewRealtimeClient(supabaseURL, apiKey string, opts ...RealtimeOption) *RealtimeClient {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"

	r := &RealtimeClient{
		url:               wsURL,
		apiKey:            apiKey,
		channels:          make(map[string]*Channel),
		done:              make(chan struct{}),
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeatInterval: 30 * time.Second,
		reconnectDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect establishes the WebSocket connection.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}
	if err := r.dialLocked(ctx); err != nil {
		return err
	}
	r.closed = false
	r.done = make(chan struct{})

	go r.handleMessages(r.conn, r.done)
	go r.heartbeat(r.done)
	return nil
}

func (r *RealtimeClient) dialLocked(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	r.conn = conn
	return nil
}

// Connected reports whether the socket is up.
func (r *RealtimeClient) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Disconnect closes the WebSocket connection and stops reconnecting.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	if r.conn == nil {
		return nil
	}

	r.writeMu.Lock()
	err := r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()
	r.conn.Close()
	r.conn = nil
	for _, ch := range r.channels {
		ch.joined = false
	}
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// Channel returns or creates a channel for topic. Supabase topics are prefixed with "realtime:".
func (r *RealtimeClient) Channel(topic string, cfg ChannelConfig) *Channel {
	if !strings.HasPrefix(topic, "realtime:") {
		topic = "realtime:" + topic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[topic]; ok {
		return ch
	}

	ch := &Channel{
		client:   r,
		topic:    topic,
		config:   cfg,
		handlers: make(map[string][]EventHandler),
	}
	r.channels[topic] = ch
	return ch
}

// Topic returns the full channel topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Joined reports whether phx_join has been sent on the current connection.
func (c *Channel) Joined() bool {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	return c.joined
}

// Subscribe joins the channel.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if c.joined {
		return nil
	}
	return c.joinLocked()
}

func (c *Channel) joinLocked() error {
	if c.client.conn == nil {
		return ErrNotConnected
	}
	ref := c.client.nextRefLocked()
	c.joinRef = ref

	msg := map[string]any{
		"topic":    c.topic,
		"event":    EventJoin,
		"payload":  c.config.joinPayload(c.client.apiKey),
		"ref":      ref,
		"join_ref": ref,
	}
	if err := c.client.writeJSONLocked(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	c.joined = true
	return nil
}

// Unsubscribe leaves the channel and forgets it.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	delete(c.client.channels, c.topic)
	if !c.joined {
		return nil
	}
	c.joined = false
	if c.client.conn == nil {
		return nil
	}

	msg := map[string]any{
		"topic":    c.topic,
		"event":    EventLeave,
		"payload":  map[string]any{},
		"ref":      c.client.nextRefLocked(),
		"join_ref": c.joinRef,
	}
	if err := c.client.writeJSONLocked(msg); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// Track publishes this client's presence metadata on the channel.
func (c *Channel) Track(ctx context.Context, meta map[string]any) error {
	return c.push(EventPresence, map[string]any{
		"type":    EventPresence,
		"event":   "track",
		"payload": meta,
	})
}

// Untrack removes this client's presence.
func (c *Channel) Untrack(ctx context.Context) error {
	return c.push(EventPresence, map[string]any{
		"type":  EventPresence,
		"event": "untrack",
	})
}

// Send broadcasts payload under event to the channel.
func (c *Channel) Send(ctx context.Context, event string, payload map[string]any) error {
	return c.push(EventBroadcast, map[string]any{
		"type":    EventBroadcast,
		"event":   event,
		"payload": payload,
	})
}

func (c *Channel) push(event string, payload map[string]any) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if !c.joined || c.client.conn == nil {
		return ErrNotConnected
	}
	return c.client.writeJSONLocked(map[string]any{
		"topic":    c.topic,
		"event":    event,
		"payload":  payload,
		"ref":      c.client.nextRefLocked(),
		"join_ref": c.joinRef,
	})
}

// On registers an event handler. Keys are Phoenix events, "postgres_changes:<TYPE>"
// for row changes and "broadcast:<event>" for broadcasts.
func (c *Channel) On(event string, handler EventHandler) *Channel {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
	return c
}

// OnPostgresChange registers a handler for a change type (INSERT, UPDATE, DELETE or *).
func (c *Channel) OnPostgresChange(changeType string, handler EventHandler) *Channel {
	if changeType == "" {
		changeType = "*"
	}
	return c.On(EventPostgresChanges+":"+strings.ToUpper(changeType), handler)
}

// OnBroadcast registers a handler for a broadcast event name.
func (c *Channel) OnBroadcast(event string, handler EventHandler) *Channel {
	return c.On(EventBroadcast+":"+event, handler)
}

// OnPresence registers a handler for presence_state and presence_diff.
func (c *Channel) OnPresence(handler EventHandler) *Channel {
	c.On(EventPresenceState, handler)
	return c.On(EventPresenceDiff, handler)
}

func (c *Channel) dispatch(event *RealtimeEvent) {
	keys := []string{event.Event}
	switch event.Event {
	case EventPostgresChanges:
		keys = []string{EventPostgresChanges + ":" + strings.ToUpper(event.ChangeType()), EventPostgresChanges + ":*"}
	case EventBroadcast:
		name, _ := event.Payload["event"].(string)
		keys = []string{EventBroadcast + ":" + name}
	}

	c.hmu.RLock()
	var handlers []EventHandler
	for _, k := range keys {
		handlers = append(handlers, c.handlers[k]...)
	}
	c.hmu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (r *RealtimeClient) handleMessages(conn *websocket.Conn, done chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			r.reportError(fmt.Errorf("realtime read: %w", err))
			go r.reconnect(done)
			return
		}

		var event RealtimeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		r.route(&event)
	}
}

func (r *RealtimeClient) route(event *RealtimeEvent) {
	r.mu.Lock()
	ch := r.channels[event.Topic]
	if ch != nil && event.Event == EventReply && event.Ref == ch.joinRef {
		if status, _ := event.Payload["status"].(string); status == "error" {
			ch.joined = false
			r.mu.Unlock()
			r.reportError(fmt.Errorf("realtime join %s rejected: %v", ch.topic, event.Payload["response"]))
			return
		}
	}
	if ch != nil && (event.Event == EventClose || event.Event == EventError) {
		ch.joined = false
	}
	r.mu.Unlock()

	if ch != nil {
		ch.dispatch(event)
	}
}

func (r *RealtimeClient) reconnect(done chan struct{}) {
	delay := r.reconnectDelay
	for {
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if r.conn != nil {
			r.conn.Close()
			r.conn = nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.dialLocked(ctx)
		cancel()
		if err != nil {
			r.mu.Unlock()
			r.reportError(err)
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		var joinErrs []error
		for _, ch := range r.channels {
			ch.joined = false
			if err := ch.joinLocked(); err != nil {
				joinErrs = append(joinErrs, err)
			}
		}
		conn := r.conn
		r.mu.Unlock()

		for _, err := range joinErrs {
			r.reportError(err)
		}

		go r.handleMessages(conn, done)
		return
	}
}

func (r *RealtimeClient) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != nil {
				msg := map[string]any{
					"topic":   "phoenix",
					"event":   EventHeartbeat,
					"payload": map[string]any{},
					"ref":     r.nextRefLocked(),
				}
				if err := r.writeJSONLocked(msg); err != nil {
					r.mu.Unlock()
					r.reportError(fmt.Errorf("heartbeat: %w", err))
					continue
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *RealtimeClient) nextRefLocked() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) writeJSONLocked(v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(v)
}

func (r *RealtimeClient) reportError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
