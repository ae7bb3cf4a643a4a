package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePhoenix is a minimal Realtime server: it records inbound frames and lets
// tests push frames to the connected client.
type fakePhoenix struct {
	server   *httptest.Server
	inbound  chan map[string]any
	mu       sync.Mutex
	conn     *websocket.Conn
	rawQuery string
}

func newFakePhoenix(t *testing.T) *fakePhoenix {
	t.Helper()
	f := &fakePhoenix{inbound: make(chan map[string]any, 32)}
	upgrader := websocket.Upgrader{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.rawQuery = r.URL.RawQuery
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.inbound <- msg
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePhoenix) query() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawQuery
}

func (f *fakePhoenix) push(t *testing.T, msg map[string]any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, f.conn.WriteJSON(msg))
}

func (f *fakePhoenix) next(t *testing.T, event string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.inbound:
			if msg["event"] == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s frame received", event)
			return nil
		}
	}
}

func TestRealtime_JoinDispatchLeave(t *testing.T) {
	f := newFakePhoenix(t)
	rt := NewRealtimeClient(f.server.URL, "anon-key", WithHeartbeatInterval(20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	assert.True(t, rt.Connected())
	assert.Contains(t, f.query(), "apikey=anon-key")

	changes := make(chan *RealtimeEvent, 4)
	broadcasts := make(chan *RealtimeEvent, 4)

	ch := rt.Channel("biomarkers:u1", ChannelConfig{
		PostgresChanges: []PostgresChangesConfig{{Event: "INSERT", Table: "biomarkers", Filter: "user_id=eq.u1"}},
		PresenceKey:     "u1",
	})
	assert.Equal(t, "realtime:biomarkers:u1", ch.Topic())
	assert.Same(t, ch, rt.Channel("realtime:biomarkers:u1", ChannelConfig{}))

	ch.OnPostgresChange("INSERT", func(e *RealtimeEvent) { changes <- e })
	ch.OnPostgresChange("DELETE", func(e *RealtimeEvent) { t.Errorf("DELETE handler called") })
	ch.OnBroadcast("ping", func(e *RealtimeEvent) { broadcasts <- e })

	require.NoError(t, ch.Subscribe(ctx))
	assert.True(t, ch.Joined())

	join := f.next(t, EventJoin)
	assert.Equal(t, "realtime:biomarkers:u1", join["topic"])
	cfg := join["payload"].(map[string]any)["config"].(map[string]any)
	pg := cfg["postgres_changes"].([]any)[0].(map[string]any)
	assert.Equal(t, "public", pg["schema"])
	assert.Equal(t, "biomarkers", pg["table"])
	assert.Equal(t, "u1", cfg["presence"].(map[string]any)["key"])

	f.push(t, map[string]any{
		"topic": "realtime:biomarkers:u1",
		"event": EventPostgresChanges,
		"payload": map[string]any{
			"ids": []any{1},
			"data": map[string]any{
				"type":   "INSERT",
				"table":  "biomarkers",
				"record": map[string]any{"name": "glucose", "value": 5.1},
			},
		},
	})
	select {
	case e := <-changes:
		assert.Equal(t, "INSERT", e.ChangeType())
		assert.Equal(t, "biomarkers", e.Table())
		assert.Equal(t, "glucose", e.Record()["name"])
		assert.Nil(t, e.OldRecord())
	case <-time.After(2 * time.Second):
		t.Fatal("postgres change not dispatched")
	}

	f.push(t, map[string]any{
		"topic":   "realtime:biomarkers:u1",
		"event":   EventBroadcast,
		"payload": map[string]any{"type": "broadcast", "event": "ping", "payload": map[string]any{"n": 1}},
	})
	select {
	case e := <-broadcasts:
		assert.Equal(t, "ping", e.Payload["event"])
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not dispatched")
	}

	require.NoError(t, ch.Track(ctx, map[string]any{"online_at": "now"}))
	track := f.next(t, EventPresence)
	assert.Equal(t, "track", track["payload"].(map[string]any)["event"])

	require.NoError(t, ch.Send(ctx, "ping", map[string]any{"n": 2}))
	f.next(t, EventBroadcast)

	hb := f.next(t, EventHeartbeat)
	assert.Equal(t, "phoenix", hb["topic"])

	require.NoError(t, ch.Unsubscribe(ctx))
	leave := f.next(t, EventLeave)
	assert.Equal(t, join["ref"], leave["join_ref"])
	assert.False(t, ch.Joined())
}

func TestRealtime_JoinRejected(t *testing.T) {
	f := newFakePhoenix(t)
	errs := make(chan error, 1)
	rt := NewRealtimeClient(f.server.URL, "anon-key", WithErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	}))
	ctx := context.Background()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	ch := rt.Channel("private", ChannelConfig{Private: true})
	require.NoError(t, ch.Subscribe(ctx))
	join := f.next(t, EventJoin)

	f.push(t, map[string]any{
		"topic":   ch.Topic(),
		"event":   EventReply,
		"ref":     join["ref"],
		"payload": map[string]any{"status": "error", "response": map[string]any{"reason": "unauthorized"}},
	})

	select {
	case err := <-errs:
		assert.True(t, strings.Contains(err.Error(), "rejected"))
	case <-time.After(2 * time.Second):
		t.Fatal("join rejection not reported")
	}
	assert.False(t, ch.Joined())
	assert.ErrorIs(t, ch.Send(ctx, "x", nil), ErrNotConnected)
}

func TestRealtime_ReconnectRejoinsWhileChannelsChange(t *testing.T) {
	f := newFakePhoenix(t)
	rt := NewRealtimeClient(f.server.URL, "anon-key",
		WithReconnectDelay(10*time.Millisecond),
		WithErrorHandler(func(error) {}))
	ctx := context.Background()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	for _, topic := range []string{"biomarkers", "presence"} {
		require.NoError(t, rt.Channel(topic, ChannelConfig{}).Subscribe(ctx))
		f.next(t, EventJoin)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ch := rt.Channel("scratch-"+strconv.Itoa(i%4), ChannelConfig{})
			_ = ch.Unsubscribe(ctx)
		}
	}()

	f.mu.Lock()
	require.NoError(t, f.conn.Close())
	f.mu.Unlock()

	rejoined := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !rejoined["realtime:biomarkers"] || !rejoined["realtime:presence"] {
		select {
		case msg := <-f.inbound:
			if msg["event"] == EventJoin {
				rejoined[msg["topic"].(string)] = true
			}
		case <-deadline:
			t.Fatalf("channels not rejoined: %v", rejoined)
		}
	}
	close(stop)
	wg.Wait()
	assert.True(t, rt.Connected())
}

func TestRealtime_SubscribeWithoutConnection(t *testing.T) {
	rt := NewRealtimeClient("https://project.supabase.co", "anon-key")
	assert.Equal(t, "wss://project.supabase.co/realtime/v1/websocket?apikey=anon-key&vsn=1.0.0", rt.url)

	ch := rt.Channel("x", ChannelConfig{})
	assert.ErrorIs(t, ch.Subscribe(context.Background()), ErrNotConnected)
	assert.NoError(t, rt.Disconnect())
}
