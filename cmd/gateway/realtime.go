package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/everliv/everliv-api/internal/database"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/realtime"
	"github.com/everliv/everliv-api/supabase/client"
)

// invalidator drops cached analytics of a user.
type invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// invalidationTables are the tables whose changes make a cached report stale.
var invalidationTables = []string{
	database.TableBiomarkers,
	database.TableAnalyses,
	database.TableHealthProfiles,
}

// invalidationWindow batches row changes so a multi-row upload invalidates a user once.
const invalidationWindow = 500 * time.Millisecond

func (a *app) startRealtime(ctx context.Context) error {
	if err := a.realtimeClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	queue := newInvalidationQueue(a.analytics, a.logger, invalidationWindow)
	a.base.AddWorker(func(ctx context.Context) { queue.run(ctx, a.base.StopChan()) })

	changes := make([]client.PostgresChangesConfig, 0, len(invalidationTables))
	for _, table := range invalidationTables {
		changes = append(changes, client.PostgresChangesConfig{Event: "*", Schema: "public", Table: table})
	}
	if _, err := a.realtime.Subscribe(ctx, "analytics-invalidation", realtime.Spec{
		PostgresChanges: changes,
	}, invalidationHandler(queue)); err != nil {
		return err
	}

	_, err := a.realtime.Subscribe(ctx, presenceChannel, realtime.Spec{
		Presence:    true,
		PresenceKey: "gateway",
	}, nil)
	return err
}

// invalidationHandler maps row changes onto the owning user's cached report.
// It only enqueues; the websocket read loop never waits on the database.
func invalidationHandler(q *invalidationQueue) realtime.Handler {
	return func(ev *client.RealtimeEvent) {
		if userID := ownerOf(ev); userID != "" {
			q.add(userID)
		}
	}
}

// invalidationQueue collects users with changed rows and invalidates each one
// once per window.
type invalidationQueue struct {
	inv    invalidator
	logger *logging.Logger
	window time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
}

func newInvalidationQueue(inv invalidator, logger *logging.Logger, window time.Duration) *invalidationQueue {
	return &invalidationQueue{
		inv:     inv,
		logger:  logger,
		window:  window,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (q *invalidationQueue) add(userID string) {
	q.mu.Lock()
	q.pending[userID] = struct{}{}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run flushes the queue a window after the first change until ctx is done or
// stop is closed; whatever is still pending is flushed on the way out.
func (q *invalidationQueue) run(ctx context.Context, stop <-chan struct{}) {
	defer q.flush(context.WithoutCancel(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-q.wake:
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(q.window):
		}
		q.flush(ctx)
	}
}

func (q *invalidationQueue) flush(ctx context.Context) {
	q.mu.Lock()
	users := make([]string, 0, len(q.pending))
	for id := range q.pending {
		users = append(users, id)
	}
	q.pending = make(map[string]struct{})
	q.mu.Unlock()

	sort.Strings(users)
	for _, userID := range users {
		uctx := logging.WithUser(ctx, userID, "", "")
		if err := q.inv.Invalidate(uctx, userID); err != nil {
			q.logger.WithContext(uctx).WithError(err).Warn("analytics invalidation failed")
		}
	}
}

// ownerOf returns the user_id of the changed row. Deletes only carry the old record.
func ownerOf(ev *client.RealtimeEvent) string {
	for _, rec := range []map[string]any{ev.Record(), ev.OldRecord()} {
		if id, ok := rec["user_id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
