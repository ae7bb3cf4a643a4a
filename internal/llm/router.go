package llm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
)

// Router dispatches chat requests to named providers.
type Router struct {
	clients  map[string]Client
	fallback string
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// NewRouter creates a router. preferred is used when callers do not name a
// provider; when it is not configured the first configured provider by name is used.
func NewRouter(preferred string, m *metrics.Metrics, logger *logging.Logger, clients ...Client) *Router {
	r := &Router{clients: make(map[string]Client, len(clients)), metrics: m, logger: logger}
	for _, c := range clients {
		if c != nil {
			r.clients[c.Name()] = c
		}
	}
	if _, ok := r.clients[preferred]; ok {
		r.fallback = preferred
	} else if names := r.Providers(); len(names) > 0 {
		r.fallback = names[0]
	}
	return r
}

// Providers lists the configured provider names.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the provider used when none is named.
func (r *Router) Default() string {
	return r.fallback
}

// Client resolves a provider by name; "" means the default.
func (r *Router) Client(name string) (Client, error) {
	if name == "" {
		name = r.fallback
	}
	if name == "" {
		return nil, ErrNoProvider
	}
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return c, nil
}

// ForAttachment picks a provider able to read mediaType, preferring name.
func (r *Router) ForAttachment(name, mediaType string) (Client, error) {
	if c, err := r.Client(name); err == nil && c.Supports(mediaType) {
		return c, nil
	}
	for _, n := range r.Providers() {
		if c := r.clients[n]; c.Supports(mediaType) {
			return c, nil
		}
	}
	if len(r.clients) == 0 {
		return nil, ErrNoProvider
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAttachment, mediaType)
}

// Chat sends messages to the named provider and records the call.
func (r *Router) Chat(ctx context.Context, provider string, messages []Message, params Params) (*Completion, error) {
	c, err := r.Client(provider)
	if err != nil {
		return nil, err
	}
	return r.ChatWith(ctx, c, messages, params)
}

// ChatWith sends messages to c and records the call.
func (r *Router) ChatWith(ctx context.Context, c Client, messages []Message, params Params) (*Completion, error) {
	start := time.Now()
	out, err := c.Chat(ctx, messages, params)
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordLLMCall(c.Name(), elapsed, err)
	}
	if r.logger != nil {
		entry := r.logger.WithContext(ctx).WithField("provider", c.Name()).WithField("duration_ms", elapsed.Milliseconds())
		if err != nil {
			entry.WithError(err).Warn("llm call failed")
		} else {
			entry.WithField("output_tokens", out.OutputTokens).Debug("llm call completed")
		}
	}
	return out, err
}
