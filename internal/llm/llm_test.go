package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var err error
		body, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`))
	}))
	defer server.Close()

	c, err := NewOpenAIClient("sk-test", "gpt-4o-mini", server.URL+"/v1", 5*time.Second)
	require.NoError(t, err)

	out, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "extract"},
		{Role: RoleUser, Content: "see image", Attachment: &Attachment{MediaType: "image/png", Data: []byte{1, 2, 3}}},
	}, Params{JSON: true, MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, out.Content)
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, 12, out.InputTokens)
	assert.Equal(t, 5, out.OutputTokens)

	assert.Equal(t, "json_object", gjson.GetBytes(body, "response_format.type").String())
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "data:image/png;base64,AQID", gjson.GetBytes(body, "messages.1.content.1.image_url.url").String())
}

func TestOpenAIClient_RejectsPDF(t *testing.T) {
	c, err := NewOpenAIClient("sk-test", "", "http://127.0.0.1:1", time.Second)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "x", Attachment: &Attachment{MediaType: "application/pdf", Data: []byte("%PDF")}},
	}, Params{})
	assert.ErrorIs(t, err, ErrUnsupportedAttachment)
}

func TestOpenAIClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	c, err := NewOpenAIClient("sk-bad", "", server.URL+"/v1", time.Second)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.Equal(t, "bad key", perr.Message)
}

func TestAnthropicClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.System, "You are a doctor")
		assert.Contains(t, req.System, "single JSON object")
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "document", req.Messages[0].Content[0].Type)
		assert.Equal(t, "application/pdf", req.Messages[0].Content[0].Source.MediaType)
		assert.Equal(t, "text", req.Messages[0].Content[1].Type)

		_, _ = w.Write([]byte(`{"model":"claude","content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],"usage":{"input_tokens":7,"output_tokens":2}}`))
	}))
	defer server.Close()

	c, err := NewAnthropicClient("ak-test", "claude", server.URL, time.Second)
	require.NoError(t, err)

	out, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a doctor"},
		{Role: RoleUser, Content: "read this", Attachment: &Attachment{MediaType: "application/pdf", Data: []byte("%PDF")}},
	}, Params{JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Content)
	assert.Equal(t, 7, out.InputTokens)
}

func TestAnthropicClient_ErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	c, err := NewAnthropicClient("ak", "claude", server.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Equal(t, "slow down", perr.Message)
}

type fakeClient struct {
	name     string
	pdf      bool
	reply    string
	err      error
	received []Message
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Supports(mediaType string) bool {
	return mediaType == "image/png" || (f.pdf && mediaType == "application/pdf")
}

func (f *fakeClient) Chat(_ context.Context, messages []Message, _ Params) (*Completion, error) {
	f.received = messages
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Content: f.reply, Provider: f.name}, nil
}

func TestRouter(t *testing.T) {
	m := metrics.New()
	openai := &fakeClient{name: "openai", reply: "a"}
	anthropic := &fakeClient{name: "anthropic", pdf: true, err: errors.New("down")}
	r := NewRouter("openai", m, logging.NewDiscard(), openai, anthropic)

	assert.Equal(t, []string{"anthropic", "openai"}, r.Providers())
	assert.Equal(t, "openai", r.Default())

	out, err := r.Chat(context.Background(), "", []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	require.NoError(t, err)
	assert.Equal(t, "a", out.Content)

	_, err = r.Chat(context.Background(), "anthropic", nil, Params{})
	assert.Error(t, err)

	_, err = r.Chat(context.Background(), "gemini", nil, Params{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	c, err := r.ForAttachment("openai", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())

	_, err = r.ForAttachment("", "audio/wav")
	assert.ErrorIs(t, err, ErrUnsupportedAttachment)

	n, err := testutil.GatherAndCount(m.Registry(), "everliv_llm_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRouter_FallbackAndEmpty(t *testing.T) {
	r := NewRouter("openai", nil, nil, &fakeClient{name: "anthropic", reply: "x"})
	assert.Equal(t, "anthropic", r.Default())

	empty := NewRouter("openai", nil, nil)
	_, err := empty.Chat(context.Background(), "", nil, Params{})
	assert.ErrorIs(t, err, ErrNoProvider)
	_, err = empty.ForAttachment("", "image/png")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleSystem, Content: "b"},
	})
	assert.Equal(t, "a\n\nb", system)
	assert.Len(t, rest, 1)
}
