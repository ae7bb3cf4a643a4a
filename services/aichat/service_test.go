package aichat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/llm"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/services/access"
	"github.com/everliv/everliv-api/services/biomarkers"
)

var testNow = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type scriptedLLM struct {
	name     string
	reply    string
	err      error
	requests [][]llm.Message
}

func (s *scriptedLLM) Name() string { return s.name }

func (s *scriptedLLM) Supports(_ string) bool { return false }

func (s *scriptedLLM) Chat(_ context.Context, messages []llm.Message, _ llm.Params) (*llm.Completion, error) {
	s.requests = append(s.requests, messages)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Completion{Content: s.reply, Provider: s.name, Model: s.name + "-model"}, nil
}

type fakeConsumer struct {
	allowed bool
	uses    int
}

func (f *fakeConsumer) Consume(_ context.Context, _, feature string) (*access.Decision, error) {
	d := &access.Decision{Feature: feature, Allowed: f.allowed, Source: access.SourcePlan, Limit: 10}
	if !f.allowed {
		d.Reason = access.ReasonLimitReached
		return d, d.Err()
	}
	f.uses++
	d.Used = f.uses
	d.Remaining = d.Limit - f.uses
	return d, nil
}

type fakeProfile struct{ summary string }

func (f fakeProfile) Summary(_ context.Context, _ string) (string, error) { return f.summary, nil }

type fakeResults struct{ items []database.Biomarker }

func (f fakeResults) Latest(_ context.Context, _ string) ([]database.Biomarker, error) {
	return f.items, nil
}

type fixture struct {
	svc      *Service
	repo     *database.MockRepository
	openai   *scriptedLLM
	claude   *scriptedLLM
	consumer *fakeConsumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := database.NewMockRepository()
	repo.Now = func() time.Time { return testNow }
	fx := &fixture{
		repo:     repo,
		openai:   &scriptedLLM{name: "openai", reply: "Drink water."},
		claude:   &scriptedLLM{name: "anthropic", reply: "Sleep more."},
		consumer: &fakeConsumer{allowed: true},
	}
	router := llm.NewRouter("openai", nil, nil, fx.openai, fx.claude)
	svc, err := New(Config{
		Store:   repo,
		LLM:     router,
		Access:  fx.consumer,
		Profile: fakeProfile{summary: "Age: 34\nBMI: 27.1"},
		Biomarkers: fakeResults{items: []database.Biomarker{
			{Name: "hemoglobin", DisplayName: "Hemoglobin", RawValue: "110", Unit: "g/L", ReferenceRange: "120-160", Status: biomarkers.StatusLow, MeasuredAt: testNow},
			{Name: "glucose", DisplayName: "Glucose", RawValue: "5.0", Unit: "mmol/L", ReferenceRange: "3.9-5.5", Status: biomarkers.StatusNormal, MeasuredAt: testNow},
		}},
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	fx.svc = svc
	return fx
}

func TestSend_NewConversation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	reply, err := fx.svc.Send(ctx, "u1", SendRequest{Message: "  Why is my hemoglobin low?  "})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.ConversationID)
	assert.Equal(t, "openai", reply.Provider)
	assert.Equal(t, "Drink water.", reply.Message.Content)
	assert.Equal(t, llm.RoleAssistant, reply.Message.Role)
	require.NotNil(t, reply.Remaining)
	assert.Equal(t, 9, *reply.Remaining)

	require.Len(t, fx.openai.requests, 1)
	sent := fx.openai.requests[0]
	require.Len(t, sent, 2)
	assert.Equal(t, llm.RoleSystem, sent[0].Role)
	assert.Contains(t, sent[0].Content, "BMI: 27.1")
	assert.Contains(t, sent[0].Content, "- Hemoglobin: 110 g/L (reference 120-160, low)")
	assert.NotContains(t, sent[0].Content, "Glucose", "normal values stay out of the prompt")
	assert.Equal(t, "Why is my hemoglobin low?", sent[1].Content)

	thread, err := fx.svc.Messages(ctx, "u1", reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Why is my hemoglobin low?", thread.Title)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, llm.RoleUser, thread.Messages[0].Role)
	assert.Equal(t, "openai", thread.Messages[1].Provider)
}

func TestSend_ContinuesConversationWithHistory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Send(ctx, "u1", SendRequest{Message: "Hello"})
	require.NoError(t, err)
	second, err := fx.svc.Send(ctx, "u1", SendRequest{ConversationID: first.ConversationID, Message: "And sleep?", Provider: "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, "Sleep more.", second.Message.Content)

	require.Len(t, fx.claude.requests, 1)
	sent := fx.claude.requests[0]
	require.Len(t, sent, 4, "system, previous user and assistant turns, new message")
	assert.Equal(t, "Hello", sent[1].Content)
	assert.Equal(t, "Drink water.", sent[2].Content)

	convs, err := fx.svc.Conversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestSend_HistoryIsBounded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	conv, err := fx.repo.CreateConversation(ctx, &database.Conversation{UserID: "u1", Title: "long"})
	require.NoError(t, err)
	var msgs []database.ChatMessage
	for i := 0; i < 30; i++ {
		msgs = append(msgs, database.ChatMessage{ConversationID: conv.ID, UserID: "u1", Role: llm.RoleUser, Content: "m", CreatedAt: testNow.Add(time.Duration(i) * time.Second)})
	}
	_, err = fx.repo.InsertMessages(ctx, msgs)
	require.NoError(t, err)

	_, err = fx.svc.Send(ctx, "u1", SendRequest{ConversationID: conv.ID, Message: "next"})
	require.NoError(t, err)
	assert.Len(t, fx.openai.requests[0], historyLimit+2)
}

func TestSend_Validation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, "u1", SendRequest{Message: "   "})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeValidation))

	_, err = fx.svc.Send(ctx, "u1", SendRequest{Message: strings.Repeat("я", MaxMessageChars+1)})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeValidation))

	_, err = fx.svc.Send(ctx, "u1", SendRequest{Message: strings.Repeat("я", MaxMessageChars)})
	assert.NoError(t, err, "the limit counts characters, not bytes")

	_, err = fx.svc.Send(ctx, "u2", SendRequest{ConversationID: "8a4a3a2e-1111-4c4c-9a9a-000000000000", Message: "hi"})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeNotFound))

	_, err = fx.svc.Send(ctx, "u1", SendRequest{Message: "hi", Provider: "gemini"})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))
}

func TestSend_AccessAndProviderFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.consumer.allowed = false
	_, err := fx.svc.Send(ctx, "u1", SendRequest{Message: "hi"})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodePaymentRequired))
	assert.Empty(t, fx.openai.requests, "denied requests never reach the provider")

	fx.consumer.allowed = true
	fx.openai.err = &llm.ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	_, err = fx.svc.Send(ctx, "u1", SendRequest{Message: "hi"})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUpstream))

	convs, err := fx.svc.Conversations(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, convs, "failed calls leave no conversation behind")

	fx.openai.err = nil
	fx.openai.reply = "   "
	_, err = fx.svc.Send(ctx, "u1", SendRequest{Message: "hi"})
	assert.True(t, errors.Is(err, llm.ErrEmptyCompletion))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "short question", title("short \n question"))
	long := strings.Repeat("слово ", 20)
	got := title(long)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len([]rune(got)), titleChars+1)
}

func TestHandlers(t *testing.T) {
	fx := newFixture(t)
	router := mux.NewRouter()
	fx.svc.RegisterRoutes(router)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req = req.WithContext(logging.WithUser(req.Context(), "u1", "authenticated", ""))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := do(http.MethodPost, "/chat", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var reply Reply
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reply))

	rr = do(http.MethodPost, "/chat", `{"message":"hello","conversation_id":"not-a-uuid"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(http.MethodGet, "/chat/conversations", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), reply.ConversationID)

	rr = do(http.MethodGet, "/chat/conversations/"+reply.ConversationID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var thread Thread
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &thread))
	assert.Len(t, thread.Messages, 2)

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/chat/conversations/"+reply.ConversationID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/chat/conversations/"+reply.ConversationID, "").Code)
}
