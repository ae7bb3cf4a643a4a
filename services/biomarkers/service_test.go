package biomarkers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/llm"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/services/access"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type fakeAccess struct {
	mu       sync.Mutex
	allowed  bool
	consumed int
}

func (f *fakeAccess) decision() *access.Decision {
	d := &access.Decision{Feature: access.FeatureBloodAnalysis, Plan: "basic", Allowed: f.allowed, Reason: access.ReasonIncluded}
	if !f.allowed {
		d.Plan = "free"
		d.Reason = access.ReasonTrialAvailable
		d.TrialAvailable = true
	}
	return d
}

func (f *fakeAccess) CheckAccess(_ context.Context, _, _ string) (*access.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decision(), nil
}

func (f *fakeAccess) Consume(_ context.Context, _, _ string) (*access.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.decision()
	if !d.Allowed {
		return d, d.Err()
	}
	f.consumed++
	return d, nil
}

type fakeFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: make(map[string][]byte)}
}

func (f *fakeFiles) Put(_ context.Context, path string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("storage down")
	}
	f.objects[path] = data
	return nil
}

func (f *fakeFiles) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	return nil
}

func (f *fakeFiles) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	return "https://storage.example.com/" + path + "?ttl=" + ttl.String(), nil
}

func (f *fakeFiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeExtractor struct {
	out     *Extraction
	err     error
	delay   time.Duration
	onStart func()
}

func (f *fakeExtractor) Extract(_ context.Context, _ Document) (*Extraction, error) {
	if f.onStart != nil {
		f.onStart()
	}
	time.Sleep(f.delay)
	return f.out, f.err
}

// cancelAwareStore fails updates on a finished context like the HTTP-backed repository does.
type cancelAwareStore struct {
	*database.MockRepository
}

func (c cancelAwareStore) UpdateAnalysis(ctx context.Context, id string, u database.AnalysisUpdate) (*database.MedicalAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MockRepository.UpdateAnalysis(ctx, id, u)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

type fixture struct {
	svc   *Service
	repo  *database.MockRepository
	acc   *fakeAccess
	files *fakeFiles
	ext   *fakeExtractor
	inv   *fakeInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := database.NewMockRepository()
	repo.Now = func() time.Time { return testNow }
	fx := &fixture{
		repo:  repo,
		acc:   &fakeAccess{allowed: true},
		files: newFakeFiles(),
		ext: &fakeExtractor{out: &Extraction{
			Provider: "openai",
			Values: []ExtractedValue{
				{Name: "Гемоглобин", Value: "110", Unit: "g/L", ReferenceRange: "120-160"},
				{Name: "Glucose", Value: "5,1", Unit: "mmol/L"},
				{Name: "HGB", Value: "111"},
				{Name: "Mystery marker", Value: "7", ReferenceRange: ""},
			},
		}},
		inv: &fakeInvalidator{},
	}
	svc, err := New(Config{
		Store:       repo,
		Files:       fx.files,
		Access:      fx.acc,
		Extractor:   fx.ext,
		Invalidator: fx.inv,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	fx.svc = svc
	return fx
}

var pdf = Upload{FileName: "blood.PDF", ContentType: "application/pdf", Data: []byte("%PDF-1.4 test")}

func TestUpload_ExtractsAndNormalizes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	detail, err := fx.svc.Upload(ctx, "u1", pdf)
	require.NoError(t, err)

	assert.Equal(t, database.AnalysisCompleted, detail.Status)
	assert.Equal(t, "blood", detail.AnalysisType)
	assert.Equal(t, "openai", detail.Provider)
	assert.True(t, strings.HasPrefix(detail.FilePath, "u1/"))
	assert.True(t, strings.HasSuffix(detail.FilePath, ".pdf"))
	assert.Equal(t, 1, fx.files.count())

	require.Len(t, detail.Biomarkers, 3, "duplicate hemoglobin is dropped")
	byName := map[string]database.Biomarker{}
	for _, b := range detail.Biomarkers {
		byName[b.Name] = b
	}

	hb := byName["hemoglobin"]
	assert.Equal(t, "Hemoglobin", hb.DisplayName)
	assert.Equal(t, StatusLow, hb.Status)
	require.NotNil(t, hb.Value)
	assert.Equal(t, 110.0, *hb.Value)
	assert.Equal(t, testNow, hb.MeasuredAt)

	glucose := byName["glucose"]
	assert.Equal(t, "3.9-5.5", glucose.ReferenceRange, "catalog range fills a missing one")
	assert.Equal(t, StatusNormal, glucose.Status)
	assert.Equal(t, "metabolic", glucose.Category)

	mystery := byName["mystery_marker"]
	assert.Equal(t, StatusUnknown, mystery.Status)
	assert.Equal(t, categoryOther, mystery.Category)

	require.NotNil(t, detail.Summary)
	assert.Equal(t, database.AnalysisSummary{Total: 3, Normal: 1, OutOfRange: 1, Unknown: 1}, *detail.Summary)

	assert.Equal(t, 1, fx.acc.consumed)
	assert.Equal(t, []string{"u1"}, fx.inv.users)
}

func TestUpload_UsesReportDate(t *testing.T) {
	fx := newFixture(t)
	taken := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fx.ext.out.TakenAt = &taken

	detail, err := fx.svc.Upload(context.Background(), "u1", pdf)
	require.NoError(t, err)
	for _, b := range detail.Biomarkers {
		assert.Equal(t, taken, b.MeasuredAt)
	}
}

func TestUpload_RequiresAccess(t *testing.T) {
	fx := newFixture(t)
	fx.acc.allowed = false

	_, err := fx.svc.Upload(context.Background(), "u1", pdf)
	require.Error(t, err)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodePaymentRequired))
	assert.Equal(t, 0, fx.files.count())

	list, err := fx.svc.ListAnalyses(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpload_RejectsBadFiles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Upload(ctx, "u1", Upload{FileName: "x.pdf", ContentType: "application/pdf"})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))

	_, err = fx.svc.Upload(ctx, "u1", Upload{FileName: "x.exe", ContentType: "application/x-msdownload", Data: []byte{0x4d, 0x5a, 0x90, 0x00}})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))

	_, err = fx.svc.Upload(ctx, "u1", Upload{FileName: "big.pdf", ContentType: "application/pdf", Data: make([]byte, MaxUploadBytes+1)})
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeBadRequest))
}

func TestUpload_SniffsGenericContentType(t *testing.T) {
	fx := newFixture(t)

	detail, err := fx.svc.Upload(context.Background(), "u1", Upload{
		FileName:    "scan",
		ContentType: "application/octet-stream",
		Data:        []byte("\x89PNG\r\n\x1a\n0000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", detail.ContentType)
	assert.True(t, strings.HasSuffix(detail.FilePath, ".png"))
}

func TestUpload_ExtractionFailureMarksAnalysisFailed(t *testing.T) {
	fx := newFixture(t)
	fx.ext.err = &llm.ProviderError{Provider: "openai", StatusCode: 500, Message: "boom"}
	ctx := context.Background()

	_, err := fx.svc.Upload(ctx, "u1", pdf)
	require.Error(t, err)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUpstream))

	list, err := fx.svc.ListAnalyses(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, database.AnalysisFailed, list[0].Status)
	require.NotNil(t, list[0].Error)
	assert.Contains(t, *list[0].Error, "boom")

	assert.Equal(t, 0, fx.acc.consumed, "failed uploads are not counted")
	assert.Empty(t, fx.inv.users)
}

func TestUpload_SingleTrialAllowsOneAnalysis(t *testing.T) {
	fx := newFixture(t)
	plans, err := config.LoadPlans("")
	require.NoError(t, err)
	acc, err := access.New(access.Config{Store: database.NewMockRepository(), Plans: plans})
	require.NoError(t, err)
	fx.svc.access = acc
	fx.ext.delay = 30 * time.Millisecond

	ctx := context.Background()
	_, err = acc.StartTrial(ctx, "u1", access.FeatureBloodAnalysis)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.svc.Upload(ctx, "u1", pdf)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, svcerrors.IsCode(err, svcerrors.CodePaymentRequired), err)
	}
	assert.Equal(t, 1, succeeded)

	list, err := fx.svc.ListAnalyses(ctx, "u1")
	require.NoError(t, err)
	completed := 0
	for _, a := range list {
		if a.Status == database.AnalysisCompleted {
			completed++
		} else {
			assert.Equal(t, database.AnalysisFailed, a.Status)
		}
	}
	assert.Equal(t, 1, completed)

	stored, err := fx.repo.ListBiomarkers(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestUpload_CancelledRequestStillMarksFailure(t *testing.T) {
	fx := newFixture(t)
	fx.svc.store = cancelAwareStore{fx.repo}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.ext.onStart = cancel
	fx.ext.err = context.Canceled

	_, err := fx.svc.Upload(ctx, "u1", pdf)
	require.Error(t, err)

	list, err := fx.svc.ListAnalyses(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, database.AnalysisFailed, list[0].Status)
}

func TestUpload_NoBiomarkers(t *testing.T) {
	fx := newFixture(t)
	fx.ext.err = ErrNoBiomarkers

	_, err := fx.svc.Upload(context.Background(), "u1", pdf)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeValidation))
}

func TestUpload_StorageFailure(t *testing.T) {
	fx := newFixture(t)
	fx.files.fail = true

	_, err := fx.svc.Upload(context.Background(), "u1", pdf)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUpstream))
}

func TestGetAndDeleteAnalysis(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	detail, err := fx.svc.Upload(ctx, "u1", pdf)
	require.NoError(t, err)

	got, err := fx.svc.GetAnalysis(ctx, "u1", detail.ID)
	require.NoError(t, err)
	assert.Len(t, got.Biomarkers, 3)

	_, err = fx.svc.GetAnalysis(ctx, "u2", detail.ID)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeNotFound))

	url, err := fx.svc.FileURL(ctx, "u1", detail.ID)
	require.NoError(t, err)
	assert.Contains(t, url, detail.FilePath)

	require.NoError(t, fx.svc.DeleteAnalysis(ctx, "u1", detail.ID))
	assert.Equal(t, 0, fx.files.count())
	assert.Equal(t, []string{"u1", "u1"}, fx.inv.users)

	err = fx.svc.DeleteAnalysis(ctx, "u1", detail.ID)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeNotFound))

	latest, err := fx.svc.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestHistoryAndLatest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fx.ext.out = &Extraction{TakenAt: &second, Values: []ExtractedValue{{Name: "hemoglobin", Value: "135"}}}
	_, err := fx.svc.Upload(ctx, "u1", pdf)
	require.NoError(t, err)
	fx.ext.out = &Extraction{TakenAt: &first, Values: []ExtractedValue{
		{Name: "hemoglobin", Value: "115"},
		{Name: "ferritin", Value: "20"},
	}}
	_, err = fx.svc.Upload(ctx, "u1", pdf)
	require.NoError(t, err)

	h, err := fx.svc.History(ctx, "u1", "Гемоглобин")
	require.NoError(t, err)
	assert.Equal(t, "hemoglobin", h.Name)
	assert.Equal(t, "blood", h.Category)
	require.Len(t, h.Points, 2)
	assert.Equal(t, first, h.Points[0].MeasuredAt)
	assert.Equal(t, StatusLow, h.Points[0].Status)
	assert.Equal(t, StatusNormal, h.Points[1].Status)

	latest, err := fx.svc.Latest(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "hemoglobin", latest[0].Name, "blood sorts before minerals")
	assert.Equal(t, "135", latest[0].RawValue)
	assert.Equal(t, "ferritin", latest[1].Name)

	empty, err := fx.svc.History(ctx, "u2", "hemoglobin")
	require.NoError(t, err)
	assert.Empty(t, empty.Points)
}

// =============================================================================
// Extraction
// =============================================================================

type scriptedLLM struct {
	name    string
	reply   string
	request []llm.Message
}

func (s *scriptedLLM) Name() string { return s.name }

func (s *scriptedLLM) Supports(mediaType string) bool { return strings.HasPrefix(mediaType, "image/") }

func (s *scriptedLLM) Chat(_ context.Context, messages []llm.Message, _ llm.Params) (*llm.Completion, error) {
	s.request = messages
	return &llm.Completion{Content: s.reply}, nil
}

func TestParseExtraction(t *testing.T) {
	reply := "```json\n" + `{"analysis_date": "2026-02-03", "biomarkers": [
		{"name": "Hemoglobin", "value": 135, "unit": "g/L", "reference_range": "120-160"},
		{"name": "CRP", "value": "<1", "unit": "mg/L"},
		{"name": "", "value": "1"},
		{"name": "Empty", "value": ""}
	]}` + "\n```"
	ext, err := ParseExtraction(reply)
	require.NoError(t, err)
	require.Len(t, ext.Values, 2)
	assert.Equal(t, "135", ext.Values[0].Value)
	assert.Equal(t, "<1", ext.Values[1].Value)
	require.NotNil(t, ext.TakenAt)
	assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), *ext.TakenAt)

	_, err = ParseExtraction(`{"biomarkers": []}`)
	assert.ErrorIs(t, err, ErrNoBiomarkers)

	_, err = ParseExtraction("I cannot read this")
	assert.Error(t, err)
}

func TestLLMExtractor(t *testing.T) {
	model := &scriptedLLM{name: "openai", reply: `{"analysis_date": null, "biomarkers": [{"name": "Glucose", "value": "5.0"}]}`}
	router := llm.NewRouter("openai", nil, nil, model)
	ex := NewLLMExtractor(router, "")

	ext, err := ex.Extract(context.Background(), Document{ContentType: "text/plain", Data: []byte("Glucose 5.0 mmol/L"), AnalysisType: "blood"})
	require.NoError(t, err)
	assert.Equal(t, "openai", ext.Provider)
	assert.Nil(t, ext.TakenAt)
	require.Len(t, model.request, 2)
	assert.Equal(t, llm.RoleSystem, model.request[0].Role)
	assert.Contains(t, model.request[1].Content, "Glucose 5.0 mmol/L")
	assert.Nil(t, model.request[1].Attachment)

	_, err = ex.Extract(context.Background(), Document{ContentType: "image/png", Data: []byte("png")})
	require.NoError(t, err)
	require.NotNil(t, model.request[1].Attachment)
	assert.Equal(t, "image/png", model.request[1].Attachment.MediaType)

	_, err = ex.Extract(context.Background(), Document{ContentType: "application/pdf", Data: []byte("%PDF")})
	assert.ErrorIs(t, err, llm.ErrUnsupportedAttachment)
}

// =============================================================================
// HTTP
// =============================================================================

func serve(t *testing.T, svc *Service, req *http.Request, userID string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	svc.RegisterRoutes(router)
	if userID != "" {
		req = req.WithContext(logging.WithUser(req.Context(), userID, "authenticated", userID+"@example.com"))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func multipartUpload(t *testing.T, fileName, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("analysis_type", "blood"))
	if fileName != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + fileName + `"`}
		h["Content-Type"] = []string{contentType}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/analyses", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleUpload(t *testing.T) {
	fx := newFixture(t)

	rr := serve(t, fx.svc, multipartUpload(t, "report.pdf", "application/pdf", pdf.Data), "u1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var detail AnalysisDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, "report.pdf", detail.FileName)
	assert.Len(t, detail.Biomarkers, 3)

	rr = serve(t, fx.svc, multipartUpload(t, "", "", nil), "u1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodPost, "/analyses", strings.NewReader("{}")), "u1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, fx.svc, multipartUpload(t, "report.pdf", "application/pdf", pdf.Data), "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	fx.acc.allowed = false
	rr = serve(t, fx.svc, multipartUpload(t, "report.pdf", "application/pdf", pdf.Data), "u1")
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
}

func TestHandleQueries(t *testing.T) {
	fx := newFixture(t)
	detail, err := fx.svc.Upload(context.Background(), "u1", pdf)
	require.NoError(t, err)

	rr := serve(t, fx.svc, httptest.NewRequest(http.MethodGet, "/analyses", nil), "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []database.MedicalAnalysis
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodGet, "/analyses/"+detail.ID, nil), "u1")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodGet, "/analyses/"+detail.ID+"/file", nil), "u1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "url")

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodGet, "/biomarkers/latest", nil), "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var latest []database.Biomarker
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &latest))
	assert.Len(t, latest, 3)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodGet, "/biomarkers/hemoglobin/history", nil), "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var h History
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	assert.Len(t, h.Points, 1)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodGet, "/biomarkers/catalog", nil), "u1")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodDelete, "/analyses/"+detail.ID, nil), "u2")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, fx.svc, httptest.NewRequest(http.MethodDelete, "/analyses/"+detail.ID, nil), "u1")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
