package biomarkers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/everliv/everliv-api/internal/llm"
)

// maxTextDocument bounds the text of a document pasted into the prompt.
const maxTextDocument = 60_000

// ErrNoBiomarkers is returned when a document yields no measurements.
var ErrNoBiomarkers = errors.New("no biomarkers found in document")

// Document is an uploaded lab report.
type Document struct {
	FileName    string
	ContentType string
	Data        []byte
	// AnalysisType is the user's label ("blood", "hormones", ...).
	AnalysisType string
}

func (d Document) isText() bool {
	return strings.HasPrefix(d.ContentType, "text/") || d.ContentType == "application/json"
}

// ExtractedValue is one measurement as read from the document.
type ExtractedValue struct {
	Name           string
	Value          string
	Unit           string
	ReferenceRange string
}

// Extraction is the result of reading a document.
type Extraction struct {
	Values   []ExtractedValue
	TakenAt  *time.Time
	Provider string
}

// Extractor reads measurements out of a document.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (*Extraction, error)
}

// LLMExtractor asks a chat model to transcribe the document as JSON.
type LLMExtractor struct {
	router   *llm.Router
	provider string
}

// NewLLMExtractor creates an extractor. provider may be empty for the router default.
func NewLLMExtractor(router *llm.Router, provider string) *LLMExtractor {
	return &LLMExtractor{router: router, provider: provider}
}

const extractionPrompt = `You read laboratory reports. Return a single JSON object:
{"analysis_date": "YYYY-MM-DD or null",
 "biomarkers": [{"name": "...", "value": "...", "unit": "...", "reference_range": "..."}]}
Copy names, values, units and reference ranges exactly as printed, one entry per measurement.
Do not interpret the results. If the document is not a lab report return {"biomarkers": []}.`

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, doc Document) (*Extraction, error) {
	user := llm.Message{Role: llm.RoleUser}
	var (
		client llm.Client
		err    error
	)
	if doc.isText() {
		if !utf8.Valid(doc.Data) {
			return nil, fmt.Errorf("document is not valid UTF-8 text")
		}
		text := string(doc.Data)
		if len(text) > maxTextDocument {
			text = strings.ToValidUTF8(text[:maxTextDocument], "")
		}
		user.Content = "Analysis type: " + doc.AnalysisType + "\n\n" + text
		client, err = e.router.Client(e.provider)
	} else {
		user.Content = "Analysis type: " + doc.AnalysisType + ". Transcribe the attached report."
		user.Attachment = &llm.Attachment{MediaType: doc.ContentType, Data: doc.Data}
		client, err = e.router.ForAttachment(e.provider, doc.ContentType)
	}
	if err != nil {
		return nil, err
	}

	temp := float32(0)
	out, err := e.router.ChatWith(ctx, client, []llm.Message{
		{Role: llm.RoleSystem, Content: extractionPrompt},
		user,
	}, llm.Params{Temperature: &temp, MaxTokens: 4096, JSON: true})
	if err != nil {
		return nil, err
	}

	ext, err := ParseExtraction(out.Content)
	if err != nil {
		return nil, err
	}
	ext.Provider = out.Provider
	if ext.Provider == "" {
		ext.Provider = client.Name()
	}
	return ext, nil
}

// ParseExtraction reads the model reply. Code fences and prose around the
// JSON object are tolerated; values may be numbers or strings.
func ParseExtraction(reply string) (*Extraction, error) {
	body := jsonObject(reply)
	if body == "" || !gjson.Valid(body) {
		return nil, fmt.Errorf("extraction reply is not JSON")
	}

	ext := &Extraction{}
	if d := gjson.Get(body, "analysis_date").String(); d != "" {
		if t, err := time.Parse("2006-01-02", d); err == nil {
			ext.TakenAt = &t
		}
	}
	gjson.Get(body, "biomarkers").ForEach(func(_, item gjson.Result) bool {
		v := ExtractedValue{
			Name:           strings.TrimSpace(item.Get("name").String()),
			Value:          strings.TrimSpace(item.Get("value").String()),
			Unit:           strings.TrimSpace(item.Get("unit").String()),
			ReferenceRange: strings.TrimSpace(item.Get("reference_range").String()),
		}
		if v.Name != "" && v.Value != "" {
			ext.Values = append(ext.Values, v)
		}
		return true
	})
	if len(ext.Values) == 0 {
		return nil, ErrNoBiomarkers
	}
	return ext, nil
}

func jsonObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
