// Package healthprofile stores the health questionnaire of a user and
// reports how complete it is.
package healthprofile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/logging"
)

// maxDocumentBytes bounds the merged questionnaire.
const maxDocumentBytes = 64 << 10

type requiredField struct {
	path string
	// nonEmpty requires at least one element for arrays.
	nonEmpty bool
}

// Questionnaire fields that count towards completion. Empty medical lists
// are valid answers ("none"); goals need at least one entry.
var requiredFields = []requiredField{
	{path: "basics.age"},
	{path: "basics.gender"},
	{path: "basics.height"},
	{path: "basics.weight"},
	{path: "lifestyle.activity_level"},
	{path: "lifestyle.exercise_frequency"},
	{path: "lifestyle.sleep_hours"},
	{path: "lifestyle.stress_level"},
	{path: "lifestyle.diet_type"},
	{path: "lifestyle.smoking_status"},
	{path: "lifestyle.alcohol_consumption"},
	{path: "medical.chronic_conditions"},
	{path: "medical.medications"},
	{path: "medical.allergies"},
	{path: "goals", nonEmpty: true},
}

type numericBound struct {
	path     string
	min, max float64
}

var numericFields = []numericBound{
	{"basics.age", 1, 120},
	{"basics.height", 50, 260},
	{"basics.weight", 2, 400},
	{"lifestyle.sleep_hours", 0, 24},
	{"lifestyle.stress_level", 0, 10},
}

// Status summarises questionnaire completion.
type Status struct {
	Exists               bool      `json:"exists"`
	CompletionPercentage int       `json:"completion_percentage"`
	IsComplete           bool      `json:"is_complete"`
	MissingFields        []string  `json:"missing_fields"`
	BMI                  *float64  `json:"bmi"`
	UpdatedAt            time.Time `json:"updated_at,omitzero"`
}

// Service implements the questionnaire operations.
type Service struct {
	store  database.ProfileStore
	logger *logging.Logger
}

// New creates the service.
func New(store database.ProfileStore, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{store: store, logger: logger}
}

// Get returns the questionnaire of userID.
func (s *Service) Get(ctx context.Context, userID string) (*database.HealthProfile, error) {
	hp, err := s.store.GetHealthProfile(ctx, userID)
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("health profile")
	}
	return hp, err
}

// Save merges patch into the stored questionnaire. Nested objects merge key by
// key; a null value removes the key.
func (s *Service) Save(ctx context.Context, userID string, patch json.RawMessage) (*database.HealthProfile, error) {
	var changes map[string]any
	if err := json.Unmarshal(patch, &changes); err != nil || changes == nil {
		return nil, svcerrors.BadRequest("profile data must be a JSON object")
	}

	doc := map[string]any{}
	existing, err := s.store.GetHealthProfile(ctx, userID)
	switch {
	case err == nil:
		if len(existing.ProfileData) > 0 {
			if err := json.Unmarshal(existing.ProfileData, &doc); err != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("stored health profile is not an object, replacing it")
				doc = map[string]any{}
			}
		}
	case !database.IsNotFound(err):
		return nil, err
	}

	merge(doc, changes)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode health profile: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, svcerrors.BadRequest("health profile is too large")
	}
	if err := validate(data); err != nil {
		return nil, err
	}

	return s.store.UpsertHealthProfile(ctx, &database.HealthProfile{UserID: userID, ProfileData: data})
}

// Status reports completion of the questionnaire of userID.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	hp, err := s.store.GetHealthProfile(ctx, userID)
	if database.IsNotFound(err) {
		return Evaluate(nil), nil
	}
	if err != nil {
		return nil, err
	}
	st := Evaluate(hp.ProfileData)
	st.UpdatedAt = hp.UpdatedAt
	return st, nil
}

// Summary describes the questionnaire of userID in plain text; empty when there is none.
func (s *Service) Summary(ctx context.Context, userID string) (string, error) {
	hp, err := s.store.GetHealthProfile(ctx, userID)
	if database.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Describe(hp.ProfileData), nil
}

// Evaluate computes the status of a questionnaire document; nil means no profile.
func Evaluate(data json.RawMessage) *Status {
	st := &Status{MissingFields: []string{}}
	for _, f := range requiredFields {
		st.MissingFields = append(st.MissingFields, f.path)
	}
	if data == nil {
		return st
	}

	st.Exists = true
	st.MissingFields = st.MissingFields[:0]
	filled := 0
	for _, f := range requiredFields {
		if isFilled(gjson.GetBytes(data, f.path), f.nonEmpty) {
			filled++
		} else {
			st.MissingFields = append(st.MissingFields, f.path)
		}
	}
	st.CompletionPercentage = filled * 100 / len(requiredFields)
	st.IsComplete = filled == len(requiredFields)
	st.BMI = BMI(data)
	return st
}

// BMI is weight (kg) / height (m)², rounded to one decimal; nil unless both are set.
func BMI(data json.RawMessage) *float64 {
	h := gjson.GetBytes(data, "basics.height")
	w := gjson.GetBytes(data, "basics.weight")
	if h.Type != gjson.Number || w.Type != gjson.Number || h.Float() <= 0 || w.Float() <= 0 {
		return nil
	}
	m := h.Float() / 100
	bmi := math.Round(w.Float()/(m*m)*10) / 10
	return &bmi
}

func isFilled(r gjson.Result, nonEmpty bool) bool {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return false
	case r.Type == gjson.String:
		return strings.TrimSpace(r.String()) != ""
	case r.IsArray():
		return !nonEmpty || len(r.Array()) > 0
	}
	return true
}

func validate(data []byte) error {
	for _, f := range numericFields {
		r := gjson.GetBytes(data, f.path)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type != gjson.Number || r.Float() < f.min || r.Float() > f.max {
			return svcerrors.ValidationFailed(fmt.Sprintf("%s must be a number between %g and %g", f.path, f.min, f.max), nil).
				WithDetails("field", f.path)
		}
	}
	return nil
}

// merge applies src onto dst in place.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				merge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

var describedFields = []struct{ path, label string }{
	{"basics.age", "Age"},
	{"basics.gender", "Gender"},
	{"basics.height", "Height (cm)"},
	{"basics.weight", "Weight (kg)"},
	{"lifestyle.activity_level", "Activity level"},
	{"lifestyle.exercise_frequency", "Exercise frequency"},
	{"lifestyle.sleep_hours", "Sleep (hours)"},
	{"lifestyle.stress_level", "Stress level (0-10)"},
	{"lifestyle.diet_type", "Diet"},
	{"lifestyle.smoking_status", "Smoking"},
	{"lifestyle.alcohol_consumption", "Alcohol"},
	{"medical.chronic_conditions", "Chronic conditions"},
	{"medical.medications", "Medications"},
	{"medical.allergies", "Allergies"},
	{"medical.family_history", "Family history"},
	{"goals", "Goals"},
}

// Describe renders the answered questions one per line.
func Describe(data json.RawMessage) string {
	var b strings.Builder
	for _, f := range describedFields {
		r := gjson.GetBytes(data, f.path)
		if !isFilled(r, true) {
			continue
		}
		value := r.String()
		if r.IsArray() {
			parts := make([]string, 0, len(r.Array()))
			for _, item := range r.Array() {
				parts = append(parts, item.String())
			}
			value = strings.Join(parts, ", ")
		}
		fmt.Fprintf(&b, "%s: %s\n", f.label, value)
	}
	if bmi := BMI(data); bmi != nil {
		fmt.Fprintf(&b, "BMI: %.1f\n", *bmi)
	}
	return strings.TrimSpace(b.String())
}
