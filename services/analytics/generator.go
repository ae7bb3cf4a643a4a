package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/everliv/everliv-api/internal/database"
	"github.com/everliv/everliv-api/services/biomarkers"
	"github.com/everliv/everliv-api/services/healthprofile"
)

// Risk levels.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendWorsening = "worsening"
	TrendStable    = "stable"
)

const (
	categoryPenalty = 5
	trendTolerance  = 0.05
)

// Report is the analytics summary of one user.
type Report struct {
	TotalBiomarkers  int              `json:"total_biomarkers"`
	Evaluated        int              `json:"evaluated"`
	NormalCount      int              `json:"normal_count"`
	AttentionCount   int              `json:"attention_count"`
	HealthScore      int              `json:"health_score"`
	RiskLevel        string           `json:"risk_level"`
	Categories       []CategoryReport `json:"categories"`
	Trends           []Trend          `json:"trends"`
	TrendsLocked     bool             `json:"trends_locked,omitempty"`
	Recommendations  []Recommendation `json:"recommendations"`
	LastAnalysisDate *time.Time       `json:"last_analysis_date"`
	ProfileComplete  bool             `json:"profile_complete"`
	BMI              *float64         `json:"bmi,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// CategoryReport groups the latest values of one category.
type CategoryReport struct {
	Category  string `json:"category"`
	Total     int    `json:"total"`
	Normal    int    `json:"normal"`
	Attention int    `json:"attention"`
	Risk      string `json:"risk"`
}

// Trend compares the two most recent values of a biomarker.
type Trend struct {
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	Direction     string    `json:"direction"`
	Previous      float64   `json:"previous"`
	Current       float64   `json:"current"`
	ChangePercent float64   `json:"change_percent"`
	PreviousAt    time.Time `json:"previous_at"`
	CurrentAt     time.Time `json:"current_at"`
	Status        string    `json:"status"`
}

// Recommendation is advice for an out-of-range biomarker or the profile.
type Recommendation struct {
	Category  string `json:"category"`
	Biomarker string `json:"biomarker,omitempty"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority"`
	Text      string `json:"text"`
}

// Generate builds the report from every stored measurement of a user. health may be nil.
func Generate(items []database.Biomarker, health *healthprofile.Status) *Report {
	r := &Report{
		Categories:      []CategoryReport{},
		Trends:          []Trend{},
		Recommendations: []Recommendation{},
	}
	latest := biomarkers.LatestPerName(items)
	r.TotalBiomarkers = len(latest)

	cats := map[string]*CategoryReport{}
	for _, b := range latest {
		c, ok := cats[b.Category]
		if !ok {
			c = &CategoryReport{Category: b.Category}
			cats[b.Category] = c
		}
		c.Total++
		switch b.Status {
		case biomarkers.StatusNormal:
			c.Normal++
			r.NormalCount++
		case biomarkers.StatusLow, biomarkers.StatusHigh:
			c.Attention++
			r.AttentionCount++
		}
		if r.LastAnalysisDate == nil || b.MeasuredAt.After(*r.LastAnalysisDate) {
			at := b.MeasuredAt
			r.LastAnalysisDate = &at
		}
	}
	r.Evaluated = r.NormalCount + r.AttentionCount

	highRisk := 0
	for _, c := range cats {
		c.Risk = categoryRisk(c)
		if c.Risk == RiskHigh {
			highRisk++
		}
		r.Categories = append(r.Categories, *c)
	}
	sort.Slice(r.Categories, func(i, j int) bool { return r.Categories[i].Category < r.Categories[j].Category })

	if r.Evaluated == 0 {
		r.RiskLevel = RiskUnknown
	} else {
		score := int(math.Round(100*float64(r.NormalCount)/float64(r.Evaluated))) - categoryPenalty*highRisk
		r.HealthScore = min(max(score, 0), 100)
		r.RiskLevel = riskLevel(r.HealthScore)
	}

	r.Trends = trends(items)
	r.Recommendations = recommend(latest, cats, health)
	if health != nil {
		r.ProfileComplete = health.IsComplete
		r.BMI = health.BMI
	}
	return r
}

func riskLevel(score int) string {
	switch {
	case score >= 80:
		return RiskLow
	case score >= 60:
		return RiskMedium
	}
	return RiskHigh
}

// categoryRisk is high when at least half of the evaluated values are out of range.
func categoryRisk(c *CategoryReport) string {
	evaluated := c.Normal + c.Attention
	switch {
	case evaluated == 0:
		return RiskUnknown
	case c.Attention == 0:
		return RiskLow
	case c.Attention*2 >= evaluated:
		return RiskHigh
	}
	return RiskMedium
}

func trends(items []database.Biomarker) []Trend {
	series := map[string][]database.Biomarker{}
	for _, b := range items {
		if b.Value != nil {
			series[b.Name] = append(series[b.Name], b)
		}
	}

	out := []Trend{}
	for name, s := range series {
		if len(s) < 2 {
			continue
		}
		sort.SliceStable(s, func(i, j int) bool { return s[i].MeasuredAt.Before(s[j].MeasuredAt) })
		prev, cur := s[len(s)-2], s[len(s)-1]
		rng, ok := biomarkers.ParseRange(cur.ReferenceRange)
		if !ok {
			continue
		}
		t := Trend{
			Name:        name,
			DisplayName: cur.DisplayName,
			Direction:   direction(rng, *prev.Value, *cur.Value),
			Previous:    *prev.Value,
			Current:     *cur.Value,
			PreviousAt:  prev.MeasuredAt,
			CurrentAt:   cur.MeasuredAt,
			Status:      cur.Status,
		}
		if *prev.Value != 0 {
			t.ChangePercent = math.Round((*cur.Value-*prev.Value)/math.Abs(*prev.Value)*1000) / 10
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// direction compares the distance of both values to the range target. Changes
// within 5% of the target are stable, as is any change inside a one-sided range.
func direction(rng biomarkers.Range, prev, cur float64) string {
	target, _ := rng.Midpoint()
	oneSided := rng.Min == nil || rng.Max == nil
	if oneSided && rng.Status(prev) == biomarkers.StatusNormal && rng.Status(cur) == biomarkers.StatusNormal {
		return TrendStable
	}
	tolerance := trendTolerance * math.Abs(target)
	if target == 0 {
		tolerance = trendTolerance
	}
	dPrev := math.Abs(prev - target)
	dCur := math.Abs(cur - target)
	switch {
	case math.Abs(dCur-dPrev) <= tolerance:
		return TrendStable
	case dCur < dPrev:
		return TrendImproving
	}
	return TrendWorsening
}

var categoryAdvice = map[string]map[string]string{
	"blood": {
		biomarkers.StatusLow:  "Low blood counts can point to anemia or nutrient deficiency. Discuss a complete blood count and iron panel with your doctor.",
		biomarkers.StatusHigh: "Elevated blood counts are worth reviewing with your doctor, together with hydration and recent infections.",
	},
	"inflammation": {
		biomarkers.StatusHigh: "Inflammation markers are elevated. Recheck after recovery from any acute illness and discuss persistent elevation with your doctor.",
	},
	"metabolic": {
		biomarkers.StatusLow:  "Low glucose values: keep regular meals and mention any episodes of weakness or dizziness to your doctor.",
		biomarkers.StatusHigh: "Elevated glucose markers: reduce refined carbohydrates, increase activity and ask about an HbA1c or glucose tolerance test.",
	},
	"lipids": {
		biomarkers.StatusLow:  "HDL below target: regular aerobic exercise and unsaturated fats help raise it.",
		biomarkers.StatusHigh: "Lipids above target: favour fibre, fish and unsaturated fats, limit saturated fat and discuss cardiovascular risk with your doctor.",
	},
	"liver": {
		biomarkers.StatusHigh: "Liver enzymes are elevated: limit alcohol, review medications and supplements, and repeat the test.",
	},
	"kidney": {
		biomarkers.StatusLow:  "Low kidney markers are usually benign but worth mentioning together with diet and muscle mass.",
		biomarkers.StatusHigh: "Kidney markers are elevated: stay hydrated, moderate protein intake and review results with your doctor.",
	},
	"thyroid": {
		biomarkers.StatusLow:  "Thyroid values are outside the range. An endocrinologist can interpret them together with symptoms.",
		biomarkers.StatusHigh: "Thyroid values are outside the range. An endocrinologist can interpret them together with symptoms.",
	},
	"vitamins": {
		biomarkers.StatusLow:  "Vitamin levels are low: review diet and sun exposure and discuss supplementation with your doctor.",
		biomarkers.StatusHigh: "Vitamin levels are high: check the dose of any supplements you take.",
	},
	"minerals": {
		biomarkers.StatusLow:  "Mineral stores are low: include iron- and magnesium-rich foods and discuss supplementation with your doctor.",
		biomarkers.StatusHigh: "Mineral levels are high: review supplements and discuss the result with your doctor.",
	},
	"hormones": {
		biomarkers.StatusLow:  "Hormone levels are outside the range; sleep, stress and training load affect them. Discuss with your doctor.",
		biomarkers.StatusHigh: "Hormone levels are outside the range; sleep, stress and training load affect them. Discuss with your doctor.",
	},
}

const genericAdvice = "This value is outside the reference range. Discuss it with your doctor."

func recommend(latest []database.Biomarker, cats map[string]*CategoryReport, health *healthprofile.Status) []Recommendation {
	out := []Recommendation{}
	for _, b := range latest {
		if b.Status != biomarkers.StatusLow && b.Status != biomarkers.StatusHigh {
			continue
		}
		text := genericAdvice
		if advice, ok := categoryAdvice[b.Category][b.Status]; ok {
			text = advice
		}
		priority := RiskMedium
		if c := cats[b.Category]; c != nil && c.Risk == RiskHigh {
			priority = RiskHigh
		}
		out = append(out, Recommendation{
			Category:  b.Category,
			Biomarker: b.DisplayName,
			Status:    b.Status,
			Priority:  priority,
			Text:      text,
		})
	}

	if health != nil {
		if !health.IsComplete {
			out = append(out, Recommendation{
				Category: "profile",
				Priority: RiskLow,
				Text:     "Complete your health profile for more precise recommendations.",
			})
		}
		if health.BMI != nil && (*health.BMI < 18.5 || *health.BMI >= 25) {
			out = append(out, Recommendation{
				Category: "lifestyle",
				Priority: RiskMedium,
				Text:     "Your BMI is outside 18.5-25. Nutrition and activity adjustments can help; a specialist can suggest a plan.",
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return priorityRank(out[i].Priority) > priorityRank(out[j].Priority) })
	return out
}

func priorityRank(p string) int {
	switch p {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}
