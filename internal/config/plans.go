package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

// Unlimited marks a feature without a monthly cap.
const Unlimited = -1

// Feature describes a gated capability.
type Feature struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Plan is a subscription tier.
type Plan struct {
	ID           string         `yaml:"id" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	Price        int            `yaml:"price" json:"price"`
	PeriodMonths int            `yaml:"period_months" json:"period_months"`
	Limits       map[string]int `yaml:"limits" json:"limits"`
}

// Includes reports whether feature is part of the plan and its monthly limit.
func (p Plan) Includes(feature string) (limit int, ok bool) {
	limit, ok = p.Limits[feature]
	return limit, ok
}

// IsPaid reports whether the plan costs money.
func (p Plan) IsPaid() bool {
	return p.Price > 0
}

// Plans is the plan catalog.
type Plans struct {
	Currency    string    `yaml:"currency" json:"currency"`
	DefaultPlan string    `yaml:"default_plan" json:"default_plan"`
	Features    []Feature `yaml:"features" json:"features"`
	Plans       []Plan    `yaml:"plans" json:"plans"`

	byID map[string]Plan
}

// LoadPlans loads the plan catalog from path, or the embedded default when path is empty.
func LoadPlans(path string) (*Plans, error) {
	data := defaultPlans
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read plans config: %w", err)
		}
	}
	return ParsePlans(data)
}

// ParsePlans parses and validates a YAML plan catalog.
func ParsePlans(data []byte) (*Plans, error) {
	var p Plans
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plans config: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the catalog and builds the lookup index.
func (p *Plans) Validate() error {
	if len(p.Plans) == 0 {
		return fmt.Errorf("plans config: no plans defined")
	}
	if p.DefaultPlan == "" {
		p.DefaultPlan = "free"
	}
	if p.Currency == "" {
		p.Currency = "RUB"
	}

	known := make(map[string]bool, len(p.Features))
	for _, f := range p.Features {
		if f.ID == "" {
			return fmt.Errorf("plans config: feature without id")
		}
		if known[f.ID] {
			return fmt.Errorf("plans config: duplicate feature %s", f.ID)
		}
		known[f.ID] = true
	}

	p.byID = make(map[string]Plan, len(p.Plans))
	for _, plan := range p.Plans {
		if plan.ID == "" {
			return fmt.Errorf("plans config: plan without id")
		}
		if plan.Name == "" {
			return fmt.Errorf("plan %s: name is required", plan.ID)
		}
		if _, dup := p.byID[plan.ID]; dup {
			return fmt.Errorf("plans config: duplicate plan %s", plan.ID)
		}
		if plan.Price < 0 {
			return fmt.Errorf("plan %s: negative price", plan.ID)
		}
		if plan.ID != p.DefaultPlan && plan.Price <= 0 {
			return fmt.Errorf("plan %s: paid plans need a positive price", plan.ID)
		}
		if plan.PeriodMonths <= 0 {
			return fmt.Errorf("plan %s: period_months must be positive", plan.ID)
		}
		for feature, limit := range plan.Limits {
			if !known[feature] {
				return fmt.Errorf("plan %s: unknown feature %s", plan.ID, feature)
			}
			if limit < Unlimited || limit == 0 {
				return fmt.Errorf("plan %s: feature %s: limit must be -1 or positive", plan.ID, feature)
			}
		}
		p.byID[plan.ID] = plan
	}

	if _, ok := p.byID[p.DefaultPlan]; !ok {
		return fmt.Errorf("plans config: default plan %s is not defined", p.DefaultPlan)
	}
	return nil
}

// Plan returns the plan with id.
func (p *Plans) Plan(id string) (Plan, bool) {
	plan, ok := p.byID[id]
	return plan, ok
}

// Default returns the plan used without an active subscription.
func (p *Plans) Default() Plan {
	return p.byID[p.DefaultPlan]
}

// HasFeature reports whether id is a known feature.
func (p *Plans) HasFeature(id string) bool {
	for _, f := range p.Features {
		if f.ID == id {
			return true
		}
	}
	return false
}

// FeatureIDs returns the sorted feature identifiers.
func (p *Plans) FeatureIDs() []string {
	ids := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)
	return ids
}
