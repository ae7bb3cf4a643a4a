package biomarkers

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Reference describes a known biomarker.
type Reference struct {
	Key      string   `yaml:"key" json:"key"`
	Name     string   `yaml:"name" json:"name"`
	Category string   `yaml:"category" json:"category"`
	Unit     string   `yaml:"unit" json:"unit"`
	Range    string   `yaml:"range" json:"range"`
	Aliases  []string `yaml:"aliases" json:"aliases,omitempty"`
}

// Catalog resolves lab report names to canonical biomarkers.
type Catalog struct {
	items []Reference
	index map[string]int
}

// LoadCatalog parses the embedded catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog parses a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Biomarkers []Reference `yaml:"biomarkers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse biomarker catalog: %w", err)
	}

	c := &Catalog{items: doc.Biomarkers, index: make(map[string]int)}
	for i, ref := range c.items {
		if ref.Key == "" || ref.Name == "" {
			return nil, fmt.Errorf("biomarker catalog: entry %d needs key and name", i)
		}
		if ref.Range != "" {
			if _, ok := ParseRange(ref.Range); !ok {
				return nil, fmt.Errorf("biomarker catalog: %s: invalid range %q", ref.Key, ref.Range)
			}
		}
		names := append([]string{ref.Key, ref.Name}, ref.Aliases...)
		for _, n := range names {
			k := normalizeName(n)
			if prev, dup := c.index[k]; dup && prev != i {
				return nil, fmt.Errorf("biomarker catalog: %q names both %s and %s", n, c.items[prev].Key, ref.Key)
			}
			c.index[k] = i
		}
	}
	return c, nil
}

// Lookup resolves a name as printed on a lab report. Parenthesised
// abbreviations ("Hemoglobin (HGB)") are tried on both sides.
func (c *Catalog) Lookup(name string) (Reference, bool) {
	candidates := []string{name}
	if open := strings.IndexByte(name, '('); open > 0 {
		candidates = append(candidates, name[:open])
		if end := strings.IndexByte(name[open:], ')'); end > 0 {
			candidates = append(candidates, name[open+1:open+end])
		}
	}
	for _, n := range candidates {
		if i, ok := c.index[normalizeName(n)]; ok {
			return c.items[i], true
		}
	}
	return Reference{}, false
}

// Get returns the entry with the canonical key.
func (c *Catalog) Get(key string) (Reference, bool) {
	i, ok := c.index[normalizeName(key)]
	if !ok || c.items[i].Key != key {
		return Reference{}, false
	}
	return c.items[i], true
}

// All returns the catalog sorted by key.
func (c *Catalog) All() []Reference {
	out := make([]Reference, len(c.items))
	copy(out, c.items)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// normalizeName lowercases, drops punctuation and collapses whitespace.
func normalizeName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// slug turns an unknown report name into a stable key.
func slug(s string) string {
	return strings.ReplaceAll(normalizeName(s), " ", "_")
}
