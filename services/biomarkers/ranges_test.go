package biomarkers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in       string
		min, max *float64
		ok       bool
	}{
		{"120-160", f(120), f(160), true},
		{"3,9 – 5,5", f(3.9), f(5.5), true},
		{"3.9..5.5 mmol/L", f(3.9), f(5.5), true},
		{"<5", nil, f(5), true},
		{"≤ 5.2", nil, f(5.2), true},
		{">1,0", f(1), nil, true},
		{"≥30", f(30), nil, true},
		{"до 40", nil, f(40), true},
		{"от 3", f(3), nil, true},
		{"-2 - 2", f(-2), f(2), true},
		{"-2,5–2,5 mmol/L", f(-2.5), f(2.5), true},
		{"-5..-1", f(-5), f(-1), true},
		{"<-1", nil, f(-1), true},
		{"10-2", nil, nil, false},
		{"negative", nil, nil, false},
		{"", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, ok := ParseRange(tt.in)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.min, r.Min)
			assert.Equal(t, tt.max, r.Max)
		})
	}
}

func TestRangeStatus(t *testing.T) {
	closed, _ := ParseRange("3.9-5.5")
	assert.Equal(t, StatusLow, closed.Status(3.0))
	assert.Equal(t, StatusNormal, closed.Status(3.9))
	assert.Equal(t, StatusNormal, closed.Status(5.5))
	assert.Equal(t, StatusHigh, closed.Status(6.1))

	upper, _ := ParseRange("<5")
	assert.Equal(t, StatusNormal, upper.Status(0.2))
	assert.Equal(t, StatusHigh, upper.Status(7))

	assert.Equal(t, StatusUnknown, Range{}.Status(1))
}

func TestRangeMidpoint(t *testing.T) {
	closed, _ := ParseRange("120-160")
	mid, ok := closed.Midpoint()
	require.True(t, ok)
	assert.Equal(t, 140.0, mid)

	lower, _ := ParseRange(">30")
	mid, ok = lower.Midpoint()
	require.True(t, ok)
	assert.Equal(t, 30.0, mid)

	_, ok = Range{}.Midpoint()
	assert.False(t, ok)
}

func TestEvaluate(t *testing.T) {
	v, status := Evaluate("5,8", "3,9-5,5")
	require.NotNil(t, v)
	assert.Equal(t, 5.8, *v)
	assert.Equal(t, StatusHigh, status)

	v, status = Evaluate("<0.1", "<5")
	require.NotNil(t, v)
	assert.Equal(t, StatusNormal, status)

	v, status = Evaluate("-3,1", "-2 - 2")
	require.NotNil(t, v)
	assert.Equal(t, -3.1, *v)
	assert.Equal(t, StatusLow, status)

	v, status = Evaluate("negative", "<5")
	assert.Nil(t, v)
	assert.Equal(t, StatusUnknown, status)

	v, status = Evaluate("12", "")
	require.NotNil(t, v)
	assert.Equal(t, StatusUnknown, status)
}

func TestCatalogLookup(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	for _, name := range []string{"Hemoglobin", "HGB", "Гемоглобин", "Hemoglobin (HGB)", "  hemoglobin  "} {
		ref, ok := c.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "hemoglobin", ref.Key, name)
	}

	ref, ok := c.Lookup("C-Reactive Protein")
	require.True(t, ok)
	assert.Equal(t, "crp", ref.Key)
	assert.Equal(t, "inflammation", ref.Category)

	_, ok = c.Lookup("unobtainium")
	assert.False(t, ok)

	ref, ok = c.Get("vitamin_d")
	require.True(t, ok)
	assert.Equal(t, "ng/mL", ref.Unit)
	_, ok = c.Get("Vitamin D (25-OH)")
	assert.False(t, ok)

	all := c.All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key, all[i].Key)
	}
}

func TestParseCatalog_Rejects(t *testing.T) {
	_, err := ParseCatalog([]byte("biomarkers:\n  - key: a\n    name: A\n    range: nonsense\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("biomarkers:\n  - key: a\n    name: A\n  - key: b\n    name: B\n    aliases: [a]\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("biomarkers:\n  - name: nameless key\n"))
	assert.Error(t, err)
}

func f(v float64) *float64 { return &v }
