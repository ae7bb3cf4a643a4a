package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinter_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Success("applied %d migrations", 3)
	p.Warning("schema is dirty")
	p.Error("failed")
	p.Info("version %d", 7)

	assert.Equal(t, "✓ applied 3 migrations\n! schema is dirty\n✗ failed\ni version 7\n", buf.String())
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	require.NoError(t, p.Table([]string{"id", "price"}, [][]string{
		{"free", "0"},
		{"premium", "990"},
	}))
	assert.Equal(t, "ID       PRICE\nfree     0\npremium  990\n", buf.String())
}
