package loop

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMarkdown(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := &Loop{
		ID:       "loop-1",
		Summary:  "Follow up on pricing with finance",
		Status:   StatusOpen,
		Verified: true,
		Weight:   1.5,
		Tags:     []string{"finance"},
		Tier:     TierActive,
		Created:  created,
		Updated:  created,
	}

	out, err := RenderMarkdown(l)
	require.NoError(t, err)
	doc := string(out)
	assert.True(t, strings.HasPrefix(doc, "---\n"))
	assert.Contains(t, doc, "status: open")
	assert.Contains(t, doc, "verified: true")
	assert.Contains(t, doc, "- finance")
	assert.Contains(t, doc, "2026-03-01T09:00:00Z")
	assert.True(t, strings.HasSuffix(doc, "Follow up on pricing with finance\n"))

	_, err = RenderMarkdown(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
