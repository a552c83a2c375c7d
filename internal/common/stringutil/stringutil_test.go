package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "trunc", Truncate("truncated", 5))
	assert.Equal(t, "", Truncate("", 5))
}

func TestTruncateEllipsis(t *testing.T) {
	assert.Equal(t, "short", TruncateEllipsis("short", 10))
	assert.Equal(t, "exactly-ten", TruncateEllipsis("exactly-ten", 11))
	assert.Equal(t, "a long s...", TruncateEllipsis("a long sentence here", 11))
	// Below the ellipsis threshold it degrades to a hard cut.
	assert.Equal(t, "abc", TruncateEllipsis("abcdef", 3))
}
