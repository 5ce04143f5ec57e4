package linker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePathList(t *testing.T) {
	require.Equal(t, []string{"/a", "/b", "/c"}, parsePathList("/a:/b /c", 16))
	require.Empty(t, parsePathList("", 16))
	require.Empty(t, parsePathList(" : : ", 16))
}

func TestParsePathListEntryBound(t *testing.T) {
	got := parsePathList("a:b:c:d:e", 3)
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestParsePathListBufferBound(t *testing.T) {
	// A single oversized entry gets cut at the buffer limit rather than
	// growing without bound.
	long := strings.Repeat("x", maxEnvBuffer+200)
	got := parsePathList(long, 16)
	require.Len(t, got, 1)
	require.Len(t, got[0], maxEnvBuffer)
}
