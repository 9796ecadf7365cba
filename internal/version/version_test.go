package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestShortAndFull checks that version strings include the expected fields.
func TestShortAndFull(t *testing.T) {
	t.Parallel()

	require.Equal(t, Version, Short())
	require.Contains(t, Full(), "version: "+Version)
	require.Contains(t, Full(), "commit: "+Commit)
}
