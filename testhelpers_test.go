package tiercache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// corruptFile flips a byte inside the segment file header.
func corruptFile(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[9] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
