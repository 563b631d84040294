package litetable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetStreamDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := GetLitetableDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".litetable"), dir)

	stream, err := GetStreamDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".litetable", "stream"), stream)
}
