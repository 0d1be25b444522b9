package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	d, err := Open(filepath.Join(root, "coop"))
	require.NoError(t, err)

	for _, sub := range []string{"rootfs/base", "oci-cache", "volumes", "sessions"} {
		require.DirExists(t, d.join(sub))
	}
}

func TestOpenDefaultsToHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	d, err := Open("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".coop"), d.Root)
}

func TestMachineIDPersistsAcrossCalls(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	first, err := d.MachineID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := d.MachineID()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSessionDirUnderSessionsRoot(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(d.SessionsDir(), "foo"), d.SessionDir("foo"))
}
