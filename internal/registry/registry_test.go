package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coop-sh/coop/internal/config"
	"github.com/coop-sh/coop/internal/sandbox"
)

func TestCreateAndGet(t *testing.T) {
	r := New()
	cfg := config.Default()
	sess, err := r.Create("work", "/tmp/ws-a", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	require.NoError(t, err)
	require.NotNil(t, sess)

	got, ok := r.Get("work")
	assert.True(t, ok)
	assert.Equal(t, sess, got)
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	r := New()
	cfg := config.Default()
	_, err := r.Create("work", "/tmp/ws-a", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	require.NoError(t, err)

	_, err = r.Create("work", "/tmp/ws-b", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestCreateDuplicateWorkspaceRejected(t *testing.T) {
	r := New()
	cfg := config.Default()
	_, err := r.Create("work-a", "/tmp/ws", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	require.NoError(t, err)

	_, err = r.Create("work-b", "/tmp/ws", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestGetByWorkspace(t *testing.T) {
	r := New()
	cfg := config.Default()
	sess, err := r.Create("work", "/tmp/ws", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	require.NoError(t, err)

	got, ok := r.GetByWorkspace("/tmp/ws")
	assert.True(t, ok)
	assert.Equal(t, sess, got)
}

func TestRemove(t *testing.T) {
	r := New()
	cfg := config.Default()
	_, err := r.Create("work", "/tmp/ws", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	require.NoError(t, err)

	sess, ok := r.Remove("work")
	require.True(t, ok)
	require.NotNil(t, sess)

	_, ok = r.Get("work")
	assert.False(t, ok)
	_, ok = r.GetByWorkspace("/tmp/ws")
	assert.False(t, ok)
}

func TestSessionPTYLifecycle(t *testing.T) {
	r := New()
	cfg := config.Default()
	sess, err := r.Create("work", "/tmp/ws", cfg, &sandbox.Handles{}, sandbox.Overlay{})
	require.NoError(t, err)

	sess.AddPTYWithID(0, nil)
	id := sess.AddPTY(nil)
	assert.Equal(t, 1, id)

	_, ok := sess.GetPTY(0)
	assert.True(t, ok)

	sess.RemovePTY(0)
	_, ok = sess.GetPTY(0)
	assert.False(t, ok)
}

func TestNormalizeWorkspaceResolvesRelativePaths(t *testing.T) {
	resolved, err := NormalizeWorkspace(".")
	require.NoError(t, err)
	assert.True(t, len(resolved) > 0)
}
