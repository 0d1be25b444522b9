package discovery

import (
	"bufio"
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitNulSplitsOnNulBytes(t *testing.T) {
	data := []byte("FOO=bar\x00BAZ=qux\x00")
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(splitNul)

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"FOO=bar", "BAZ=qux"}, got)
}

func TestSplitNulHandlesMissingTrailingNul(t *testing.T) {
	data := []byte("FOO=bar\x00BAZ=qux")
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(splitNul)

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"FOO=bar", "BAZ=qux"}, got)
}

func TestOwnedByMatchesCurrentUser(t *testing.T) {
	info, err := os.Stat(t.TempDir())
	require.NoError(t, err)

	require.True(t, ownedBy(info, os.Getuid()))
	require.False(t, ownedBy(info, os.Getuid()+1))
}
