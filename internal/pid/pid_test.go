package pid_test

import (
	"os"
	"strconv"
	"testing"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	f := pid.New(t.TempDir())

	require.NoError(t, f.Write())

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, f.Remove())
	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine
	require.NoError(t, f.Remove())
}

func TestWriteAlreadyRunning(t *testing.T) {
	f := pid.New(t.TempDir())

	// The test process itself is certainly alive
	err := os.WriteFile(f.Path(), []byte(strconv.Itoa(os.Getpid())), 0o600)
	require.NoError(t, err)

	err = f.Write()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteStalePID(t *testing.T) {
	f := pid.New(t.TempDir())

	err := os.WriteFile(f.Path(), []byte("not-a-pid"), 0o600)
	require.NoError(t, err)

	require.NoError(t, f.Write())
}
