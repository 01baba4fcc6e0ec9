package presence

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/prefs"
	"codeberg.org/mutker/sensord/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, store *prefs.Memory) (*registry.Registry, *Notifier) {
	t.Helper()
	if store == nil {
		store = prefs.NewMemory()
	}
	reg, err := registry.New(context.Background(), registry.DefaultDefinitions(), store)
	require.NoError(t, err)

	n := New(reg)
	n.Start(context.Background())
	t.Cleanup(n.Stop)
	return reg, n
}

func eventually(t *testing.T, n *Notifier, cond func(Notice, bool) bool) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return cond(n.Current())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNoNoticeWhenNothingActive(t *testing.T) {
	_, n := setup(t, nil)

	_, ok := n.Current()
	assert.False(t, ok)
}

func TestNoticeSeededFromActiveStreams(t *testing.T) {
	store := prefs.NewMemory()
	require.NoError(t, store.Set(context.Background(), registry.Key(registry.Proximity), true))

	_, n := setup(t, store)

	notice, ok := n.Current()
	require.True(t, ok)
	assert.Equal(t, "Proximity Sensor", notice.Title)
	assert.False(t, notice.HasValue)
}

func TestNoticeFollowsActiveValues(t *testing.T) {
	reg, n := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, reg.RecordValue(registry.Light, 5))
	require.NoError(t, reg.SetActive(ctx, registry.Light, true))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.Title == "Light Sensor" && notice.HasValue && notice.Value == 5
	})

	require.NoError(t, reg.RecordValue(registry.Light, 250))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.Value == 250
	})

	// Values of inactive streams never show up
	require.NoError(t, reg.RecordValue(registry.Gyroscope, 1))
	require.NoError(t, reg.RecordValue(registry.Light, 251))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.Value == 251
	})
	notice, _ := n.Current()
	assert.Equal(t, registry.Light, notice.StreamID)
}

func TestNoticeSwitchesAndClears(t *testing.T) {
	reg, n := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, registry.Light, true))
	require.NoError(t, reg.SetActive(ctx, registry.Accelerometer, true))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.StreamName == "Accelerometer"
	})

	require.NoError(t, reg.SetActive(ctx, registry.Accelerometer, false))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.StreamName == "Light"
	})

	require.NoError(t, reg.SetActive(ctx, registry.Light, false))
	eventually(t, n, func(_ Notice, ok bool) bool {
		return !ok
	})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), s)
}

func TestValueUpdatesLogBelowInfo(t *testing.T) {
	out := &syncBuffer{}
	logger.InitWithWriter(out, "info", true)
	t.Cleanup(func() { logger.Init("info", true) })

	reg, n := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, reg.SetActive(ctx, registry.Light, true))
	require.NoError(t, reg.RecordValue(registry.Light, 1))
	require.NoError(t, reg.RecordValue(registry.Light, 2))
	require.NoError(t, reg.RecordValue(registry.Light, 3))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.Value == 3
	})
	assert.Equal(t, 1, out.count("Recording"))

	require.NoError(t, reg.SetActive(ctx, registry.Gyroscope, true))
	eventually(t, n, func(notice Notice, ok bool) bool {
		return ok && notice.StreamID == registry.Gyroscope
	})
	assert.Equal(t, 2, out.count("Recording"))
}
