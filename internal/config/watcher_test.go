package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"message-router/internal/common/logging"
)

type appliedConfigs struct {
	mu   sync.Mutex
	seen []*Resolved
}

func (a *appliedConfigs) apply(r *Resolved) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, r)
	return nil
}

func (a *appliedConfigs) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *appliedConfigs) last() *Resolved {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen[len(a.seen)-1]
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("table: []\n"), 0o600))

	applied := &appliedConfigs{}
	w, err := NewWatcher(path, memoryRegistry(), applied.apply,
		WithDebounce(20*time.Millisecond),
		WithWatcherLogger(logging.NewNopLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	require.Eventually(t, func() bool { return applied.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, applied.last().Routing.Entries, 3)
}

func TestWatcher_Restart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("table: []\n"), 0o600))

	applied := &appliedConfigs{}
	w, err := NewWatcher(path, memoryRegistry(), applied.apply,
		WithDebounce(20*time.Millisecond),
		WithWatcherLogger(logging.NewNopLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	require.Eventually(t, func() bool { return applied.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, applied.last().Routing.Entries, 3)
}

func TestWatcher_KeepsConfigOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	applied := &appliedConfigs{}
	w, err := NewWatcher(path, memoryRegistry(), applied.apply, WithWatcherLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	w.Reload()
	require.Equal(t, 1, applied.count())

	require.NoError(t, os.WriteFile(path, []byte("table: [unclosed\n"), 0o600))
	w.Reload()
	require.NoError(t, os.WriteFile(path, []byte("table:\n  - filter: ghost\n    endpoints: [x]\n"), 0o600))
	w.Reload()
	assert.Equal(t, 1, applied.count(), "invalid files are not applied")

	assert.NoError(t, w.Stop())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	applied := &appliedConfigs{}
	w, err := NewWatcher(path, memoryRegistry(), applied.apply,
		WithDebounce(10*time.Millisecond),
		WithWatcherLogger(logging.NewNopLogger()),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, applied.count())
}
