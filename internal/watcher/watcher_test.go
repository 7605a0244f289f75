package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) last() (Event, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return 0, 0
	}
	return r.events[len(r.events)-1], len(r.events)
}

func startWatcher(t *testing.T, path string) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := NewWithDebounce(path, 20*time.Millisecond, rec.record)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "second start is a no-op")
	t.Cleanup(func() { _ = w.Stop() })
	return rec
}

func TestWatcher_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	rec := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte(`{"PROMPTCLUSTER_MIN_PROMPTS": 2}`), 0o600))

	require.Eventually(t, func() bool {
		ev, _ := rec.last()
		return ev == Changed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_Create(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	rec := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	require.Eventually(t, func() bool {
		ev, _ := rec.last()
		return ev == Changed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promptcluster.db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	rec := startWatcher(t, path)
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		ev, _ := rec.last()
		return ev == Removed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	rec := startWatcher(t, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600))

	time.Sleep(150 * time.Millisecond)
	_, n := rec.last()
	assert.Zero(t, n)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "f"), nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop(), "stop before start")
	require.NoError(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "changed", Changed.String())
	assert.Equal(t, "removed", Removed.String())
	assert.Equal(t, "unknown", Event(0).String())
}
