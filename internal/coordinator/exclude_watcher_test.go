package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/replication"
)

// fakeRefresher accepts lists naming only known nodes
type fakeRefresher struct {
	mu    sync.Mutex
	known map[string]bool
	lists [][]string
}

func (f *fakeRefresher) RefreshExcludedNodes(names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		if !f.known[n] {
			return fmt.Errorf("%w: %s", replication.ErrUnknownNode, n)
		}
	}
	f.lists = append(f.lists, append([]string{}, names...))
	return nil
}

func (f *fakeRefresher) learn(name string) {
	f.mu.Lock()
	f.known[name] = true
	f.mu.Unlock()
}

func (f *fakeRefresher) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lists) == 0 {
		return nil
	}
	return f.lists[len(f.lists)-1]
}

// TestReadExcludeFile tests parsing of the exclude file format
func TestReadExcludeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exclude")
	require.NoError(t, os.WriteFile(path, []byte(`# retiring rack 4
dn4.example:9866
  dn2   # disk errors

dn4.example:9866
`), 0o644))

	names, err := ReadExcludeFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dn2", "dn4.example:9866"}, names)

	names, err = ReadExcludeFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

// TestExcludeWatcherReload tests a single reload against the manager
func TestExcludeWatcherReload(t *testing.T) {
	mock := clock.NewMock()
	mgr := newTestManager(t, mock, "dn1", "dn2")
	path := filepath.Join(t.TempDir(), "exclude")
	w := NewExcludeWatcher(path, mgr, mock, zerolog.Nop())

	require.NoError(t, os.WriteFile(path, []byte("dn2\n"), 0o644))
	require.NoError(t, w.Reload())
	assert.Equal(t, []string{"dn2"}, mgr.ExcludedNodes())
	st, err := mgr.Node("dn2")
	require.NoError(t, err)
	assert.Equal(t, replication.NodeDecommissioned, st.State, "a node without blocks finishes at once")

	require.NoError(t, os.WriteFile(path, []byte("dn2\nghost\n"), 0o644))
	err = w.Reload()
	assert.True(t, errors.Is(err, replication.ErrUnknownNode))
	applied, lastErr := w.Applied()
	assert.Equal(t, []string{"dn2"}, applied, "a rejected list leaves the previous one in force")
	assert.Error(t, lastErr)
	assert.Equal(t, []string{"dn2"}, mgr.ExcludedNodes())
}

// TestExcludeWatcherRun tests reloads on file changes and retries of rejected lists
func TestExcludeWatcherRun(t *testing.T) {
	mock := clock.NewMock()
	target := &fakeRefresher{known: map[string]bool{"dn1": true}}
	path := filepath.Join(t.TempDir(), "exclude")
	require.NoError(t, os.WriteFile(path, []byte("dn1\n"), 0o644))

	w := NewExcludeWatcher(path, target, mock, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"dn1"}, target.last())
	}, 2*time.Second, 10*time.Millisecond, "initial load")

	// A list naming an unknown node is rejected until the node appears
	require.NoError(t, os.WriteFile(path, []byte("dn1\ndn5\n"), 0o644))
	require.Eventually(t, func() bool {
		_, err := w.Applied()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "rejected reload")

	target.learn("dn5")
	require.Eventually(t, func() bool {
		mock.Add(2 * time.Minute)
		return assert.ObjectsAreEqual([]string{"dn1", "dn5"}, target.last())
	}, 2*time.Second, 10*time.Millisecond, "retry after backoff")

	// Removing the file clears the list
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		last := target.last()
		return last != nil && len(last) == 0
	}, 2*time.Second, 10*time.Millisecond, "file removed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// TestExcludeWatcherMissingDirectory tests that Run fails when the directory can't be watched
func TestExcludeWatcherMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "exclude")
	w := NewExcludeWatcher(path, &fakeRefresher{known: map[string]bool{}}, clock.NewMock(), zerolog.Nop())
	assert.Error(t, w.Run(context.Background()))
}

// TestExcludeWatcherCallback tests the refresh callback
func TestExcludeWatcherCallback(t *testing.T) {
	mock := clock.NewMock()
	mgr := newTestManager(t, mock, "dn1")
	path := filepath.Join(t.TempDir(), "exclude")
	require.NoError(t, os.WriteFile(path, []byte("dn1\n"), 0o644))

	var got []string
	var gotErr error
	w := NewExcludeWatcher(path, mgr, mock, zerolog.Nop())
	w.SetOnRefresh(func(names []string, err error) { got, gotErr = names, err })
	require.NoError(t, w.Reload())
	assert.Equal(t, []string{"dn1"}, got)
	assert.NoError(t, gotErr)

	st, err := mgr.Node(cluster.NodeID("dn1"))
	require.NoError(t, err)
	assert.Equal(t, replication.AdminDecommissioned, st.AdminState)
}
