package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/facebookgo/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// ExcludeRefresher applies a new exclude list. Implemented by
// *replication.Manager.
type ExcludeRefresher interface {
	RefreshExcludedNodes(names []string) error
}

// ReadExcludeFile parses an exclude file: one node name per line, blank
// lines ignored, '#' starts a comment. A missing file is an empty list.
// Names are returned sorted and deduplicated.
func ReadExcludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read exclude file: %w", err)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// ExcludeWatcher reloads the exclude file whenever it changes and applies it.
// A rejected list (for example one naming a node that hasn't registered yet)
// is retried with exponential backoff until it applies or the file changes.
type ExcludeWatcher struct {
	path      string
	target    ExcludeRefresher
	clock     clock.Clock
	logger    zerolog.Logger
	backoff   *backoff.ExponentialBackOff
	onRefresh func(names []string, err error)

	mu      sync.Mutex
	applied []string // Last list accepted by the target
	lastErr error
}

// NewExcludeWatcher creates a watcher for the file at path.
func NewExcludeWatcher(path string, target ExcludeRefresher, clk clock.Clock, logger zerolog.Logger) *ExcludeWatcher {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return &ExcludeWatcher{
		path:    path,
		target:  target,
		clock:   clk,
		backoff: b,
		logger:  logger.With().Str("component", "exclude_watcher").Str("path", path).Logger(),
	}
}

// SetOnRefresh sets a callback invoked after every reload attempt.
func (w *ExcludeWatcher) SetOnRefresh(callback func(names []string, err error)) {
	w.mu.Lock()
	w.onRefresh = callback
	w.mu.Unlock()
}

// Reload reads the file and applies it once.
func (w *ExcludeWatcher) Reload() error {
	names, err := ReadExcludeFile(w.path)
	if err == nil {
		err = w.target.RefreshExcludedNodes(names)
	}

	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.applied = names
	}
	onRefresh := w.onRefresh
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn().Err(err).Msg("exclude list not applied")
	} else {
		w.logger.Info().Strs("nodes", names).Msg("exclude list applied")
	}
	if onRefresh != nil {
		onRefresh(names, err)
	}
	return err
}

// Applied returns the last list accepted and the error of the last attempt.
func (w *ExcludeWatcher) Applied() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.applied), w.lastErr
}

// Run loads the file, then watches its directory and reloads on every
// change to the file until ctx is cancelled.
func (w *ExcludeWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	target := filepath.Clean(w.path)
	var retry <-chan time.Time
	reload := func() {
		if err := w.Reload(); err != nil {
			retry = w.clock.After(w.backoff.NextBackOff())
			return
		}
		w.backoff.Reset()
		retry = nil
	}

	reload()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", ev.Op.String()).Msg("exclude file changed")
			w.backoff.Reset()
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watch error")
		case <-retry:
			reload()
		case <-ctx.Done():
			return nil
		}
	}
}
