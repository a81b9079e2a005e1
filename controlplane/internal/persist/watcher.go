package persist

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports snapshots edited outside of the Store.
type Watcher struct {
	store    *Store
	onChange func(ctx context.Context, snapshot *Snapshot)
	log      *zap.SugaredLogger
}

// NewWatcher creates a watcher calling onChange with every externally
// modified snapshot.
func NewWatcher(store *Store, onChange func(ctx context.Context, snapshot *Snapshot), options ...Option) *Watcher {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Watcher{
		store:    store,
		onChange: onChange,
		log:      opts.Log.Named("watcher"),
	}
}

// Run watches the snapshot until ctx is done.
func (m *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create snapshot watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: replacing the file by rename drops a watch
	// placed on the file itself.
	dir := filepath.Dir(m.store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	m.log.Infow("watching snapshot", zap.String("path", m.store.Path()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.store.Path() {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			m.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warnw("snapshot watcher error", zap.Error(err))
		}
	}
}

func (m *Watcher) reload(ctx context.Context) {
	snapshot, changed, err := m.store.changed()
	if err != nil {
		m.log.Warnw("failed to reload snapshot", zap.Error(err))
		return
	}
	if !changed {
		return
	}

	m.log.Infow("snapshot modified externally, reloading", zap.Int("services", len(snapshot.Services)))
	m.onChange(ctx, snapshot)
}
