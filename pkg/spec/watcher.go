package spec

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches a directory for new or rewritten spec documents and
// emits each successfully loaded spec. Used by `statekeeper reconcile
// --watch` to turn an externally generated spec into a reconciliation
// trigger.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	loader   *Loader
	logger   zerolog.Logger
	specs    chan *DesiredStateSpec
	debounce time.Duration
}

// NewWatcher creates a watcher over dir. Call Run to start it.
func NewWatcher(dir string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return &Watcher{
		dir:      dir,
		fsw:      fsw,
		loader:   NewLoader(),
		logger:   logger.With().Str("component", "spec-watcher").Logger(),
		specs:    make(chan *DesiredStateSpec, 1),
		debounce: 250 * time.Millisecond,
	}, nil
}

// Specs returns the channel of loaded spec snapshots.
func (w *Watcher) Specs() <-chan *DesiredStateSpec {
	return w.specs
}

// Run processes filesystem events until the context is cancelled. Writes
// are debounced per file because editors and generators produce bursts of
// events for a single logical update.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.specs)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isSpecFile(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")

		case <-ticker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				w.emit(ctx, path)
			}
		}
	}
}

func (w *Watcher) emit(ctx context.Context, path string) {
	s, err := w.loader.LoadFile(path)
	if err != nil {
		// A half-written or invalid document is not fatal to the watch;
		// the next write gets another chance.
		w.logger.Warn().Err(err).Str("path", path).Msg("ignoring unloadable spec")
		return
	}

	w.logger.Info().
		Str("path", path).
		Str("version", s.Version).
		Int("resources", len(s.Resources)).
		Msg("loaded spec update")

	select {
	case w.specs <- s:
	case <-ctx.Done():
	}
}

func isSpecFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
