package settings

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/grafana/dskit/services"
)

// Watcher reloads the settings file when it changes on disk and hands the
// validated result to onChange.
type Watcher struct {
	services.Service

	logger     *slog.Logger
	path       string
	knownModes []string
	onChange   func(context.Context, Settings)

	fsw *fsnotify.Watcher
}

func NewWatcher(
	logger *slog.Logger,
	path string,
	knownModes []string,
	onChange func(context.Context, Settings),
) *Watcher {
	w := &Watcher{
		logger:     logger,
		path:       filepath.Clean(path),
		knownModes: knownModes,
		onChange:   onChange,
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w
}

func (w *Watcher) starting(_ context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// editors replace files by rename, so watch the parent directory
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	return nil
}

func (w *Watcher) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.With("err", err).Warn("settings watcher error")
		}
	}
}

// reload hands the new settings to onChange with the running context, which
// is cancelled when the watcher stops.
func (w *Watcher) reload(ctx context.Context) {
	s, err := Load(w.path)
	if err != nil {
		w.logger.With("err", err).Warn("ignoring unreadable settings update")
		return
	}
	if err := s.Validate(w.knownModes...); err != nil {
		w.logger.With("err", err).Warn("ignoring invalid settings update")
		return
	}
	w.logger.With("path", w.path).Info("settings reloaded")
	w.onChange(ctx, s)
}

func (w *Watcher) stopping(_ error) error {
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
