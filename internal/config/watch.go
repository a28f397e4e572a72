package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher re-reads the config file when it changes on disk and hands the
// result to an apply callback. Only settings that are safe to flip at
// runtime should be acted on by the callback; today that is log_level.
type Watcher struct {
	path  string
	fsw   *fsnotify.Watcher
	log   zerolog.Logger
	apply func(Config)
}

// NewWatcher sets up inotify on the directory containing path. Watching the
// directory instead of the file survives the write-temp-then-rename dance
// most editors and config management tools do.
func NewWatcher(path string, log zerolog.Logger, apply func(Config)) (*Watcher, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, fsw: fsw, log: log, apply: apply}, nil
}

// Run blocks, dispatching reloads until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Match by base name: fsnotify reports symlink-resolved paths,
			// and only one directory is ever watched.
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
				continue
			}
			w.log.Info().Str("path", w.path).Msg("config reloaded")
			w.apply(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watch error")
		}
	}
}
