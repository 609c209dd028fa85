package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"

	"github.com/fsnotify/fsnotify"
)

// configReloader re-reads the config file on change. Only logging.level is
// applied live; any other difference is reported as needing a restart.
type configReloader struct {
	path      string
	overrides FlagOverrides
	current   Config
	level     *slog.LevelVar
	logger    *slog.Logger
}

func newConfigReloader(path string, overrides FlagOverrides, current Config, level *slog.LevelVar, logger *slog.Logger) *configReloader {
	return &configReloader{
		path:      filepath.Clean(ExpandPath(path)),
		overrides: overrides,
		current:   current,
		level:     level,
		logger:    logger,
	}
}

// reload loads and validates the file. An invalid file keeps the running config.
func (r *configReloader) reload() error {
	cfg, err := LoadConfigFile(r.path)
	if err != nil {
		return err
	}
	r.overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Logging.Level != r.current.Logging.Level {
		lvl, _ := parseLogLevel(cfg.Logging.Level)
		r.level.Set(lvl.slogLevel())
		r.logger.Info("log level changed", "from", r.current.Logging.Level, "to", cfg.Logging.Level)
	}

	a, b := r.current, cfg
	a.Logging, b.Logging = LoggingConfig{}, LoggingConfig{}
	if !reflect.DeepEqual(a, b) {
		r.logger.Warn("config changed, restart mediasessiond to apply settings other than logging.level", "path", r.path)
	}

	r.current = cfg
	return nil
}

// run watches the config file's directory, since editors often replace the
// file instead of writing it in place.
func (r *configReloader) run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.logger.Debug("watching config file", "path", r.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != r.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Warn("config reload failed, keeping current config", "path", r.path, "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("config watcher error", "error", err)
		}
	}
}
