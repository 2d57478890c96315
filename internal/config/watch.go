package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file at path whenever it is written, created or renamed
// into place and hands each valid result to fn. Invalid reloads are logged
// and skipped. The parent directory is watched so that editors replacing the
// file are noticed. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(Config)) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.WarnContext(ctx, "config.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.reload", slog.String("path", abs))
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		}
	}
}
