package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-reads and re-validates the config file at path whenever it
// changes on disk (via fsnotify) or the process receives SIGHUP, invoking
// onReload with the new Config. If the new config fails to load or
// validate, the error is logged and onReload is not called — the caller's
// previously active Config remains in force.
//
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *zap.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reload := func(reason string) {
		cfg, err := Load(path)
		if err != nil {
			log.Error("config reload failed, retaining previous configuration",
				zap.String("reason", reason), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("reason", reason))
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-hup:
			_ = sig
			reload("sighup")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				reload("file_changed")
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(werr))
		}
	}
}
