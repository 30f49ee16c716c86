package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "config")

// reloadDelay coalesces the burst of events editors emit for one save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes the valid result to
// onChange. It blocks until ctx is done. Invalid files are logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory: editors replace files by rename.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Watch error: %v", err)
		case <-fire:
			fire = nil
			if _, err := os.Stat(abs); err != nil {
				// Moved away mid-save; the matching Create follows.
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("Ignoring unreadable config %s: %v", abs, err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.Warnf("Ignoring invalid config %s: %v", abs, err)
				continue
			}
			log.Infof("Reloaded %s", abs)
			onChange(cfg)
		}
	}
}
