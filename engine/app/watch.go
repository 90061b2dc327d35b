package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/romdo/go-debounce"
)

const (
	reloadDebounceWait = 200 * time.Millisecond
	reloadMaxWait      = 2 * time.Second
)

// Watch reloads reg from dir whenever a manifest under it changes. It blocks
// until ctx is done. A reload that fails leaves the installed apps as they
// were.
func Watch(ctx context.Context, dir string, reg *Registry) error {
	log := logger.FromContext(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher: %w", err)
	}
	defer watcher.Close()
	if err := watchTree(watcher, dir); err != nil {
		return err
	}
	reload, cancel := debounce.NewWithMaxWait(reloadDebounceWait, reloadMaxWait, func() {
		if err := reg.ReloadDir(dir); err != nil {
			log.Error("Failed to reload apps", "dir", dir, "error", err)
			return
		}
		log.Info("Apps reloaded", "dir", dir, "apps", len(reg.List()))
	})
	defer cancel()
	log.Info("Watching apps", "dir", dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, event.Name); err != nil {
						log.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
					reload()
					continue
				}
			}
			if isManifestFile(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debug("Manifest changed", "file", event.Name, "op", event.Op.String())
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Manifest watcher error", "error", err)
		}
	}
}

func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func isManifestFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
