package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settingsDebounce = 200 * time.Millisecond

// settingsWatcher watches the settings file and calls a handler on changes
// with debouncing. Editors rewrite files as remove+create, so the parent
// directory is watched and events are filtered by name.
type settingsWatcher struct {
	watcher       *fsnotify.Watcher
	handler       func()
	target        string
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
	stopChan      chan struct{}
}

func watchSettingsFile(path string, handler func()) (*settingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &settingsWatcher{
		watcher:  watcher,
		handler:  handler,
		target:   filepath.Base(path),
		stopChan: make(chan struct{}),
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go sw.watchLoop()
	return sw, nil
}

func (sw *settingsWatcher) stop() {
	close(sw.stopChan)
	sw.watcher.Close()
}

func (sw *settingsWatcher) watchLoop() {
	for {
		select {
		case <-sw.stopChan:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != sw.target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Debounce: reset timer on each event
				sw.debounceMu.Lock()
				if sw.debounceTimer != nil {
					sw.debounceTimer.Stop()
				}
				sw.debounceTimer = time.AfterFunc(settingsDebounce, sw.handler)
				sw.debounceMu.Unlock()
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] Watcher error: %v", err)
		}
	}
}
