package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sticks-stuff/dolphin/log"
)

// LoadFile reads a flat JSON object of option name -> bool and applies it as
// one batch: callbacks fire once at the end, not per key. Unknown keys are
// kept (forward compatibility), malformed files leave the store untouched.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var raw map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	s.mu.Lock()
	changed := false
	for k, v := range raw {
		o := Option(k)
		if cur, ok := s.values[o]; !ok || cur != v {
			s.values[o] = v
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.fireCallbacks()
	}
	return nil
}

// Watch reloads the config file whenever it changes on disk. Editors tend to
// emit bursts of events (and some truncate before writing), so events are
// drained with a short delay before rereading. The returned stop function
// shuts the watcher down.
func (s *Store) Watch(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: most editors replace the file, which drops the
	// watch if it is set on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				// flush the burst, so we don't read half-written files
			drain:
				for {
					time.Sleep(10 * time.Millisecond)
					select {
					case <-watcher.Events:
					default:
						break drain
					}
				}
				if err := s.LoadFile(path); err != nil {
					log.Warn(log.ConfigMonitoring, "config reload failed", "path", path, "err", err)
				} else {
					log.Info(log.ConfigMonitoring, "config reloaded", "path", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(log.ConfigMonitoring, "config watcher error", "err", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
