package kiro

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch invokes onChange with freshly loaded credential material whenever the
// credential file is rewritten by another process (the Kiro IDE refreshes it
// on its own schedule). Events are debounced; the watcher stops when done
// closes.
func (s *CredStore) Watch(done <-chan struct{}, onChange func(*TokenData)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var debounce *time.Timer
		for {
			select {
			case <-done:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					token, err := s.Load("")
					if err != nil {
						log.WithError(err).Warn("kiro: credential file changed but reload failed")
						return
					}
					log.Debug("kiro: credential file changed, reloading")
					onChange(token)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("kiro: credential watcher error")
			}
		}
	}()
	return nil
}
