package auth

import (
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// Watch reloads the users file whenever it changes on disk. The containing
// directory is watched so that editors replacing the file are noticed.
func (s *Store) Watch() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.fsWatcher != nil {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create file watcher")
	}
	if err := fsW.Add(filepath.Dir(s.path)); err != nil {
		fsW.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(s.path))
	}

	s.fsWatcher = fsW
	s.cancel = make(chan struct{})
	go s.watchLoop(fsW, s.cancel)
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (s *Store) watchLoop(fsW *fsnotify.Watcher, cancel chan struct{}) {
	var timer *time.Timer
	target := filepath.Clean(s.path)

	for {
		select {
		case <-cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				if err := s.Reload(); err != nil {
					s.logger.Warn("users reload failed, keeping previous credentials", zap.Error(err))
				}
			})

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			s.logger.Warn("users file watcher error", zap.Error(err))
		}
	}
}

// Close stops watching the users file.
func (s *Store) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.fsWatcher == nil {
		return nil
	}
	close(s.cancel)
	err := s.fsWatcher.Close()
	s.fsWatcher = nil
	return err
}
