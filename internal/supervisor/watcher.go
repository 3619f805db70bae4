package supervisor

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// watchEntryPoint restarts the application when the entry point file is
// rewritten on disk (in-place kiosk updates). The application directory is
// watched rather than the file itself so atomic replace (write + rename)
// is seen too. Blocks until ctx is cancelled.
func (s *Supervisor) watchEntryPoint(ctx context.Context, appDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(appDir); err != nil {
		return err
	}

	entry := s.cfg.EntryPath(appDir)
	s.logger.Info("watching entry point for updates", "path", entry)

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != entry {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("entry point changed", "op", event.Op)

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				s.logger.Info("entry point updated, restarting application")
				s.RequestRestart()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("entry point watcher error", "error", err)
		}
	}
}
