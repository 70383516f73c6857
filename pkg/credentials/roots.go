package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Process-wide default trust roots. Providers consult this store through
// their registered override hook whenever a handle is created without
// explicit roots. Writes are last-write-wins with no atomicity guarantee
// beyond the pointer swap; a handle reads the store once at construction and
// is never rebound by later writes.
var defaultRoots atomic.Pointer[[]byte]

// SetDefaultRootsPEM installs pem as the process-wide default trust bundle,
// replacing any previous value. The bytes are copied.
func SetDefaultRootsPEM(pem []byte) {
	buf := make([]byte, len(pem))
	copy(buf, pem)
	defaultRoots.Store(&buf)
}

// DefaultRootsPEM returns the current default trust bundle. found is false
// until the first SetDefaultRootsPEM call. This function has the shape
// providers expect from Provider.RegisterRootsOverrideHook.
func DefaultRootsPEM() ([]byte, bool) {
	p := defaultRoots.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// resetDefaultRootsForTest clears the store. Test use only.
func resetDefaultRootsForTest() {
	defaultRoots.Store(nil)
}

// WatchDefaultRootsFile loads path into the default roots store and keeps the
// store updated as the file changes, until ctx is done. callback, if non-nil,
// runs after each successful reload.
func WatchDefaultRootsFile(ctx context.Context, path string, logger *slog.Logger, callback func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	credLogger := NewCredentialLogger(logger)

	if err := loadRootsFile(ctx, path, credLogger); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create roots file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch roots file %q: %w", path, err)
	}

	go watchRootsFile(ctx, watcher, path, logger, credLogger, callback)
	return nil
}

func watchRootsFile(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *slog.Logger, credLogger *CredentialLogger, callback func()) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				// Small delay to let rapid successive writes settle.
				time.Sleep(100 * time.Millisecond)
				if err := loadRootsFile(ctx, path, credLogger); err != nil {
					logger.Error("failed to reload default roots after file change", "path", path, "error", err)
					continue
				}
				if callback != nil {
					callback()
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("roots file watcher error", "error", err)
		}
	}
}

func loadRootsFile(ctx context.Context, path string, logger *CredentialLogger) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read roots file %q: %w", path, err)
	}

	SetDefaultRootsPEM(pem)
	logger.LogRootsOverrideSet(ctx, len(pem), path)
	return nil
}
