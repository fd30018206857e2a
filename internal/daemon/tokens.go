package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/twilsync/internal/config"
	"github.com/fsnotify/fsnotify"
)

const defaultTokenSettle = 300 * time.Millisecond

// tokenUpdater accepts a rotated access token. *twilsock.Client
// satisfies it.
type tokenUpdater interface {
	UpdateToken(ctx context.Context, token string) error
}

// TokenWatcher pushes a rotated token file to the connection. The
// parent directory is watched so atomic replacements (write to a temp
// file, then rename) are seen.
type TokenWatcher struct {
	path    string
	current string
	conn    tokenUpdater
	logger  *slog.Logger

	// settle is how long the file must stay quiet before it is read.
	settle time.Duration
}

// NewTokenWatcher creates a watcher for path. current is the token the
// connection was started with.
func NewTokenWatcher(path, current string, conn tokenUpdater, logger *slog.Logger) *TokenWatcher {
	return &TokenWatcher{
		path:    filepath.Clean(path),
		current: current,
		conn:    conn,
		logger:  logger,
		settle:  defaultTokenSettle,
	}
}

// Watch blocks until ctx is cancelled.
func (w *TokenWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating token watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching token directory: %w", err)
	}

	w.logger.Info("token watcher started", slog.String("path", w.path))

	var changed time.Time

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				changed = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("token watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if changed.IsZero() || time.Since(changed) < w.settle {
				continue
			}

			changed = time.Time{}
			w.reload(ctx)
		}
	}
}

func (w *TokenWatcher) reload(ctx context.Context) {
	token, err := config.ReadTokenFile(w.path)
	if err != nil {
		w.logger.Warn("reading rotated token", slog.String("error", err.Error()))
		return
	}

	if token == w.current {
		w.logger.Debug("token file unchanged")
		return
	}

	if err := w.conn.UpdateToken(ctx, token); err != nil {
		w.logger.Warn("token update rejected", slog.String("error", err.Error()))
		return
	}

	w.current = token
	w.logger.Info("access token rotated")
}
