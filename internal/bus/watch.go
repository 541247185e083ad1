package bus

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"termbus/internal/logging"
)

// watchSocket wakes the reconnect wait when the relay socket is created, so
// a relay spawned by another client is picked up without the full delay.
// Failure to watch only costs latency.
func (c *Client) watchSocket(ctx context.Context, socket string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug("socket watch unavailable", logging.Error(err))
		return
	}
	if err := watcher.Add(filepath.Dir(socket)); err != nil {
		c.logger.Debug("socket watch unavailable", logging.Error(err), logging.String(logging.FieldSocket, socket))
		_ = watcher.Close()
		return
	}
	target := filepath.Clean(socket)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == 0 || filepath.Clean(event.Name) != target {
					continue
				}
				select {
				case c.wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Debug("socket watch error", logging.Error(err))
			}
		}
	}()
}
