package spoof

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDefault = 300 * time.Millisecond

// Watcher hot-reloads a spoof source file. On each settled change it reads
// the file and hands the text to onChange; compiling is left to each
// receiving context.
type Watcher struct {
	path     string
	onChange func(source string)
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange func(source string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: debounceDefault,
		logger:   logger,
	}
}

// Run watches the file's directory (editors replace files by rename) until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spoof: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("spoof: resolve %q: %w", w.path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("spoof: watch %q: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.reload(abs)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spoof watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("spoof reload: read failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("spoof source changed", zap.String("path", path), zap.Int("bytes", len(data)))
	w.onChange(string(data))
}

// ReadSource reads a spoof file. A missing file yields empty source.
func ReadSource(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("spoof: read %q: %w", path, err)
	}
	return string(data), nil
}
