// 工具清单变更监听器。
//
// 基于 fsnotify 文件系统事件，防抖后触发注册表重载。

package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// --- 监听器类型定义 ---

// Watcher reloads a Registry when its manifest paths change.
type Watcher struct {
	mu sync.Mutex

	registry      *Registry
	paths         []string
	debounceDelay time.Duration
	logger        *zap.Logger

	running  bool
	reloads  int
	lastErr  error
	onReload []func(err error)
}

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher over the manifest files and directories in paths.
func NewWatcher(reg *Registry, paths []string, opts ...WatcherOption) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no manifest paths to watch")
	}
	w := &Watcher{
		registry:      reg,
		debounceDelay: 200 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "registry_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", p, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(cb func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, cb)
}

// Run watches until ctx is done. A failed reload keeps the previous
// snapshot and is reported through OnReload.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	// 监听目录而不是文件，编辑器的原子替换不会丢失监听
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		dir := p
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			dir = filepath.Dir(p)
		}
		if _, seen := dirs[dir]; seen {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = struct{}{}
	}

	w.logger.Info("registry watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("debounce_delay", w.debounceDelay))

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("registry watcher stopped")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("manifest event", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			// 重置防抖定时器
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
			} else {
				timer.Reset(w.debounceDelay)
			}
			timerCh = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		case <-timerCh:
			timerCh = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	for _, p := range w.paths {
		if name == p {
			return true
		}
		if filepath.Dir(name) == p && isManifest(filepath.Base(name)) {
			return true
		}
	}
	return false
}

func (w *Watcher) reload(ctx context.Context) {
	err := w.registry.LoadPaths(ctx, w.paths...)
	if err != nil {
		w.logger.Error("registry reload failed, keeping previous tools", zap.Error(err))
	}

	w.mu.Lock()
	w.reloads++
	w.lastErr = err
	callbacks := make([]func(error), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Reloads returns how many reloads ran and the last reload error.
func (w *Watcher) Reloads() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.lastErr
}

// Paths returns the list of watched paths
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}
