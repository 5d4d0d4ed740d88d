package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindow is a process-local fixed-window counter. It is correct for a
// single instance only; multi-instance deployments use RedisWindow.
type MemoryWindow struct {
	cfg     Config
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryWindow creates an in-memory limiter and starts its cleanup loop.
func NewMemoryWindow(cfg Config) *MemoryWindow {
	w := &MemoryWindow{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go w.cleanup(cfg.Window)
	return w
}

// WithClock overrides the time source.
func (w *MemoryWindow) WithClock(now func() time.Time) *MemoryWindow {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
	return w
}

// Allow counts a hit for key.
func (w *MemoryWindow) Allow(_ context.Context, key string) (Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	win, ok := w.windows[key]
	if !ok || !now.Before(win.expiresAt) {
		win = &window{expiresAt: now.Add(w.cfg.Window)}
		w.windows[key] = win
	}
	win.count++
	return decide(win.count, w.cfg.Limit, win.expiresAt), nil
}

// cleanup removes expired windows periodically
func (w *MemoryWindow) cleanup(interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			now := w.now()
			for key, win := range w.windows {
				if !now.Before(win.expiresAt) {
					delete(w.windows, key)
				}
			}
			w.mu.Unlock()
		case <-w.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (w *MemoryWindow) Stop() {
	w.once.Do(func() { close(w.stop) })
}

var _ Counter = (*MemoryWindow)(nil)
