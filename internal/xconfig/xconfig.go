// Package xconfig loads the client-facing terminal preferences file (layout,
// theme) and watches it for edits, broadcasting the new value to every
// connected session so a config change takes effect without a reconnect.
package xconfig

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs the burst of events an editor's save-via-rename
// produces for a single logical write (mirrors the original Rust watcher's
// 50ms notify-debouncer-mini window).
const debounceDelay = 50 * time.Millisecond

// Config is the subset of terminal preferences the client applies on
// connect and on every subsequent change.
type Config struct {
	Layout string `toml:"layout"`
	Theme  string `toml:"theme"`
}

func defaultConfig() Config {
	return Config{Layout: "qwerty", Theme: "Default"}
}

func readConfig(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Logger is the minimal logging surface Watcher needs.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Watcher holds the current Config and notifies subscribers on reload. All
// state is owned by a single goroutine (run); Current/Subscribe/Unsubscribe
// only touch the mutex-guarded snapshot and subscriber map.
type Watcher struct {
	path string
	log  Logger

	mu      sync.RWMutex
	current Config
	subs    map[int]chan Config
	nextID  int

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// New reads path once (falling back to defaults if it's missing or
// malformed) and starts watching its parent directory for changes.
func New(path string, logger Logger) (*Watcher, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	initial, err := readConfig(path)
	if err != nil {
		initial = defaultConfig()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		log:     logger,
		current: initial,
		subs:    make(map[int]chan Config),
		fsw:     fsw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run(dir, filepath.Base(path))
	return w, nil
}

func (w *Watcher) run(dir, filename string) {
	defer close(w.done)
	defer w.fsw.Close()

	debounceFired := make(chan struct{}, 1)
	var timer *time.Timer

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filename {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounceDelay, func() {
					select {
					case debounceFired <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounceDelay)
			}

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

		case <-debounceFired:
			timer = nil
			// Unwatch/rewatch around the read: some editors save via a
			// rename that would otherwise orphan the watch on the
			// directory entry (documented race, matches the original Rust
			// watcher's pause/resume around read_cfg; not fully closed here
			// either).
			w.fsw.Remove(dir)
			if cfg, err := readConfig(w.path); err != nil {
				w.log.Warnf("reload config %q: %v", w.path, err)
			} else {
				w.setCurrent(cfg)
			}
			if err := w.fsw.Add(dir); err != nil {
				w.log.Warnf("rewatch %q: %v", dir, err)
			}

		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) setCurrent(cfg Config) {
	w.mu.Lock()
	w.current = cfg
	subs := make([]chan Config, 0, len(w.subs))
	for _, c := range w.subs {
		subs = append(subs, c)
	}
	w.mu.Unlock()

	for _, c := range subs {
		select {
		case c <- cfg:
		default:
			// Lagging subscriber: it will still see the latest value via
			// Current() on its next use.
		}
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers for reload notifications. The returned channel is
// buffered; a subscriber that falls behind just misses intermediate values,
// never the most recent one (reachable via Current).
func (w *Watcher) Subscribe() (id int, ch <-chan Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id = w.nextID
	w.nextID++
	c := make(chan Config, 1)
	w.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscriber and closes its channel.
func (w *Watcher) Unsubscribe(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.subs[id]; ok {
		delete(w.subs, id)
		close(c)
	}
}

// Close stops the watch goroutine.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return nil
}
