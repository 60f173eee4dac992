package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"clawd/internal/logging"
)

// Factory materializes one skill from its configuration map.
type Factory func(cfg map[string]any) (Skill, error)

// factoryEntry pairs a factory with the option keys it understands.
type factoryEntry struct {
	build Factory
	keys  map[string]bool
}

// LoaderConfig is the on-disk enable/disable file. An empty Enabled
// list means every discovered skill loads unless disabled.
type LoaderConfig struct {
	Enabled  []string                  `json:"enabled"`
	Disabled []string                  `json:"disabled"`
	Config   map[string]map[string]any `json:"config"`
}

// Loader discovers skills from a directory layout (one subdirectory per
// skill) and keeps the runtime in sync with it. Code is materialized
// through registered factories; the directory contract decides what is
// active.
type Loader struct {
	runtime    *Runtime
	dir        string
	configPath string

	mu        sync.Mutex
	factories map[string]*factoryEntry
	loaded    map[string]bool

	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log *logging.Logger
}

// NewLoader builds a loader for the given skills directory and config
// file path.
func NewLoader(runtime *Runtime, dir, configPath string) *Loader {
	return &Loader{
		runtime:    runtime,
		dir:        dir,
		configPath: configPath,
		factories:  make(map[string]*factoryEntry),
		loaded:     make(map[string]bool),
		debounce:   300 * time.Millisecond,
		stopCh:     make(chan struct{}),
		log:        logging.Get(logging.CategorySkills),
	}
}

// RegisterFactory installs a named skill factory. keys lists the config
// options the factory recognizes; anything else in the config file
// produces a warning at load time.
func (l *Loader) RegisterFactory(name string, keys []string, build Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	l.factories[name] = &factoryEntry{build: build, keys: known}
}

// Load reads the config file, scans the directory, and registers every
// eligible skill. Per-skill failures are logged and skipped.
func (l *Loader) Load() error {
	cfg, err := l.readConfig()
	if err != nil {
		return err
	}

	names, err := l.discover()
	if err != nil {
		return err
	}

	for _, name := range names {
		if !eligible(name, cfg) {
			l.log.Debug("skill %s present but not enabled", name)
			continue
		}
		if err := l.loadOne(name, cfg); err != nil {
			l.log.Error("loading skill %s failed: %v", name, err)
		}
	}
	return nil
}

// discover lists the immediate subdirectories of the skills dir. A
// missing dir is an empty set, not an error; built-in skills register
// directly on the runtime.
func (l *Loader) discover() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (l *Loader) readConfig() (*LoaderConfig, error) {
	var cfg LoaderConfig
	raw, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read skill config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse skill config: %w", err)
	}
	return &cfg, nil
}

func eligible(name string, cfg *LoaderConfig) bool {
	for _, d := range cfg.Disabled {
		if d == name {
			return false
		}
	}
	if len(cfg.Enabled) == 0 {
		return true
	}
	for _, e := range cfg.Enabled {
		if e == name {
			return true
		}
	}
	return false
}

func (l *Loader) loadOne(name string, cfg *LoaderConfig) error {
	l.mu.Lock()
	entry, ok := l.factories[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no factory registered for skill %s", name)
	}

	opts := cfg.Config[name]
	for key := range opts {
		if !entry.keys[key] {
			l.log.Warn("skill %s config has unknown key %q, ignoring", name, key)
		}
	}

	s, err := entry.build(opts)
	if err != nil {
		return err
	}
	if err := l.runtime.Register(s); err != nil {
		return err
	}
	l.mu.Lock()
	l.loaded[name] = true
	l.mu.Unlock()
	return nil
}

// Watch starts hot reload: a change under a skill's subdirectory
// reloads that skill only; a change to the config file reconciles the
// whole enabled set. Events are debounced since editors fire several
// per save.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = w

	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch skills dir: %w", err)
	}
	if dir := filepath.Dir(l.configPath); dir != l.dir {
		if err := w.Add(dir); err != nil {
			l.log.Warn("cannot watch config dir %s: %v", dir, err)
		}
	}
	names, _ := l.discover()
	for _, n := range names {
		if err := w.Add(filepath.Join(l.dir, n)); err != nil {
			l.log.Warn("cannot watch skill dir %s: %v", n, err)
		}
	}

	l.wg.Add(1)
	go l.watchLoop()
	l.log.Info("skill hot reload watching %s", l.dir)
	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()
	pending := make(map[string]bool) // skill names, "" = full reconcile
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-l.stopCh:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[l.classify(ev.Name)] = true
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			timerC = timer.C
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("watcher error: %v", err)
		case <-timerC:
			timerC = nil
			batch := pending
			pending = make(map[string]bool)
			l.apply(batch)
		}
	}
}

// classify maps a changed path to the skill it belongs to, or "" for
// the config file / top-level changes that need a full reconcile.
func (l *Loader) classify(path string) string {
	if path == l.configPath {
		return ""
	}
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == "." || rel == ".." {
		return ""
	}
	if idx := indexSep(rel); idx >= 0 {
		return rel[:idx]
	}
	return rel
}

func indexSep(s string) int {
	for i := 0; i < len(s); i++ {
		if os.IsPathSeparator(s[i]) {
			return i
		}
	}
	return -1
}

// apply reloads changed skills: shut down and re-register each one, or
// reconcile everything when the config file moved.
func (l *Loader) apply(batch map[string]bool) {
	cfg, err := l.readConfig()
	if err != nil {
		l.log.Error("hot reload: %v", err)
		return
	}
	if batch[""] {
		l.reconcile(cfg)
		return
	}
	for name := range batch {
		l.reload(name, cfg)
	}
}

func (l *Loader) reload(name string, cfg *LoaderConfig) {
	l.mu.Lock()
	wasLoaded := l.loaded[name]
	l.mu.Unlock()

	if wasLoaded {
		if err := l.runtime.Unregister(name); err != nil {
			l.log.Warn("hot reload unregister %s: %v", name, err)
		}
		l.mu.Lock()
		delete(l.loaded, name)
		l.mu.Unlock()
	}
	if !eligible(name, cfg) {
		l.log.Info("skill %s disabled by config", name)
		return
	}
	if err := l.loadOne(name, cfg); err != nil {
		l.log.Error("hot reload of %s failed: %v", name, err)
		return
	}
	l.log.Info("skill %s reloaded", name)
}

// reconcile brings the loaded set in line with the config file after it
// changed: newly disabled skills are unloaded, newly enabled ones load.
func (l *Loader) reconcile(cfg *LoaderConfig) {
	names, err := l.discover()
	if err != nil {
		l.log.Error("hot reload discover: %v", err)
		return
	}
	for _, name := range names {
		l.mu.Lock()
		isLoaded := l.loaded[name]
		l.mu.Unlock()
		want := eligible(name, cfg)
		switch {
		case want && !isLoaded:
			if err := l.loadOne(name, cfg); err != nil {
				l.log.Error("reconcile load %s: %v", name, err)
			}
		case !want && isLoaded:
			if err := l.runtime.Unregister(name); err != nil {
				l.log.Warn("reconcile unload %s: %v", name, err)
			}
			l.mu.Lock()
			delete(l.loaded, name)
			l.mu.Unlock()
		}
	}
}

// Stop shuts the watcher down.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.watcher != nil {
			l.watcher.Close()
		}
		l.wg.Wait()
	})
}
