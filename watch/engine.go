package watch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrUnknownModpack indicates no watch config exists for the name.
	ErrUnknownModpack = errors.New("watch: unknown modpack")
	// ErrWatchDisabled indicates the config exists but is disabled.
	ErrWatchDisabled = errors.New("watch: modpack watch is disabled")
	// ErrAlreadyWatching indicates a watch task is already running.
	ErrAlreadyWatching = errors.New("watch: already watching")
)

// Engine runs one watcher task per actively watched modpack. Tasks are
// fully independent: a flood of events in one modpack never delays
// another's flush.
type Engine struct {
	dispatcher SyncDispatcher

	mu       sync.Mutex
	configs  map[string]Config
	watchers map[string]*watcherTask

	events chan Event
	errs   chan error
}

// NewEngine creates an engine delivering flushed batches to dispatcher.
func NewEngine(dispatcher SyncDispatcher) *Engine {
	return &Engine{
		dispatcher: dispatcher,
		configs:    make(map[string]Config),
		watchers:   make(map[string]*watcherTask),
		events:     make(chan Event, 64),
		errs:       make(chan error, 64),
	}
}

// Events surfaces watch notifications for the UI layer.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Errors surfaces native watcher faults. The tasks log and continue.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

// SetConfig registers or replaces a modpack's watch config. A running
// watch keeps its original config until restarted.
func (e *Engine) SetConfig(cfg Config) error {
	if cfg.ModpackName == "" {
		return errors.New("watch: modpack name is required")
	}
	if cfg.ModpackPath == "" {
		return errors.New("watch: modpack path is required")
	}
	e.mu.Lock()
	e.configs[cfg.ModpackName] = cfg
	e.mu.Unlock()
	return nil
}

// RemoveConfig drops a modpack's config, stopping its watch if running.
func (e *Engine) RemoveConfig(modpackName string) {
	e.StopWatching(modpackName)
	e.mu.Lock()
	delete(e.configs, modpackName)
	e.mu.Unlock()
}

// Configs returns the registered watch configs keyed by modpack name.
func (e *Engine) Configs() map[string]Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Config, len(e.configs))
	for name, cfg := range e.configs {
		out[name] = cfg
	}
	return out
}

// Watching reports whether a modpack watch task is running.
func (e *Engine) Watching(modpackName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watchers[modpackName]
	return ok
}

// StartWatching installs recursive watches for a configured modpack and
// spawns its debounce task.
func (e *Engine) StartWatching(modpackName string) error {
	e.mu.Lock()
	cfg, ok := e.configs[modpackName]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownModpack, modpackName)
	}
	if !cfg.Enabled {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrWatchDisabled, modpackName)
	}
	if _, running := e.watchers[modpackName]; running {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyWatching, modpackName)
	}
	e.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	roots := cfg.WatchFolders
	if len(roots) == 0 {
		roots = []string{"."}
	}
	for _, folder := range roots {
		root := filepath.Join(cfg.ModpackPath, folder)
		if err := addRecursive(fsw, root); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %q: %w", root, err)
		}
	}

	task := &watcherTask{
		engine: e,
		cfg:    cfg,
		fsw:    fsw,
	}
	task.ctx, task.cancel = context.WithCancel(context.Background())

	e.mu.Lock()
	if _, running := e.watchers[modpackName]; running {
		e.mu.Unlock()
		task.cancel()
		fsw.Close()
		return fmt.Errorf("%w: %q", ErrAlreadyWatching, modpackName)
	}
	e.watchers[modpackName] = task
	e.mu.Unlock()

	task.wg.Add(1)
	go task.run()

	e.emit(Event{Type: EventWatchStarted, Modpack: modpackName})
	return nil
}

// StopWatching cancels a modpack's watch task and releases its native
// handles. Unflushed pending changes are discarded: a fresh watch
// establishes a new baseline instead of replaying stale deltas.
func (e *Engine) StopWatching(modpackName string) {
	e.mu.Lock()
	task, ok := e.watchers[modpackName]
	if ok {
		delete(e.watchers, modpackName)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	task.stop()
	e.emit(Event{Type: EventWatchStopped, Modpack: modpackName})
}

// StopAll stops every running watch task.
func (e *Engine) StopAll() {
	e.mu.Lock()
	tasks := make(map[string]*watcherTask, len(e.watchers))
	for name, task := range e.watchers {
		tasks[name] = task
	}
	e.watchers = make(map[string]*watcherTask)
	e.mu.Unlock()

	for name, task := range tasks {
		task.stop()
		e.emit(Event{Type: EventWatchStopped, Modpack: name})
	}
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
	}
}

func (e *Engine) reportErr(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

// addRecursive installs a watch on root and every directory below it. A
// missing root is silently skipped.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep going
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// watcherTask owns one modpack's native event source, debounce deadline
// and cancellation channel.
type watcherTask struct {
	engine *Engine
	cfg    Config
	fsw    *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (t *watcherTask) stop() {
	t.cancel()
	t.fsw.Close()
	t.wg.Wait()
}

// run drains native events, filters and accumulates them, and flushes once
// no new event has arrived for the debounce window. The window slides:
// sustained activity postpones the flush indefinitely.
func (t *watcherTask) run() {
	defer t.wg.Done()

	debounce := t.cfg.debounce()
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	var pending []FileChange

	for {
		select {
		case ev, ok := <-t.fsw.Events:
			if !ok {
				return
			}
			change, accepted := t.mapEvent(ev)
			if !accepted {
				continue
			}
			pending = append(pending, change)
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
			armed = true

		case err, ok := <-t.fsw.Errors:
			if !ok {
				return
			}
			t.engine.reportErr(fmt.Errorf("watch %s: %w", t.cfg.ModpackName, err))

		case <-timer.C:
			armed = false
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = nil
			t.flush(batch)

		case <-t.ctx.Done():
			// Pending changes are deliberately dropped.
			return
		}
	}
}

// mapEvent converts one native event into a FileChange, applying the
// ignore patterns. Directory creations extend the recursive watch instead
// of producing a change.
func (t *watcherTask) mapEvent(ev fsnotify.Event) (FileChange, bool) {
	rel, err := filepath.Rel(t.cfg.ModpackPath, ev.Name)
	if err != nil {
		return FileChange{}, false
	}
	rel = filepath.ToSlash(rel)

	if matchIgnore(t.cfg.IgnorePatterns, rel) {
		return FileChange{}, false
	}

	var kind ChangeKind
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(t.fsw, ev.Name); err != nil {
				t.engine.reportErr(fmt.Errorf("extend watch %s: %w", rel, err))
			}
			return FileChange{}, false
		}
		kind = ChangeCreated
	case ev.Has(fsnotify.Write):
		kind = ChangeModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = ChangeDeleted
	default:
		return FileChange{}, false
	}

	change := FileChange{Path: rel, Kind: kind, At: time.Now()}
	if kind != ChangeDeleted {
		if info, err := os.Stat(ev.Name); err == nil && info.Mode().IsRegular() {
			change.Size = info.Size()
			change.Digest = fileDigest(ev.Name)
		}
	}
	return change, true
}

func (t *watcherTask) flush(batch []FileChange) {
	t.engine.emit(Event{
		Type:    EventChangesDetected,
		Modpack: t.cfg.ModpackName,
		Count:   len(batch),
	})
	t.engine.dispatcher.DispatchSync(SyncRequest{
		Modpack:     t.cfg.ModpackName,
		Changes:     batch,
		TargetPeers: append([]string(nil), t.cfg.TargetPeers...),
	})
}

// fileDigest returns the hex BLAKE2b-256 digest of a file, empty on error.
func fileDigest(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return ""
	}
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
