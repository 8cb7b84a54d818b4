package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// PolicyWatcher reloads the policy bundle whenever the configured policies
// file or folder changes. Stop must be called to release filesystem resources.
type PolicyWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *PolicyWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// policyWatch holds the state of one running watch loop.
type policyWatch struct {
	ctx      context.Context
	fs       *fsnotify.Watcher
	source   PoliciesConfig
	inline   map[string]PolicyConfig
	onChange func(PolicyBundle)
	onError  func(error)

	target string // absolute policies file, empty when watching a folder
	dirs   map[string]struct{}
}

// WatchPolicies builds the bundle once, hands it to onChange, then rebuilds it
// after every relevant filesystem change. cfg should come from Loader.Load so
// InlinePolicies is populated. Rebuild failures go to onError and leave the
// previous bundle in place.
func (l *Loader) WatchPolicies(ctx context.Context, cfg Config, onChange func(PolicyBundle), onError func(error)) (*PolicyWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch policies requires a change callback")
	}
	source := cfg.Server.Policies
	if source.PoliciesFile == "" && source.PoliciesFolder == "" {
		return nil, errors.New("config: no policies source configured for watching")
	}
	if onError == nil {
		onError = func(error) {}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch policies: %w", err)
	}

	w := &policyWatch{
		ctx:      watchCtx,
		fs:       fsw,
		source:   source,
		inline:   clonePolicyMap(cfg.InlinePolicies),
		onChange: onChange,
		onError:  onError,
		dirs:     make(map[string]struct{}),
	}

	bundle, err := buildPolicyBundle(watchCtx, w.inline, source)
	if err != nil {
		w.close()
		cancel()
		return nil, err
	}
	onChange(bundle)

	// Directories are registered before returning so no edit made right
	// after WatchPolicies is missed.
	w.register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.close()
		w.loop()
	}()
	return &PolicyWatcher{cancel: cancel, done: done}, nil
}

func (w *policyWatch) close() {
	if err := w.fs.Close(); err != nil {
		w.onError(fmt.Errorf("config: watch policies close: %w", err))
	}
}

func (w *policyWatch) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.onError(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// register watches the parent directory of a policies file, so atomic
// rename-over saves are seen, or every directory under a policies folder.
func (w *policyWatch) register() {
	if w.source.PoliciesFile != "" {
		resolved, err := filepath.Abs(w.source.PoliciesFile)
		if err != nil {
			w.onError(fmt.Errorf("config: resolve policies file: %w", err))
			resolved = w.source.PoliciesFile
		}
		w.target = filepath.Clean(resolved)
		w.addDir(filepath.Dir(w.target))
		return
	}
	root, err := filepath.Abs(w.source.PoliciesFolder)
	if err != nil {
		w.onError(fmt.Errorf("config: resolve policies folder: %w", err))
		root = w.source.PoliciesFolder
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.onError(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	if err != nil {
		w.onError(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

// relevant reports whether event should trigger a reload, registering newly
// created subdirectories on the way.
func (w *policyWatch) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if w.target != "" {
		if name != w.target {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.onError(fmt.Errorf("config: policies file %s removed", w.target))
		}
		return event.Op&relevantOps != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedPolicyFile(name) && event.Op&relevantOps != 0
}

func (w *policyWatch) reload() {
	bundle, err := buildPolicyBundle(w.ctx, w.inline, w.source)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.onError(err)
		}
		return
	}
	w.onChange(bundle)
}

func (w *policyWatch) loop() {
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	var pending <-chan time.Time

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-pending:
			pending = nil
			w.reload()
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Bursts of events from one save collapse into a single reload.
			if pending != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
			pending = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}
