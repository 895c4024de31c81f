package accessgate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// PolicyGate serves access decisions from a policy file and reloads it when
// the file changes. A file that fails to parse leaves the previous policy in
// force.
type PolicyGate struct {
	path    string
	policy  atomic.Pointer[Policy]
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	reloaded  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPolicyGate loads path and starts watching its directory. Watching the
// directory catches editors and config managers that replace the file.
func NewPolicyGate(path string, logger *zap.Logger) (*PolicyGate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	policy, err := LoadPolicy(abs)
	if err != nil {
		return nil, fmt.Errorf("load access policy: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch access policy: %w", err)
	}
	g := &PolicyGate{
		path:     abs,
		watcher:  watcher,
		logger:   logger.Named("accessgate"),
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	g.policy.Store(policy)
	g.wg.Add(1)
	go g.watch()
	return g, nil
}

func (g *PolicyGate) Check(ctx context.Context, subject, graphID string, perm relaygraph.Permission) (relaygraph.AccessDecision, error) {
	return g.policy.Load().Check(ctx, subject, graphID, perm)
}

// Reloaded signals after each successful reload. Only the latest signal is
// buffered.
func (g *PolicyGate) Reloaded() <-chan struct{} {
	return g.reloaded
}

func (g *PolicyGate) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.watcher.Close()
		g.wg.Wait()
	})
	return err
}

func (g *PolicyGate) watch() {
	defer g.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-g.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != g.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("policy watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			g.reload()
		}
	}
}

func (g *PolicyGate) reload() {
	policy, err := LoadPolicy(g.path)
	if err != nil {
		g.logger.Error("access policy reload failed; keeping previous policy",
			zap.String("path", g.path), zap.Error(err))
		return
	}
	g.policy.Store(policy)
	g.logger.Info("access policy reloaded", zap.String("path", g.path))
	select {
	case g.reloaded <- struct{}{}:
	default:
	}
}
