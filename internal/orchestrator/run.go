package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Run is the daemon loop: automatic cycles on the idle interval, woken
// early by the notifier or the proposal-log watcher. Returns when ctx is
// canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	timer := time.NewTimer(o.cfg.IdleInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-o.notifier.Wake():
			if requested, reason := o.interrupt.get(); requested && reason == ReasonEmergency {
				// Nothing is running, so there is nothing to interrupt;
				// acknowledge and stand down.
				o.interrupt.clear()
				o.logger.Warn("emergency signal received while idle")
				continue
			}
			if queued, err := o.ProcessPendingRequests(); err != nil {
				o.logger.Error("pending request scan failed", zap.Error(err))
			} else if queued > 0 {
				o.logger.Info("pending proposals queued", zap.Int("count", queued))
			}
			o.runLoggedCycle(ctx, CycleUser)
			resetTimer(timer, o.cfg.IdleInterval)

		case <-timer.C:
			o.runLoggedCycle(ctx, CycleAuto)
			timer.Reset(o.cfg.IdleInterval)
		}
	}
}

func (o *Orchestrator) runLoggedCycle(ctx context.Context, ct CycleType) {
	err := o.RunCycle(ctx, ct)
	switch {
	case err == nil:
	case errors.Is(err, ErrInterrupted), errors.Is(err, ErrCycleRunning):
		o.logger.Info("cycle not completed", zap.String("type", string(ct)), zap.Error(err))
	default:
		o.logger.Error("cycle failed", zap.String("type", string(ct)), zap.Error(err))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// WatchProposals wakes the run loop when another process appends to the
// proposal log, so externally filed proposals do not wait out the idle
// interval. The watcher stops when ctx is canceled.
func (o *Orchestrator) WatchProposals(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := o.store.ProposalsPath()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == target && (ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create)) {
					o.notifier.signal()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.logger.Warn("proposal watcher error", zap.Error(werr))
			}
		}
	}()
	return nil
}
