package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sicko7947/stepflow"
)

// runLease is a held run lease renewed in the background until released.
// Its context ends when the lease is released or lost.
type runLease struct {
	e      *Engine
	runID  string
	token  string
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// leaseToken identifies one lease acquisition. Two drives on the same
// engine never share a token, so the ledger keeps them exclusive.
func (e *Engine) leaseToken() string {
	return e.owner + "/" + uuid.New().String()
}

func (e *Engine) acquireLease(ctx context.Context, runID string) (*runLease, error) {
	token := e.leaseToken()
	ok, err := e.leaser.AcquireLease(ctx, runID, token, e.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, stepflow.ErrRunNotFound) {
			return nil, err
		}
		return nil, stepflow.NewLedgerError("acquire_lease", runID, err)
	}
	if !ok {
		stepflow.LogLeaseContended(e.logger, runID, token)
		e.metrics.leaseContended()
		return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrLeaseHeld)
	}

	e.mu.Lock()
	e.held[runID]++
	e.mu.Unlock()

	lctx, cancel := context.WithCancel(ctx)
	l := &runLease{
		e:      e,
		runID:  runID,
		token:  token,
		parent: ctx,
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.keepAlive(e.config.LeaseTTL / 3)
	return l, nil
}

// busy reports whether this engine is driving runID or has it queued
func (e *Engine) busy(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, queued := e.inflight[runID]
	return queued || e.held[runID] > 0
}

func (l *runLease) keepAlive(interval time.Duration) {
	defer close(l.done)

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.e.leaser.RenewLease(l.ctx, l.runID, l.token, l.e.config.LeaseTTL)
			if l.ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				if err == nil {
					err = stepflow.ErrLeaseHeld
				}
				stepflow.LogLeaseLost(l.e.logger, l.runID, l.token, err)
				l.cancel()
				return
			}
		}
	}
}

func (l *runLease) release() {
	l.cancel()
	<-l.done

	l.e.mu.Lock()
	l.e.held[l.runID]--
	if l.e.held[l.runID] <= 0 {
		delete(l.e.held, l.runID)
	}
	l.e.mu.Unlock()

	if err := l.e.leaser.ReleaseLease(context.WithoutCancel(l.parent), l.runID, l.token); err != nil {
		stepflow.LogPersistenceError(l.e.logger, l.runID, "release_lease", err)
	}
}
