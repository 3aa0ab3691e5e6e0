// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/timeutil"
)

// janitor is responsible for periodically pruning workers that stopped
// sending heartbeats, e.g. because their process was killed.
type janitor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// identity of the worker running this janitor. Never pruned.
	self string

	// interval between cleanup runs.
	interval time.Duration

	// workers whose last heartbeat is older than this are pruned.
	staleTimeout time.Duration
}

type janitorParams struct {
	logger       *log.Logger
	broker       base.Broker
	clock        timeutil.Clock
	self         string
	interval     time.Duration
	staleTimeout time.Duration
}

func newJanitor(params janitorParams) *janitor {
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &janitor{
		logger:       params.logger,
		broker:       params.broker,
		clock:        clock,
		done:         make(chan struct{}),
		self:         params.self,
		interval:     params.interval,
		staleTimeout: params.staleTimeout,
	}
}

func (j *janitor) enabled() bool { return j.staleTimeout > 0 }

func (j *janitor) shutdown() {
	if !j.enabled() {
		return
	}
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	if !j.enabled() {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

// exec prunes every stale worker and returns their identities.
func (j *janitor) exec() []string {
	ctx := context.Background()
	workers, err := j.broker.ListWorkers(ctx)
	if err != nil {
		j.logger.Errorf("Failed to list workers: %v", err)
		return nil
	}
	now := j.clock.Now()
	var pruned []string
	for _, w := range workers {
		if w.ID == j.self || !isStale(w, now, j.staleTimeout) {
			continue
		}
		err := pruneWorker(ctx, j.broker, w)
		switch {
		case errors.Is(err, errors.ErrWorkerChanged), errors.IsWorkerNotFound(err):
			j.logger.Debugf("Worker %s came back or left, not pruning", w.ID)
			continue
		case err != nil:
			j.logger.Errorf("Failed to prune worker %s: %v", w.ID, err)
			continue
		}
		j.logger.Infof("Pruned stale worker %s (last heartbeat %v)", w.ID, lastSeen(w))
		pruned = append(pruned, w.ID)
	}
	return pruned
}

func lastSeen(w *base.WorkerInfo) time.Time {
	if w.Heartbeat.IsZero() {
		return w.Started
	}
	return w.Heartbeat
}

func isStale(w *base.WorkerInfo, now time.Time, timeout time.Duration) bool {
	seen := lastSeen(w)
	if seen.IsZero() {
		return false
	}
	return now.Sub(seen) > timeout
}

// pruneWorker deregisters the worker. A job it was performing is
// recorded as a DirtyExit failure so that it can be retried.
// Nothing happens if the worker changed since w was read.
func pruneWorker(ctx context.Context, broker base.Broker, w *base.WorkerInfo) error {
	var f *base.FailureRecord
	if w.State == base.WorkerStateWorking && w.Job != nil && w.Job.Payload != nil {
		payload, err := base.EncodeMessage(w.Job.Payload)
		if err != nil {
			return err
		}
		f = &base.FailureRecord{
			Payload:   string(payload),
			Exception: ExceptionDirtyExit,
			Error:     fmt.Sprintf("worker %s went away while performing the job", w.ID),
			Worker:    w.ID,
			Queue:     w.Job.Queue,
		}
	}
	return broker.PruneWorker(ctx, w, f)
}
