// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/metrics"
)

// heartbeater writes the worker heartbeat periodically, independent of the
// job being performed, so other workers' janitors see a busy worker as alive.
type heartbeater struct {
	logger   *log.Logger
	broker   base.Broker
	metrics  *metrics.Collector
	workerID string

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	interval time.Duration
}

type heartbeaterParams struct {
	logger   *log.Logger
	broker   base.Broker
	metrics  *metrics.Collector
	workerID string
	interval time.Duration
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	return &heartbeater{
		logger:   params.logger,
		broker:   params.broker,
		metrics:  params.metrics,
		workerID: params.workerID,
		done:     make(chan struct{}),
		interval: params.interval,
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	// Signal the heartbeater goroutine to stop.
	h.done <- struct{}{}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		// First beat right away; registration already wrote one but the
		// worker may have been pruned since.
		h.exec()
		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return
			case <-timer.C:
				h.exec()
				timer.Reset(h.interval)
			}
		}
	}()
}

func (h *heartbeater) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	if err := h.broker.Heartbeat(ctx, h.workerID); err != nil {
		h.metrics.RecordBackendError("rdb.Heartbeat")
		h.logger.Errorf("Could not write heartbeat for worker %s: %v", h.workerID, err)
	}
}
