// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/metrics"
)

// healthchecker pings redis periodically. It logs when the connection is
// lost or restored and passes the result of every ping to the user callback.
type healthchecker struct {
	logger  *log.Logger
	broker  base.Broker
	metrics *metrics.Collector

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	interval time.Duration

	// optional user callback, invoked with the result of each ping.
	healthcheckFunc func(error)

	// number of consecutive failed pings.
	failures int
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	metrics         *metrics.Collector
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		broker:          params.broker,
		metrics:         params.metrics,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	err := hc.broker.Ping()
	switch {
	case err != nil:
		hc.failures++
		hc.metrics.RecordBackendError("ping")
		if hc.failures == 1 {
			hc.logger.Errorf("Lost connection to redis: %v", err)
		} else {
			hc.logger.Debugf("Redis still unreachable after %d checks: %v", hc.failures, err)
		}
	case hc.failures > 0:
		hc.logger.Infof("Connection to redis restored after %d failed checks", hc.failures)
		hc.failures = 0
	}
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}
