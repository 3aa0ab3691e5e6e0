// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"sync"
	"testing"
	"time"

	"github.com/hemant/resq/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker(t *testing.T) {
	r, mr := setupRDB(t)

	var (
		mu   sync.Mutex
		errs []error
	)
	hc := newHealthChecker(healthcheckerParams{
		logger:   testLogger,
		broker:   r,
		interval: 20 * time.Millisecond,
		healthcheckFunc: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
		},
	})
	var wg sync.WaitGroup
	hc.start(&wg)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
	mu.Lock()
	assert.NoError(t, errs[0])
	mu.Unlock()

	mr.Close()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs[len(errs)-1] != nil
	})

	hc.shutdown()
	wg.Wait()
}

func TestHealthCheckerWithoutFunc(t *testing.T) {
	r, _ := setupRDB(t)
	hc := newHealthChecker(healthcheckerParams{logger: testLogger, broker: r, interval: time.Millisecond})
	var wg sync.WaitGroup
	hc.start(&wg)
	hc.shutdown()
	wg.Wait()
}

func TestHealthCheckerTracksFailures(t *testing.T) {
	r, mr := setupRDB(t)
	reg := prometheus.NewRegistry()
	hc := newHealthChecker(healthcheckerParams{
		logger:   testLogger,
		broker:   r,
		metrics:  metrics.NewCollector(reg),
		interval: time.Hour,
	})

	hc.exec()
	assert.Zero(t, hc.failures)

	mr.Close()
	hc.exec()
	hc.exec()
	assert.Equal(t, 2, hc.failures)
	assert.Equal(t, float64(2), gatheredValue(t, reg, "resq_backend_errors_total"))

	require.NoError(t, mr.Restart())
	hc.exec()
	assert.Zero(t, hc.failures)
}
