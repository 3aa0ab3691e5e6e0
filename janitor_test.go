// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"testing"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitorPrunesStaleWorkers(t *testing.T) {
	r, _ := setupRDB(t)
	bg := context.Background()
	start := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewSimulatedClock(start)
	r.SetClock(clock)

	const (
		self  = "self:1:default"
		stale = "gone:2:default"
		busy  = "gone:3:default"
		alive = "alive:4:default"
	)
	for _, id := range []string{self, stale, busy} {
		require.NoError(t, r.RegisterWorker(bg, id))
	}
	require.NoError(t, r.MarkWorking(bg, busy, &base.Work{
		Queue:   "default",
		Payload: &base.Message{Class: "Email", Args: []interface{}{"x"}},
	}))

	clock.AdvanceTime(10 * time.Minute)
	require.NoError(t, r.RegisterWorker(bg, alive))

	j := newJanitor(janitorParams{
		logger:       testLogger,
		broker:       r,
		clock:        clock,
		self:         self,
		interval:     time.Minute,
		staleTimeout: 5 * time.Minute,
	})
	pruned := j.exec()
	assert.ElementsMatch(t, []string{stale, busy}, pruned)

	workers, err := r.ListWorkers(bg)
	require.NoError(t, err)
	var ids []string
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	assert.ElementsMatch(t, []string{self, alive}, ids)

	fs := failures(t, r)
	require.Len(t, fs, 1)
	assert.Equal(t, ExceptionDirtyExit, fs[0].Exception)
	assert.Equal(t, busy, fs[0].Worker)
	assert.Equal(t, "default", fs[0].Queue)
	msg, err := base.DecodeMessage([]byte(fs[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, "Email", msg.Class)
}

func TestJanitorDisabled(t *testing.T) {
	j := newJanitor(janitorParams{logger: testLogger})
	assert.False(t, j.enabled())
	// start and shutdown are no-ops when disabled.
	j.start(nil)
	j.shutdown()
}

func TestIsStale(t *testing.T) {
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	w := &base.WorkerInfo{Started: now.Add(-time.Hour)}
	assert.True(t, isStale(w, now, time.Minute))
	w.Heartbeat = now.Add(-30 * time.Second)
	assert.False(t, isStale(w, now, time.Minute))
	assert.False(t, isStale(&base.WorkerInfo{}, now, time.Minute))
}

// beatingBroker lets a worker heartbeat right after the janitor listed it.
type beatingBroker struct {
	base.Broker
	clock *timeutil.SimulatedClock
	id    string
}

func (b *beatingBroker) ListWorkers(ctx context.Context) ([]*base.WorkerInfo, error) {
	workers, err := b.Broker.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	b.clock.AdvanceTime(time.Second)
	return workers, b.Broker.Heartbeat(ctx, b.id)
}

func TestJanitorSkipsWorkerThatHeartbeatsDuringPrune(t *testing.T) {
	r, _ := setupRDB(t)
	bg := context.Background()
	clock := timeutil.NewSimulatedClock(time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC))
	r.SetClock(clock)

	const busy = "slow:1:default"
	require.NoError(t, r.RegisterWorker(bg, busy))
	require.NoError(t, r.MarkWorking(bg, busy, &base.Work{
		Queue:   "default",
		Payload: &base.Message{Class: "Report", Args: []interface{}{}},
	}))
	clock.AdvanceTime(10 * time.Minute)

	j := newJanitor(janitorParams{
		logger:       testLogger,
		broker:       &beatingBroker{Broker: r, clock: clock, id: busy},
		clock:        clock,
		self:         "self:2:default",
		interval:     time.Minute,
		staleTimeout: 5 * time.Minute,
	})
	assert.Empty(t, j.exec())

	w, err := r.FindWorker(bg, busy)
	require.NoError(t, err)
	assert.Equal(t, base.WorkerStateWorking, w.State)
	assert.Empty(t, failures(t, r))
}

func TestJanitorKeepsWorkerPerformingLongJob(t *testing.T) {
	r, _ := setupRDB(t)
	bg := context.Background()
	clock := timeutil.NewSimulatedClock(time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC))
	r.SetClock(clock)

	const busy = "slow:1:default"
	require.NoError(t, r.RegisterWorker(bg, busy))
	require.NoError(t, r.MarkWorking(bg, busy, &base.Work{
		Queue:   "default",
		Payload: &base.Message{Class: "Report", Args: []interface{}{}},
	}))
	h := newHeartbeater(heartbeaterParams{
		logger:   testLogger,
		broker:   r,
		workerID: busy,
		interval: time.Minute,
	})
	j := newJanitor(janitorParams{
		logger:       testLogger,
		broker:       r,
		clock:        clock,
		self:         "self:2:default",
		interval:     time.Minute,
		staleTimeout: 5 * time.Minute,
	})

	// The job runs for half an hour while the worker keeps beating.
	for i := 0; i < 30; i++ {
		clock.AdvanceTime(time.Minute)
		h.exec()
		require.Empty(t, j.exec())
	}
	assert.Empty(t, failures(t, r))
	w, err := r.FindWorker(bg, busy)
	require.NoError(t, err)
	assert.Equal(t, base.WorkerStateWorking, w.State)
}

func TestPruneWorkerAfterJobFinished(t *testing.T) {
	r, _ := setupRDB(t)
	bg := context.Background()
	const id = "host:1:default"
	require.NoError(t, r.RegisterWorker(bg, id))
	require.NoError(t, r.MarkWorking(bg, id, &base.Work{
		Queue:   "default",
		Payload: &base.Message{Class: "Email", Args: []interface{}{"x"}},
	}))
	w, err := r.FindWorker(bg, id)
	require.NoError(t, err)

	require.NoError(t, r.Done(bg, id))
	err = pruneWorker(bg, r, w)
	assert.True(t, errors.Is(err, errors.ErrWorkerChanged), "got %v", err)
	assert.Empty(t, failures(t, r))

	// Read again, the idle worker is pruned without a failure.
	w, err = r.FindWorker(bg, id)
	require.NoError(t, err)
	require.NoError(t, pruneWorker(bg, r, w))
	assert.Empty(t, failures(t, r))
	_, err = r.FindWorker(bg, id)
	assert.True(t, errors.IsWorkerNotFound(err), "got %v", err)
}
