// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"testing"
	"time"

	"github.com/hemant/resq/internal/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, client redis.UniversalClient, clock timeutil.Clock) *Scheduler {
	t.Helper()
	s := NewSchedulerFromRedisClient(client, &SchedulerOpts{LogLevel: ErrorLevel})
	s.clock = clock
	return s
}

func queueSize(t *testing.T, client redis.UniversalClient, qname string) int64 {
	t.Helper()
	n, err := NewInspectorFromRedisClient(client).QueueSize(context.Background(), qname)
	require.NoError(t, err)
	return n
}

func TestSchedulerIntervalJob(t *testing.T) {
	client, _ := setup(t)
	clock := timeutil.NewSimulatedClock(time.Date(2030, 6, 1, 12, 0, 10, 0, time.UTC))
	s := newTestScheduler(t, client, clock)

	id, err := s.AddIntervalJob("Ping", "", time.Minute, "hello")
	require.NoError(t, err)
	assert.Equal(t, "Ping@default@every(1m0s)", id)

	assert.Equal(t, 1, s.tick())
	assert.Equal(t, 0, s.tick())

	clock.AdvanceTime(30 * time.Second)
	assert.Equal(t, 0, s.tick())

	clock.AdvanceTime(30 * time.Second)
	assert.Equal(t, 1, s.tick())
	assert.Equal(t, int64(2), queueSize(t, client, "default"))

	jobs, err := NewInspectorFromRedisClient(client).Peek(context.Background(), "default", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ping", jobs[0].Class)
	assert.Equal(t, []interface{}{"hello"}, jobs[0].Args)
}

func TestSchedulerCronJob(t *testing.T) {
	client, _ := setup(t)
	clock := timeutil.NewSimulatedClock(time.Date(2030, 6, 1, 12, 1, 0, 0, time.UTC))
	s := newTestScheduler(t, client, clock)

	_, err := s.AddCronJob("Report", "reports", "*/5 * * * *")
	require.NoError(t, err)

	assert.Equal(t, 0, s.tick())

	clock.SetTime(time.Date(2030, 6, 1, 12, 5, 0, 0, time.UTC))
	assert.Equal(t, 1, s.tick())
	assert.Equal(t, 0, s.tick())

	// Late tick still fires the missed occurrence once.
	clock.SetTime(time.Date(2030, 6, 1, 12, 10, 30, 0, time.UTC))
	assert.Equal(t, 1, s.tick())
	assert.Equal(t, 0, s.tick())

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, time.Date(2030, 6, 1, 12, 15, 0, 0, time.UTC), entries[0].Next.UTC())
	assert.Equal(t, time.Date(2030, 6, 1, 12, 10, 0, 0, time.UTC), entries[0].Prev.UTC())
	assert.Equal(t, int64(2), queueSize(t, client, "reports"))
}

func TestSchedulerOccurrenceEnqueuedOnce(t *testing.T) {
	client, _ := setup(t)
	clock := timeutil.NewSimulatedClock(time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC))

	// Two schedulers running the same entry, e.g. a restarted scheduler.
	s1 := newTestScheduler(t, client, clock)
	s2 := newTestScheduler(t, client, clock)
	for _, s := range []*Scheduler{s1, s2} {
		_, err := s.Register(PeriodicJob{ID: "ping", Class: "Ping", Every: Interval(time.Minute)})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, s1.tick())
	assert.Equal(t, 0, s2.tick())
	assert.Equal(t, int64(1), queueSize(t, client, "default"))

	clock.AdvanceTime(time.Minute)
	assert.Equal(t, 1, s2.tick()+s1.tick())
	assert.Equal(t, int64(2), queueSize(t, client, "default"))
}

func TestSchedulerRegisterErrors(t *testing.T) {
	client, _ := setup(t)
	s := newTestScheduler(t, client, timeutil.NewRealClock())

	_, err := s.AddCronJob("", "default", "* * * * *")
	assert.Error(t, err)
	_, err = s.AddCronJob("A", "default", "not a spec")
	assert.Error(t, err)
	_, err = s.AddIntervalJob("A", "default", 500*time.Millisecond)
	assert.Error(t, err)
	_, err = s.Register(PeriodicJob{Class: "A"})
	assert.Error(t, err)

	_, err = s.Register(PeriodicJob{ID: "a", Class: "A", Every: Interval(time.Second)})
	require.NoError(t, err)
	_, err = s.Register(PeriodicJob{ID: "a", Class: "B", Every: Interval(time.Second)})
	assert.Error(t, err)

	require.NoError(t, s.Unregister("a"))
	assert.Error(t, s.Unregister("a"))
	assert.Empty(t, s.Entries())
}

func TestSchedulerEntriesSorted(t *testing.T) {
	client, _ := setup(t)
	s := newTestScheduler(t, client, timeutil.NewSimulatedClock(time.Date(2030, 6, 1, 12, 0, 30, 0, time.UTC)))
	_, err := s.Register(PeriodicJob{ID: "b", Class: "B", Every: Interval(time.Minute)})
	require.NoError(t, err)
	_, err = s.Register(PeriodicJob{ID: "a", Class: "A", Queue: "q", Every: Cron("@hourly")})
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "cron(@hourly)", entries[0].Every)
	assert.Equal(t, time.Date(2030, 6, 1, 13, 0, 0, 0, time.UTC), entries[0].Next.UTC())
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, "every(1m0s)", entries[1].Every)
	assert.Equal(t, time.Date(2030, 6, 1, 12, 1, 0, 0, time.UTC), entries[1].Next.UTC())
}

func TestSchedulerStartShutdown(t *testing.T) {
	client, _ := setup(t)
	reg := prometheus.NewRegistry()
	s := NewSchedulerFromRedisClient(client, &SchedulerOpts{
		LogLevel:          ErrorLevel,
		TickInterval:      10 * time.Millisecond,
		MetricsRegisterer: reg,
	})
	_, err := s.AddIntervalJob("Ping", "default", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	waitFor(t, func() bool {
		n, err := client.LLen(context.Background(), "resque:queue:default").Result()
		return err == nil && n >= 1
	})
	s.Shutdown()
	s.Shutdown()
	assert.Error(t, s.Start())

	assert.GreaterOrEqual(t, gatheredValue(t, reg, "resq_periodic_jobs_enqueued_total"), float64(1))
}
