// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"testing"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectorQueues(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	inspector := NewInspectorFromRedisClient(client)
	bg := context.Background()

	for _, q := range []string{"mail", "default", "mail"} {
		_, err := c.Enqueue(NewJob("A"), Queue(q))
		require.NoError(t, err)
	}

	infos, err := inspector.QueueInfos(bg)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, QueueInfo{Name: "default", Size: 1}, *infos[0])
	assert.Equal(t, QueueInfo{Name: "mail", Size: 2}, *infos[1])

	n, err := inspector.RemoveQueue(bg, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = inspector.RemoveQueue(bg, "mail")
	assert.ErrorIs(t, err, ErrQueueNotFound)

	queues, err := inspector.Queues(bg)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, queues)
}

func TestInspectorPeekUndecodable(t *testing.T) {
	client, mr := setup(t)
	inspector := NewInspectorFromRedisClient(client)
	mr.SAdd(base.AllQueues, "default")
	mr.RPush(base.QueueKey("default"), `{"class":"A","args":[1]}`, "garbage")

	jobs, err := inspector.Peek(context.Background(), "default", 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "A", jobs[0].Class)
	assert.Equal(t, UndecodableClass, jobs[1].Class)
}

func TestInspectorFailures(t *testing.T) {
	client, _ := setup(t)
	inspector := NewInspectorFromRedisClient(client)
	bg := context.Background()

	broker := inspector.rdb
	payload, err := base.EncodeMessage(&base.Message{Class: "Email", Args: []interface{}{"x"}})
	require.NoError(t, err)
	for _, q := range []string{"mail", "default"} {
		require.NoError(t, broker.RecordFailure(bg, &base.FailureRecord{
			Payload:   string(payload),
			Exception: "*errors.errorString",
			Error:     "boom",
			Worker:    "host:1:" + q,
			Queue:     q,
		}))
	}
	require.NoError(t, broker.RecordFailure(bg, &base.FailureRecord{Payload: "garbage", Exception: ExceptionDecodeError, Queue: "default"}))

	n, err := inspector.FailureCount(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	fs, err := inspector.Failures(bg, 0, 10)
	require.NoError(t, err)
	require.Len(t, fs, 3)
	assert.Equal(t, "Email", fs[0].Class)
	assert.Equal(t, []interface{}{"x"}, fs[0].Args)
	assert.Equal(t, "mail", fs[0].Queue)
	assert.Equal(t, UndecodableClass, fs[2].Class)

	got, err := inspector.Failure(bg, fs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, fs[0].ID, got.ID)

	require.NoError(t, inspector.RetryFailure(bg, fs[0].ID))
	size, err := inspector.QueueSize(bg, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	_, err = inspector.Failure(bg, fs[0].ID)
	assert.ErrorIs(t, err, ErrFailureNotFound)
	assert.ErrorIs(t, inspector.RetryFailure(bg, fs[0].ID), ErrFailureNotFound)

	require.NoError(t, inspector.DeleteFailure(bg, fs[1].ID))
	assert.ErrorIs(t, inspector.DeleteFailure(bg, fs[1].ID), ErrFailureNotFound)

	cleared, err := inspector.ClearFailures(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	n, err = inspector.FailureCount(bg)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInspectorRetryAllFailures(t *testing.T) {
	client, _ := setup(t)
	inspector := NewInspectorFromRedisClient(client)
	bg := context.Background()

	payload, err := base.EncodeMessage(&base.Message{Class: "Email", Args: []interface{}{}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, inspector.rdb.RecordFailure(bg, &base.FailureRecord{Payload: string(payload), Queue: "default"}))
	}

	n, err := inspector.RetryAllFailures(bg, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	size, err := inspector.QueueSize(bg, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	count, err := inspector.FailureCount(bg)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestInspectorWorkers(t *testing.T) {
	client, _ := setup(t)
	inspector := NewInspectorFromRedisClient(client)
	bg := context.Background()
	broker := inspector.rdb

	require.NoError(t, broker.RegisterWorker(bg, "a:1:default"))
	require.NoError(t, broker.RegisterWorker(bg, "b:2:mail,default"))
	require.NoError(t, broker.MarkWorking(bg, "b:2:mail,default", &base.Work{
		Queue:   "mail",
		Payload: &base.Message{Class: "Email", Args: []interface{}{"x"}},
	}))

	workers, err := inspector.Workers(bg)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "a:1:default", workers[0].ID)
	assert.Equal(t, "idle", workers[0].State)
	assert.False(t, workers[0].Working())

	w := workers[1]
	assert.Equal(t, "b", w.Host)
	assert.Equal(t, 2, w.PID)
	assert.Equal(t, []string{"mail", "default"}, w.Queues)
	assert.Equal(t, "working", w.State)
	require.True(t, w.Working())
	assert.Equal(t, "Email", w.Job.Class)
	assert.Equal(t, "mail", w.Job.Queue)
	assert.WithinDuration(t, time.Now(), w.RunAt, time.Minute)

	working, err := inspector.WorkingWorkers(bg)
	require.NoError(t, err)
	require.Len(t, working, 1)
	assert.Equal(t, w.ID, working[0].ID)

	require.NoError(t, inspector.PruneWorker(bg, w.ID))
	_, err = inspector.Worker(bg, w.ID)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.ErrorIs(t, inspector.PruneWorker(bg, w.ID), ErrWorkerNotFound)

	fs, err := inspector.Failures(bg, 0, 10)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, ExceptionDirtyExit, fs[0].Exception)
	assert.Equal(t, "mail", fs[0].Queue)
}

func TestInspectorDelayed(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	inspector := NewInspectorFromRedisClient(client)
	bg := context.Background()

	t1 := time.Now().Add(time.Hour).Truncate(time.Second)
	t2 := t1.Add(time.Hour)
	for _, at := range []time.Time{t2, t1, t1} {
		_, err := c.EnqueueAt(at, NewJob("Later"))
		require.NoError(t, err)
	}

	ts, err := inspector.DelayedTimestamps(bg, 0, 10)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, t1.Unix(), ts[0].Unix())
	assert.Equal(t, t2.Unix(), ts[1].Unix())

	n, err := inspector.DelayedTimestampSize(bg, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := inspector.Stats(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.DelayedTimestamps)
	assert.Equal(t, int64(3), stats.Delayed)
}

func TestInspectorKeys(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	inspector := NewInspectorFromRedisClient(client)
	bg := context.Background()

	_, err := c.Enqueue(NewJob("A"))
	require.NoError(t, err)

	keys, err := inspector.Keys(bg)
	require.NoError(t, err)
	var names []string
	for _, k := range keys {
		names = append(names, k.Key)
	}
	assert.Contains(t, names, "queues")
	assert.Contains(t, names, "queue:default")

	info, items, err := inspector.Key(bg, "queue:default")
	require.NoError(t, err)
	assert.Equal(t, "list", info.Type)
	assert.Equal(t, int64(1), info.Size)
	require.Len(t, items, 1)

	_, _, err = inspector.Key(bg, "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
