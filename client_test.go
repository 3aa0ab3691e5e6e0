// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEnqueue(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	inspector := NewInspectorFromRedisClient(client)

	info, err := c.Enqueue(NewJob("Email", "alice@example.com", 3))
	require.NoError(t, err)
	assert.Equal(t, "default", info.Queue)
	assert.False(t, info.Delayed)

	info, err = c.Enqueue(NewJob("Report"), Queue("reports"))
	require.NoError(t, err)
	assert.Equal(t, "reports", info.Queue)

	queues, err := inspector.Queues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "reports"}, queues)

	jobs, err := inspector.Peek(context.Background(), "default", 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Email", jobs[0].Class)
	assert.Equal(t, []interface{}{"alice@example.com", float64(3)}, jobs[0].Args)
}

func TestClientEnqueueInvalid(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)

	_, err := c.Enqueue(nil)
	assert.Error(t, err)
	_, err = c.Enqueue(NewJob("  "))
	assert.Error(t, err)
	_, err = c.Enqueue(NewJob("Email"), Queue(""))
	assert.Error(t, err)
}

func TestClientEnqueueAt(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	inspector := NewInspectorFromRedisClient(client)

	at := time.Now().Add(time.Hour)
	info, err := c.EnqueueAt(at, NewJob("Reminder", 1), Queue("mail"))
	require.NoError(t, err)
	assert.True(t, info.Delayed)
	assert.Equal(t, at.Unix(), info.ProcessAt.Unix())

	n, err := inspector.QueueSize(context.Background(), "mail")
	require.NoError(t, err)
	assert.Zero(t, n)

	size, err := inspector.DelayedScheduleSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	jobs, err := inspector.DelayedJobsAt(context.Background(), at, 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Reminder", jobs[0].Class)
	assert.Equal(t, "mail", jobs[0].Queue)
}

func TestClientEnqueueInPastGoesToQueue(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	inspector := NewInspectorFromRedisClient(client)

	info, err := c.EnqueueAt(time.Now().Add(-time.Minute), NewJob("Late"))
	require.NoError(t, err)
	assert.False(t, info.Delayed)

	n, err := inspector.QueueSize(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClientCloseSharedConnection(t *testing.T) {
	client, _ := setup(t)
	c := NewClientFromRedisClient(client)
	assert.Error(t, c.Close())
	assert.NoError(t, c.Ping())
}

func TestComposeOptionsLastWins(t *testing.T) {
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	opt, err := composeOptions(Queue("a"), Queue("b"), ProcessAt(at))
	require.NoError(t, err)
	assert.Equal(t, "b", opt.queue)
	assert.Equal(t, at, opt.processAt)
	assert.Equal(t, `Queue("b")`, Queue("b").String())
}
