// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hemant/resq"
	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/rdb"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setup(t *testing.T) (*miniredis.Miniredis, *rdb.RDB) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, rdb.NewRDB(client)
}

func TestCommandTree(t *testing.T) {
	admin := New(nil)
	names := make(map[string]bool)
	for _, c := range admin.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"scheduler", "enqueue", "stats", "queues", "queue", "failed", "workers", "worker-info", "delayed", "info", "keys", "key"} {
		assert.True(t, names[want], "missing command %q", want)
	}
	assert.False(t, names["worker"], "worker command needs a mux")

	withMux := New(resq.NewMux())
	cmd, _, err := withMux.Find([]string{"worker"})
	require.NoError(t, err)
	assert.Equal(t, "worker", cmd.Name())
	for _, flag := range []string{"queues", "interval", "shutdown-timeout", "stale-timeout", "log-level", "log-file", "metrics-addr"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "worker is missing --%s", flag)
	}

	failed, _, err := admin.Find([]string{"failed"})
	require.NoError(t, err)
	var subs []string
	for _, c := range failed.Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "show", "retry", "retry-all", "rm", "clear"}, subs)
}

func TestEnqueueAndQueues(t *testing.T) {
	mr, r := setup(t)

	out, err := run(t, New(nil), "--redis", mr.Addr(), "enqueue", "Email", "alice@example.com", "3", `{"x":1}`, "--queue", "mail")
	require.NoError(t, err)
	assert.Contains(t, out, `Enqueued Email on queue "mail"`)

	msgs, err := r.Peek(context.Background(), "mail", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Email", msgs[0].Class)
	assert.Equal(t, []interface{}{"alice@example.com", float64(3), map[string]interface{}{"x": float64(1)}}, msgs[0].Args)

	out, err = run(t, New(nil), "--redis", mr.Addr(), "queues")
	require.NoError(t, err)
	assert.Contains(t, out, "mail")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "queue", "peek", "mail")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 1 of 1 jobs")
	assert.Contains(t, out, "Email")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "queue", "rm", "mail")
	require.NoError(t, err)
	assert.Contains(t, out, `Removed queue "mail" with 1 jobs`)
	assert.False(t, mr.Exists("resque:queue:mail"))
}

func TestEnqueueDelayed(t *testing.T) {
	mr, r := setup(t)

	out, err := run(t, New(nil), "--redis", mr.Addr(), "enqueue", "Report", "--in", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, `Scheduled Report on queue "default"`)

	n, err := r.DelayedJobCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	out, err = run(t, New(nil), "--redis", mr.Addr(), "delayed")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 1 of 1 timestamps")

	_, err = run(t, New(nil), "--redis", mr.Addr(), "enqueue", "Report", "--at", "tomorrow")
	assert.Error(t, err)
}

func TestDelayedAt(t *testing.T) {
	mr, r := setup(t)
	at := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, r.ScheduleAt(context.Background(), at, "default", &base.Message{Class: "Later", Args: []interface{}{"a"}}))

	out, err := run(t, New(nil), "--redis", mr.Addr(), "delayed", formatInt(at.Unix()))
	require.NoError(t, err)
	assert.Contains(t, out, "Later")

	_, err = run(t, New(nil), "--redis", mr.Addr(), "delayed", "soon")
	assert.Error(t, err)
}

func TestFailedCommands(t *testing.T) {
	mr, r := setup(t)
	ctx := context.Background()
	for _, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, r.RecordFailure(ctx, &base.FailureRecord{
			ID:        id,
			Payload:   `{"class":"Boom","args":[1]}`,
			Exception: "Panic",
			Error:     "boom",
			Backtrace: []string{"main.go:10"},
			Queue:     "default",
		}))
	}

	out, err := run(t, New(nil), "--redis", mr.Addr(), "failed", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 3 of 3 failures")
	assert.Contains(t, out, "f2")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "failed", "show", "f1")
	require.NoError(t, err)
	assert.Contains(t, out, "Boom")
	assert.Contains(t, out, "main.go:10")

	_, err = run(t, New(nil), "--redis", mr.Addr(), "failed", "show", "nope")
	assert.Error(t, err)

	out, err = run(t, New(nil), "--redis", mr.Addr(), "failed", "retry", "f1")
	require.NoError(t, err)
	assert.Contains(t, out, "Retried f1")
	size, err := r.Size(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	out, err = run(t, New(nil), "--redis", mr.Addr(), "failed", "rm", "f2")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted f2")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "failed", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 failures")

	n, err := r.FailureCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerCommands(t *testing.T) {
	mr, r := setup(t)
	ctx := context.Background()
	id := "box:42:default"
	require.NoError(t, r.RegisterWorker(ctx, id))

	out, err := run(t, New(nil), "--redis", mr.Addr(), "workers")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = run(t, New(nil), "--redis", mr.Addr(), "worker-info", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "box")
	assert.Contains(t, out, "42")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "worker-info", "prune", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned worker "+id)

	workers, err := r.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestStatsAndKeys(t *testing.T) {
	mr, r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, "default", &base.Message{Class: "A"}))
	require.NoError(t, r.Enqueue(ctx, "default", &base.Message{Class: "B"}))

	out, err := run(t, New(nil), "--redis", mr.Addr(), "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "2")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "queue:default")

	out, err = run(t, New(nil), "--redis", mr.Addr(), "key", "queue:default")
	require.NoError(t, err)
	assert.Contains(t, out, "queue:default (list, size 2)")
}

func TestConfigFileFlag(t *testing.T) {
	mr, r := setup(t)
	path := filepath.Join(t.TempDir(), "resq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: "+mr.Addr()+"\n"), 0o644))

	_, err := run(t, New(nil), "--config", path, "enqueue", "FromFile")
	require.NoError(t, err)

	size, err := r.Size(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestSchedulerRequiresFile(t *testing.T) {
	mr, _ := setup(t)
	_, err := run(t, New(nil), "--redis", mr.Addr(), "scheduler")
	assert.Error(t, err)
}

func TestWorkerRequiresQueues(t *testing.T) {
	mr, _ := setup(t)
	_, err := run(t, New(resq.NewMux()), "--redis", mr.Addr(), "worker")
	assert.Error(t, err)
}
