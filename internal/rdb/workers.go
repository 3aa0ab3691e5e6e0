// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// registerWorkerCmd adds a worker to the live set in the idle state.
//
// Input:
// KEYS[1] -> resque:workers
// KEYS[2] -> resque:worker:<id>:started
// KEYS[3] -> resque:workers:heartbeat
// KEYS[4] -> resque:worker:<id>
// --
// ARGV[1] -> worker id
// ARGV[2] -> current time in RFC3339
var registerWorkerCmd = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("DEL", KEYS[4])
return redis.status_reply("OK")
`)

// RegisterWorker adds the worker to the live-worker set. Its initial state is idle.
func (r *RDB) RegisterWorker(ctx context.Context, id string) error {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	keys := []string{
		base.AllWorkers,
		base.WorkerStartedKey(id),
		base.WorkerHeartbeats,
		base.WorkerKey(id),
	}
	return r.runScript(ctx, errors.Op("rdb.RegisterWorker"), registerWorkerCmd, keys, id, now)
}

// heartbeatCmd records that a worker is alive, adding it back to the live
// set if it was pruned.
//
// Input:
// KEYS[1] -> resque:workers
// KEYS[2] -> resque:workers:heartbeat
// KEYS[3] -> resque:worker:<id>:started
// --
// ARGV[1] -> worker id
// ARGV[2] -> current time in RFC3339
var heartbeatCmd = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("SETNX", KEYS[3], ARGV[2])
return redis.status_reply("OK")
`)

// Heartbeat records that the worker is alive as of now.
// A worker that was pruned is registered again.
func (r *RDB) Heartbeat(ctx context.Context, id string) error {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	keys := []string{
		base.AllWorkers,
		base.WorkerHeartbeats,
		base.WorkerStartedKey(id),
	}
	return r.runScript(ctx, errors.Op("rdb.Heartbeat"), heartbeatCmd, keys, id, now)
}

// markWorkingCmd records the current job of a registered worker.
//
// Input:
// KEYS[1] -> resque:workers
// KEYS[2] -> resque:worker:<id>
// --
// ARGV[1] -> worker id
// ARGV[2] -> encoded work
//
// Output:
// Returns 0 if the worker is not registered, 1 otherwise.
var markWorkingCmd = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

// MarkWorking transitions the worker to working, recording w as its current job.
// w.RunAt is set to the current time.
func (r *RDB) MarkWorking(ctx context.Context, id string, w *base.Work) error {
	var op errors.Op = "rdb.MarkWorking"
	if w == nil {
		return errors.E(op, errors.InvalidArgument, "cannot mark working without a job")
	}
	work := *w
	work.RunAt = r.clock.Now().UTC()
	encoded, err := base.EncodeWork(&work)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode work: %v", err))
	}
	keys := []string{base.AllWorkers, base.WorkerKey(id)}
	n, err := r.runScriptWithErrorCode(ctx, op, markWorkingCmd, keys, id, string(encoded))
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.WorkerNotFoundError{ID: id})
	}
	return nil
}

// MarkIdle transitions the worker to idle, clearing its current job.
func (r *RDB) MarkIdle(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, base.WorkerKey(id)).Err(); err != nil {
		return errors.E(errors.Op("rdb.MarkIdle"), errors.Unavailable, &errors.RedisCommandError{Command: "del", Err: err})
	}
	return nil
}

// doneCmd marks a worker idle after a successful job.
//
// Input:
// KEYS[1] -> resque:worker:<id>
// KEYS[2] -> resque:stat:processed
// KEYS[3] -> resque:stat:processed:<id>
var doneCmd = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("INCR", KEYS[2])
redis.call("INCR", KEYS[3])
return redis.status_reply("OK")
`)

// Done marks the worker idle and counts the job it finished as processed.
func (r *RDB) Done(ctx context.Context, id string) error {
	keys := []string{
		base.WorkerKey(id),
		base.ProcessedTotalKey,
		base.ProcessedKey(id),
	}
	return r.runScript(ctx, errors.Op("rdb.Done"), doneCmd, keys)
}

// deregisterWorkerCmd removes every trace of a worker.
//
// Input:
// KEYS[1] -> resque:workers
// KEYS[2] -> resque:worker:<id>
// KEYS[3] -> resque:worker:<id>:started
// KEYS[4] -> resque:stat:processed:<id>
// KEYS[5] -> resque:stat:failed:<id>
// KEYS[6] -> resque:workers:heartbeat
// --
// ARGV[1] -> worker id
var deregisterWorkerCmd = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2], KEYS[3], KEYS[4], KEYS[5])
redis.call("HDEL", KEYS[6], ARGV[1])
return redis.status_reply("OK")
`)

// DeregisterWorker removes the worker from the live set unconditionally.
func (r *RDB) DeregisterWorker(ctx context.Context, id string) error {
	keys := []string{
		base.AllWorkers,
		base.WorkerKey(id),
		base.WorkerStartedKey(id),
		base.ProcessedKey(id),
		base.FailedKey(id),
		base.WorkerHeartbeats,
	}
	return r.runScript(ctx, errors.Op("rdb.DeregisterWorker"), deregisterWorkerCmd, keys, id)
}

// pruneWorkerCmd deregisters a worker unless it changed since it was read,
// optionally recording the job it was performing as a failure.
//
// Input:
// KEYS[1] -> resque:workers
// KEYS[2] -> resque:worker:<id>
// KEYS[3] -> resque:worker:<id>:started
// KEYS[4] -> resque:stat:processed:<id>
// KEYS[5] -> resque:stat:failed:<id>
// KEYS[6] -> resque:workers:heartbeat
// KEYS[7] -> resque:failed
// KEYS[8] -> resque:failed:records
// KEYS[9] -> resque:stat:failed
// --
// ARGV[1] -> worker id
// ARGV[2] -> current job as read, empty if idle
// ARGV[3] -> heartbeat as read, empty if none
// ARGV[4] -> failure id, empty to record no failure
// ARGV[5] -> encoded failure record
//
// Output:
// Returns 0 if the worker is not registered, -1 if it changed, 1 if pruned.
var pruneWorkerCmd = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
local job = redis.call("GET", KEYS[2]) or ""
local hb = redis.call("HGET", KEYS[6], ARGV[1]) or ""
if job ~= ARGV[2] or hb ~= ARGV[3] then
	return -1
end
if ARGV[4] ~= "" then
	redis.call("RPUSH", KEYS[7], ARGV[4])
	redis.call("HSET", KEYS[8], ARGV[4], ARGV[5])
	redis.call("INCR", KEYS[9])
end
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2], KEYS[3], KEYS[4], KEYS[5])
redis.call("HDEL", KEYS[6], ARGV[1])
return 1
`)

// PruneWorker deregisters the worker w, as returned by ListWorkers or
// FindWorker, and records f if it is non-nil, in one atomic step.
//
// It returns ErrWorkerChanged if the worker sent a heartbeat or changed its
// current job since w was read, and WorkerNotFoundError if it is no longer
// registered. Nothing is written in either case.
func (r *RDB) PruneWorker(ctx context.Context, w *base.WorkerInfo, f *base.FailureRecord) error {
	var op errors.Op = "rdb.PruneWorker"
	if w == nil {
		return errors.E(op, errors.InvalidArgument, "cannot prune nil worker")
	}
	var failureID, encoded string
	if f != nil {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.FailedAt.IsZero() {
			f.FailedAt = r.clock.Now().UTC()
		}
		data, err := base.EncodeFailure(f)
		if err != nil {
			return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode failure: %v", err))
		}
		failureID, encoded = f.ID, string(data)
	}
	keys := []string{
		base.AllWorkers,
		base.WorkerKey(w.ID),
		base.WorkerStartedKey(w.ID),
		base.ProcessedKey(w.ID),
		base.FailedKey(w.ID),
		base.WorkerHeartbeats,
		base.FailedList,
		base.FailedRecords,
		base.FailedTotalKey,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, pruneWorkerCmd, keys, w.ID, w.RawJob, w.RawHeartbeat, failureID, encoded)
	if err != nil {
		return err
	}
	switch n {
	case 0:
		return errors.E(op, errors.NotFound, &errors.WorkerNotFoundError{ID: w.ID})
	case -1:
		return errors.E(op, errors.FailedPrecondition, errors.ErrWorkerChanged)
	}
	return nil
}

// ListWorkers returns every registered worker sorted by identity.
func (r *RDB) ListWorkers(ctx context.Context) ([]*base.WorkerInfo, error) {
	var op errors.Op = "rdb.ListWorkers"
	ids, err := r.client.SMembers(ctx, base.AllWorkers).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "smembers", Err: err})
	}
	sort.Strings(ids)
	var workers []*base.WorkerInfo
	for _, id := range ids {
		info, err := r.workerInfo(ctx, op, id)
		if err != nil {
			return nil, err
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// FindWorker returns the worker with the given identity.
// It returns WorkerNotFoundError if the worker is not registered.
func (r *RDB) FindWorker(ctx context.Context, id string) (*base.WorkerInfo, error) {
	var op errors.Op = "rdb.FindWorker"
	ok, err := r.client.SIsMember(ctx, base.AllWorkers, id).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sismember", Err: err})
	}
	if !ok {
		return nil, errors.E(op, errors.NotFound, &errors.WorkerNotFoundError{ID: id})
	}
	return r.workerInfo(ctx, op, id)
}

func (r *RDB) workerInfo(ctx context.Context, op errors.Op, id string) (*base.WorkerInfo, error) {
	pipe := r.client.Pipeline()
	workCmd := pipe.Get(ctx, base.WorkerKey(id))
	startedCmd := pipe.Get(ctx, base.WorkerStartedKey(id))
	heartbeatCmd := pipe.HGet(ctx, base.WorkerHeartbeats, id)
	processedCmd := pipe.Get(ctx, base.ProcessedKey(id))
	failedCmd := pipe.Get(ctx, base.FailedKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}

	info := &base.WorkerInfo{ID: id, State: base.WorkerStateIdle}
	if host, pid, queues, err := base.ParseWorkerID(id); err == nil {
		info.Host, info.PID, info.Queues = host, pid, queues
	}
	info.RawHeartbeat = heartbeatCmd.Val()
	if data, err := workCmd.Result(); err == nil {
		info.RawJob = data
		w, err := base.DecodeWork([]byte(data))
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode work of %s: %v", id, err))
		}
		info.State = base.WorkerStateWorking
		info.Job = w
	}
	info.Started = parseTime(startedCmd.Val())
	info.Heartbeat = parseTime(heartbeatCmd.Val())
	info.Processed = cast.ToInt64(processedCmd.Val())
	info.Failed = cast.ToInt64(failedCmd.Val())
	return info, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
