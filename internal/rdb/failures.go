// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/redis/go-redis/v9"
)

// recordFailureCmd appends a failure record.
//
// Input:
// KEYS[1] -> resque:failed
// KEYS[2] -> resque:failed:records
// KEYS[3] -> resque:stat:failed
// KEYS[4] -> resque:stat:failed:<worker>
// --
// ARGV[1] -> failure id
// ARGV[2] -> encoded failure record
// ARGV[3] -> "1" if the per-worker counter should be incremented
var recordFailureCmd = redis.NewScript(`
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("INCR", KEYS[3])
if ARGV[3] == "1" then
	redis.call("INCR", KEYS[4])
end
return redis.status_reply("OK")
`)

// RecordFailure appends f to the failure list. An ID is assigned if f has none.
func (r *RDB) RecordFailure(ctx context.Context, f *base.FailureRecord) error {
	var op errors.Op = "rdb.RecordFailure"
	if f == nil {
		return errors.E(op, errors.InvalidArgument, "cannot record nil failure")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FailedAt.IsZero() {
		f.FailedAt = r.clock.Now().UTC()
	}
	encoded, err := base.EncodeFailure(f)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode failure: %v", err))
	}
	perWorker := "0"
	if f.Worker != "" {
		perWorker = "1"
	}
	keys := []string{
		base.FailedList,
		base.FailedRecords,
		base.FailedTotalKey,
		base.FailedKey(f.Worker),
	}
	return r.runScript(ctx, op, recordFailureCmd, keys, f.ID, string(encoded), perWorker)
}

// ListFailures returns up to count failure records in insertion order
// beginning at offset start.
func (r *RDB) ListFailures(ctx context.Context, start, count int) ([]*base.FailureRecord, error) {
	var op errors.Op = "rdb.ListFailures"
	if count <= 0 {
		return nil, nil
	}
	ids, err := r.client.LRange(ctx, base.FailedList, int64(start), int64(start+count-1)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, base.FailedRecords, ids...).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hmget", Err: err})
	}
	var res []*base.FailureRecord
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // deleted between LRANGE and HMGET
		}
		f, err := base.DecodeFailure([]byte(s))
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode failure %s: %v", ids[i], err))
		}
		res = append(res, f)
	}
	return res, nil
}

// FailureCount returns the number of failure records.
func (r *RDB) FailureCount(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, base.FailedList).Result()
	if err != nil {
		return 0, errors.E(errors.Op("rdb.FailureCount"), errors.Unavailable, &errors.RedisCommandError{Command: "llen", Err: err})
	}
	return n, nil
}

// GetFailure returns the failure record with the given id.
func (r *RDB) GetFailure(ctx context.Context, id string) (*base.FailureRecord, error) {
	var op errors.Op = "rdb.GetFailure"
	data, err := r.client.HGet(ctx, base.FailedRecords, id).Result()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, &errors.FailureNotFoundError{ID: id})
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hget", Err: err})
	}
	f, err := base.DecodeFailure([]byte(data))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode failure %s: %v", id, err))
	}
	return f, nil
}

// retryFailureCmd re-enqueues the payload of a failure and deletes the record.
//
// Input:
// KEYS[1] -> resque:failed
// KEYS[2] -> resque:failed:records
// KEYS[3] -> resque:queues
// KEYS[4] -> resque:queue:<qname>
// --
// ARGV[1] -> failure id
// ARGV[2] -> queue name
// ARGV[3] -> raw payload
//
// Output:
// Returns 0 if the record no longer exists, 1 on success.
var retryFailureCmd = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call("SADD", KEYS[3], ARGV[2])
redis.call("RPUSH", KEYS[4], ARGV[3])
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
return 1
`)

// RetryFailure pushes the original payload of the failure back onto the tail of
// its original queue and deletes the record. Both happen in one atomic step,
// so the record survives whenever the push does not happen.
func (r *RDB) RetryFailure(ctx context.Context, id string) error {
	var op errors.Op = "rdb.RetryFailure"
	f, err := r.GetFailure(ctx, id)
	if err != nil {
		return errors.E(op, err)
	}
	qname := f.Queue
	if qname == "" {
		qname = base.DefaultQueueName
	}
	keys := []string{
		base.FailedList,
		base.FailedRecords,
		base.AllQueues,
		base.QueueKey(qname),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, retryFailureCmd, keys, id, qname, f.Payload)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.FailureNotFoundError{ID: id})
	}
	return nil
}

// RetryAllFailures retries up to limit failures, oldest first,
// and returns how many were re-enqueued.
func (r *RDB) RetryAllFailures(ctx context.Context, limit int) (int, error) {
	var op errors.Op = "rdb.RetryAllFailures"
	if limit <= 0 {
		return 0, nil
	}
	ids, err := r.client.LRange(ctx, base.FailedList, 0, int64(limit-1)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	n := 0
	for _, id := range ids {
		if err := r.RetryFailure(ctx, id); err != nil {
			if errors.IsFailureNotFound(err) {
				continue
			}
			return n, errors.E(op, err)
		}
		n++
	}
	return n, nil
}

// deleteFailureCmd deletes a failure record.
//
// Input:
// KEYS[1] -> resque:failed
// KEYS[2] -> resque:failed:records
// --
// ARGV[1] -> failure id
//
// Output:
// Returns the number of records deleted.
var deleteFailureCmd = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
return redis.call("HDEL", KEYS[2], ARGV[1])
`)

// DeleteFailure removes one failure record.
func (r *RDB) DeleteFailure(ctx context.Context, id string) error {
	var op errors.Op = "rdb.DeleteFailure"
	n, err := r.runScriptWithErrorCode(ctx, op, deleteFailureCmd, []string{base.FailedList, base.FailedRecords}, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.FailureNotFoundError{ID: id})
	}
	return nil
}

// clearFailuresCmd moves the failure collections aside.
//
// Input:
// KEYS[1] -> resque:failed
// KEYS[2] -> resque:failed:records
// KEYS[3] -> staging key for KEYS[1]
// KEYS[4] -> staging key for KEYS[2]
//
// Output:
// Returns the number of failures moved.
var clearFailuresCmd = redis.NewScript(`
local n = redis.call("LLEN", KEYS[1])
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("RENAME", KEYS[1], KEYS[3])
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	redis.call("RENAME", KEYS[2], KEYS[4])
end
return n
`)

// ClearFailures removes all failure records and returns how many there were.
//
// The collections are renamed to staging keys before they are deleted,
// so a failure recorded concurrently lands in a fresh collection and survives.
func (r *RDB) ClearFailures(ctx context.Context) (int64, error) {
	var op errors.Op = "rdb.ClearFailures"
	suffix := ":staging:" + uuid.NewString()
	stagingList := base.FailedList + suffix
	stagingRecords := base.FailedRecords + suffix
	keys := []string{base.FailedList, base.FailedRecords, stagingList, stagingRecords}
	n, err := r.runScriptWithErrorCode(ctx, op, clearFailuresCmd, keys)
	if err != nil {
		return 0, err
	}
	if err := r.client.Unlink(ctx, stagingList, stagingRecords).Err(); err != nil {
		return n, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "unlink", Err: err})
	}
	return n, nil
}
