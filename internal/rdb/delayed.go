// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/redis/go-redis/v9"
)

// scheduleCmd adds a job to the delayed bucket of a timestamp.
//
// Input:
// KEYS[1] -> resque:delayed:<ts>
// KEYS[2] -> resque:delayed_queue_schedule
// --
// ARGV[1] -> unix timestamp
// ARGV[2] -> job message data
//
// Output:
// Returns the size of the bucket after the push.
var scheduleCmd = redis.NewScript(`
local n = redis.call("RPUSH", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[1])
return n
`)

// ScheduleAt adds msg to the bucket of jobs due at t, at second granularity.
// The job will be forwarded to qname once it is due.
func (r *RDB) ScheduleAt(ctx context.Context, t time.Time, qname string, msg *base.Message) error {
	var op errors.Op = "rdb.ScheduleAt"
	if err := base.ValidateQueueName(qname); err != nil {
		return errors.E(op, errors.InvalidArgument, err)
	}
	if msg == nil {
		return errors.E(op, errors.InvalidArgument, "cannot schedule nil message")
	}
	routed := *msg
	routed.Queue = qname
	encoded, err := base.EncodeMessage(&routed)
	if err != nil {
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("cannot encode message: %v", err))
	}
	ts := t.Unix()
	keys := []string{
		base.DelayedKey(ts),
		base.DelayedSchedule,
	}
	return r.runScript(ctx, op, scheduleCmd, keys, ts, string(encoded))
}

// extractDueCmd pops the head of the earliest due bucket.
// A bucket left empty is deleted together with its index entry.
//
// Input:
// KEYS[1] -> resque:delayed_queue_schedule
// --
// ARGV[1] -> current unix time
// ARGV[2] -> delayed bucket key prefix
//
// Output:
// Returns nil if no job is due.
// Otherwise returns the job message data.
var extractDueCmd = redis.NewScript(`
while true do
	local ts = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
	if #ts == 0 then
		return nil
	end
	local key = ARGV[2] .. ts[1]
	local job = redis.call("LPOP", key)
	if redis.call("LLEN", key) == 0 then
		redis.call("DEL", key)
		redis.call("ZREM", KEYS[1], ts[1])
	end
	if job then
		return job
	end
end
`)

// ExtractDue removes and returns the oldest job whose timestamp is at or before now.
// Jobs sharing a timestamp come out in the order they were scheduled.
//
// The entry is returned as stored, undecoded. It is no longer in redis once
// ExtractDue returns, so the caller must either enqueue it or record it as a
// failure.
//
// ExtractDue returns ErrNothingDue if no job is due.
func (r *RDB) ExtractDue(ctx context.Context, now time.Time) (string, error) {
	var op errors.Op = "rdb.ExtractDue"
	data, err := extractDueCmd.Run(ctx, r.client,
		[]string{base.DelayedSchedule}, now.Unix(), base.DelayedKeyPrefix()).Text()
	if err == redis.Nil {
		return "", errors.E(op, errors.NotFound, errors.ErrNothingDue)
	}
	if err != nil {
		return "", errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return data, nil
}

// DelayedTimestamps returns up to count distinct due timestamps, earliest first,
// beginning at offset start.
func (r *RDB) DelayedTimestamps(ctx context.Context, start, count int) ([]time.Time, error) {
	var op errors.Op = "rdb.DelayedTimestamps"
	if count <= 0 {
		return nil, nil
	}
	members, err := r.client.ZRange(ctx, base.DelayedSchedule, int64(start), int64(start+count-1)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "zrange", Err: err})
	}
	res := make([]time.Time, 0, len(members))
	for _, m := range members {
		ts, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("malformed delayed timestamp %q", m))
		}
		res = append(res, time.Unix(ts, 0))
	}
	return res, nil
}

// DelayedPeek returns up to count jobs of the bucket at t beginning at offset start,
// without removing them.
func (r *RDB) DelayedPeek(ctx context.Context, t time.Time, start, count int) ([]*base.Message, error) {
	var op errors.Op = "rdb.DelayedPeek"
	if count <= 0 {
		return nil, nil
	}
	data, err := r.client.LRange(ctx, base.DelayedKey(t.Unix()), int64(start), int64(start+count-1)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	return decodeAll(data), nil
}

// DelayedTimestampSize returns the number of jobs due at t.
func (r *RDB) DelayedTimestampSize(ctx context.Context, t time.Time) (int64, error) {
	n, err := r.client.LLen(ctx, base.DelayedKey(t.Unix())).Result()
	if err != nil {
		return 0, errors.E(errors.Op("rdb.DelayedTimestampSize"), errors.Unavailable, &errors.RedisCommandError{Command: "llen", Err: err})
	}
	return n, nil
}

// DelayedScheduleSize returns the number of distinct timestamps with jobs scheduled.
func (r *RDB) DelayedScheduleSize(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, base.DelayedSchedule).Result()
	if err != nil {
		return 0, errors.E(errors.Op("rdb.DelayedScheduleSize"), errors.Unavailable, &errors.RedisCommandError{Command: "zcard", Err: err})
	}
	return n, nil
}

// delayedJobCountCmd sums the sizes of every indexed bucket.
//
// Input:
// KEYS[1] -> resque:delayed_queue_schedule
// --
// ARGV[1] -> delayed bucket key prefix
var delayedJobCountCmd = redis.NewScript(`
local total = 0
for _, ts in ipairs(redis.call("ZRANGE", KEYS[1], 0, -1)) do
	total = total + redis.call("LLEN", ARGV[1] .. ts)
end
return total
`)

// DelayedJobCount returns the number of delayed jobs across all timestamps.
func (r *RDB) DelayedJobCount(ctx context.Context) (int64, error) {
	return r.runScriptWithErrorCode(ctx, errors.Op("rdb.DelayedJobCount"), delayedJobCountCmd,
		[]string{base.DelayedSchedule}, base.DelayedKeyPrefix())
}
