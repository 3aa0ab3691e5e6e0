// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// RDB is a client interface to query and mutate job queues.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value as int64.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// enqueueCmd enqueues a given job message.
//
// Input:
// KEYS[1] -> resque:queues
// KEYS[2] -> resque:queue:<qname>
// --
// ARGV[1] -> queue name
// ARGV[2] -> job message data
//
// Output:
// Returns the length of the queue after the push.
var enqueueCmd = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
return redis.call("RPUSH", KEYS[2], ARGV[2])
`)

// Enqueue adds the given job to the tail of the named queue.
// The queue is added to the queue index if it is not there yet.
func (r *RDB) Enqueue(ctx context.Context, qname string, msg *base.Message) error {
	var op errors.Op = "rdb.Enqueue"
	if err := base.ValidateQueueName(qname); err != nil {
		return errors.E(op, errors.InvalidArgument, err)
	}
	encoded, err := base.EncodeMessage(queued(msg))
	if err != nil {
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("cannot encode message: %v", err))
	}
	return r.enqueueRaw(ctx, op, qname, string(encoded))
}

func (r *RDB) enqueueRaw(ctx context.Context, op errors.Op, qname, data string) error {
	keys := []string{
		base.AllQueues,
		base.QueueKey(qname),
	}
	return r.runScript(ctx, op, enqueueCmd, keys, qname, data)
}

// queued strips the routing field that only delayed entries carry.
func queued(msg *base.Message) *base.Message {
	if msg == nil || msg.Queue == "" {
		return msg
	}
	cp := *msg
	cp.Queue = ""
	return &cp
}

// dequeueCmd pops the head of the first non-empty queue.
//
// Input:
// KEYS[1..n] -> resque:queue:<qname>, in polling order
//
// Output:
// Returns nil if every queue is empty.
// Otherwise returns {index of the queue, job message data}.
var dequeueCmd = redis.NewScript(`
for i = 1, #KEYS do
	local v = redis.call("LPOP", KEYS[i])
	if v then
		return {i, v}
	end
end
return nil
`)

// Dequeue queries given queues in order and pops a job off the first
// queue that has one.
//
// Earlier queues always win, so a steady stream of work into the first
// queue starves the later ones.
//
// The raw entry is returned undecoded so that the caller can record a
// failure that references it when it does not decode.
// Dequeue returns ErrNoProcessableJob if there are no jobs to process.
func (r *RDB) Dequeue(ctx context.Context, qnames ...string) (*base.DequeuedJob, error) {
	var op errors.Op = "rdb.Dequeue"
	if len(qnames) == 0 {
		return nil, errors.E(op, errors.InvalidArgument, "no queues to dequeue from")
	}
	keys := make([]string, len(qnames))
	for i, qname := range qnames {
		keys[i] = base.QueueKey(qname)
	}
	res, err := dequeueCmd.Run(ctx, r.client, keys).Slice()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	if len(res) != 2 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	idx, err := cast.ToIntE(res[0])
	if err != nil || idx < 1 || idx > len(qnames) {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected queue index from Lua script: %v", res[0]))
	}
	data, err := cast.ToStringE(res[1])
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected job data from Lua script: %v", res[1]))
	}
	return &base.DequeuedJob{Queue: qnames[idx-1], Raw: data}, nil
}

// Peek returns up to count jobs of the named queue beginning at offset start,
// without removing them.
func (r *RDB) Peek(ctx context.Context, qname string, start, count int) ([]*base.Message, error) {
	var op errors.Op = "rdb.Peek"
	if count <= 0 {
		return nil, nil
	}
	data, err := r.client.LRange(ctx, base.QueueKey(qname), int64(start), int64(start+count-1)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	return decodeAll(data), nil
}

// decodeAll decodes raw entries, substituting a placeholder for the ones
// that do not decode so that paging offsets stay stable.
func decodeAll(data []string) []*base.Message {
	msgs := make([]*base.Message, 0, len(data))
	for _, s := range data {
		msg, err := base.DecodeMessage([]byte(s))
		if err != nil {
			msg = &base.Message{Class: UndecodableClass, Args: []interface{}{s}}
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// UndecodableClass is reported by read operations for entries that are not valid job messages.
const UndecodableClass = "<undecodable>"

// Size returns the number of jobs in the named queue.
func (r *RDB) Size(ctx context.Context, qname string) (int64, error) {
	n, err := r.client.LLen(ctx, base.QueueKey(qname)).Result()
	if err != nil {
		return 0, errors.E(errors.Op("rdb.Size"), errors.Unavailable, &errors.RedisCommandError{Command: "llen", Err: err})
	}
	return n, nil
}

// Queues returns the names of all known queues.
// Drained queues remain listed until RemoveQueue is called.
func (r *RDB) Queues(ctx context.Context) ([]string, error) {
	qnames, err := r.client.SMembers(ctx, base.AllQueues).Result()
	if err != nil {
		return nil, errors.E(errors.Op("rdb.Queues"), errors.Unavailable, &errors.RedisCommandError{Command: "smembers", Err: err})
	}
	return qnames, nil
}

// removeQueueCmd removes a queue and its jobs.
//
// Input:
// KEYS[1] -> resque:queues
// KEYS[2] -> resque:queue:<qname>
// --
// ARGV[1] -> queue name
//
// Output:
// Returns -1 if the queue is neither indexed nor holds jobs.
// Otherwise returns the number of jobs dropped.
var removeQueueCmd = redis.NewScript(`
local n = redis.call("LLEN", KEYS[2])
local removed = redis.call("SREM", KEYS[1], ARGV[1])
if removed == 0 and n == 0 then
	return -1
end
redis.call("DEL", KEYS[2])
return n
`)

// RemoveQueue deletes the named queue and all of its jobs in one atomic step.
// It returns the number of jobs dropped.
func (r *RDB) RemoveQueue(ctx context.Context, qname string) (int64, error) {
	var op errors.Op = "rdb.RemoveQueue"
	keys := []string{base.AllQueues, base.QueueKey(qname)}
	n, err := r.runScriptWithErrorCode(ctx, op, removeQueueCmd, keys, qname)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	return n, nil
}

// enqueueOccurrenceCmd enqueues a job for one occurrence of a periodic entry
// unless that occurrence was already enqueued.
//
// Input:
// KEYS[1] -> resque:scheduler:fired:<entry>:<unix>
// KEYS[2] -> resque:queues
// KEYS[3] -> resque:queue:<qname>
// --
// ARGV[1] -> guard TTL in seconds
// ARGV[2] -> queue name
// ARGV[3] -> job message data
//
// Output:
// Returns 1 if the job was enqueued, 0 if the occurrence had already fired.
var enqueueOccurrenceCmd = redis.NewScript(`
if not redis.call("SET", KEYS[1], "1", "NX", "EX", ARGV[1]) then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[3])
return 1
`)

// EnqueueOccurrence enqueues msg for the given occurrence of a periodic entry.
// It reports false without enqueueing if the occurrence was already fired,
// which keeps a restarted scheduler from enqueueing the same occurrence twice.
func (r *RDB) EnqueueOccurrence(ctx context.Context, entryID string, occurrence time.Time, ttl time.Duration, qname string, msg *base.Message) (bool, error) {
	var op errors.Op = "rdb.EnqueueOccurrence"
	if err := base.ValidateQueueName(qname); err != nil {
		return false, errors.E(op, errors.InvalidArgument, err)
	}
	encoded, err := base.EncodeMessage(queued(msg))
	if err != nil {
		return false, errors.E(op, errors.InvalidArgument, fmt.Sprintf("cannot encode message: %v", err))
	}
	secs := int64(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}
	keys := []string{
		base.SchedulerFiredKey(entryID, occurrence),
		base.AllQueues,
		base.QueueKey(qname),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueOccurrenceCmd, keys, secs, qname, string(encoded))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
