// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"sort"
	"strings"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// Stats represents a point-in-time summary computed from the stored entities.
type Stats struct {
	// Number of known queues.
	Queues int
	// Total number of jobs across all queues.
	Pending int64
	// Size of each queue keyed by queue name.
	QueueSizes map[string]int64
	// Number of registered workers.
	Workers int
	// Number of registered workers processing a job.
	Working int
	// Number of failure records.
	Failed int64
	// Number of jobs ever processed.
	Processed int64
	// Number of jobs ever failed.
	FailedTotal int64
	// Number of distinct delayed timestamps.
	DelayedTimestamps int64
	// Number of delayed jobs.
	Delayed int64
}

// CurrentStats returns the current aggregate counts.
func (r *RDB) CurrentStats(ctx context.Context) (*Stats, error) {
	var op errors.Op = "rdb.CurrentStats"
	qnames, err := r.Queues(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	workers, err := r.client.SMembers(ctx, base.AllWorkers).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "smembers", Err: err})
	}

	pipe := r.client.Pipeline()
	sizes := make(map[string]*redis.IntCmd, len(qnames))
	for _, qname := range qnames {
		sizes[qname] = pipe.LLen(ctx, base.QueueKey(qname))
	}
	working := make([]*redis.IntCmd, 0, len(workers))
	for _, id := range workers {
		working = append(working, pipe.Exists(ctx, base.WorkerKey(id)))
	}
	failedCmd := pipe.LLen(ctx, base.FailedList)
	processedCmd := pipe.Get(ctx, base.ProcessedTotalKey)
	failedTotalCmd := pipe.Get(ctx, base.FailedTotalKey)
	delayedTsCmd := pipe.ZCard(ctx, base.DelayedSchedule)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}

	stats := &Stats{
		Queues:            len(qnames),
		QueueSizes:        make(map[string]int64, len(qnames)),
		Workers:           len(workers),
		Failed:            failedCmd.Val(),
		Processed:         cast.ToInt64(processedCmd.Val()),
		FailedTotal:       cast.ToInt64(failedTotalCmd.Val()),
		DelayedTimestamps: delayedTsCmd.Val(),
	}
	for qname, cmd := range sizes {
		stats.QueueSizes[qname] = cmd.Val()
		stats.Pending += cmd.Val()
	}
	for _, cmd := range working {
		if cmd.Val() > 0 {
			stats.Working++
		}
	}
	delayed, err := r.DelayedJobCount(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	stats.Delayed = delayed
	return stats, nil
}

// RedisInfo returns the key/value pairs reported by the redis INFO command.
func (r *RDB) RedisInfo(ctx context.Context) (map[string]string, error) {
	res, err := r.client.Info(ctx).Result()
	if err != nil {
		return nil, errors.E(errors.Op("rdb.RedisInfo"), errors.Unavailable, &errors.RedisCommandError{Command: "info", Err: err})
	}
	return parseInfo(res), nil
}

func parseInfo(infoStr string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(infoStr, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) == 2 {
			info[kv[0]] = kv[1]
		}
	}
	return info
}

// KeyInfo describes one redis key owned by resq.
type KeyInfo struct {
	// Key without the "resque:" prefix.
	Key  string
	Type string
	Size int64
}

// Keys returns every key owned by resq, sorted by name.
func (r *RDB) Keys(ctx context.Context) ([]*KeyInfo, error) {
	var op errors.Op = "rdb.Keys"
	var keys []string
	iter := r.client.Scan(ctx, 0, base.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "scan", Err: err})
	}
	sort.Strings(keys)
	res := make([]*KeyInfo, 0, len(keys))
	for _, key := range keys {
		info, err := r.keyInfo(ctx, op, key)
		if err != nil {
			return nil, err
		}
		res = append(res, info)
	}
	return res, nil
}

func (r *RDB) keyInfo(ctx context.Context, op errors.Op, key string) (*KeyInfo, error) {
	typ, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "type", Err: err})
	}
	var size int64
	switch typ {
	case "list":
		size, err = r.client.LLen(ctx, key).Result()
	case "set":
		size, err = r.client.SCard(ctx, key).Result()
	case "zset":
		size, err = r.client.ZCard(ctx, key).Result()
	case "hash":
		size, err = r.client.HLen(ctx, key).Result()
	case "string":
		size, err = r.client.StrLen(ctx, key).Result()
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: typ + " size", Err: err})
	}
	return &KeyInfo{Key: strings.TrimPrefix(key, base.KeyPrefix), Type: typ, Size: size}, nil
}

// KeyContentsLimit caps the number of items KeyContents returns.
const KeyContentsLimit = 20

// KeyContents returns the type of the given key (without the "resque:" prefix)
// and up to KeyContentsLimit of its items.
func (r *RDB) KeyContents(ctx context.Context, key string) (*KeyInfo, []string, error) {
	var op errors.Op = "rdb.KeyContents"
	full := base.KeyPrefix + key
	info, err := r.keyInfo(ctx, op, full)
	if err != nil {
		return nil, nil, err
	}
	var items []string
	switch info.Type {
	case "none":
		return nil, nil, errors.E(op, errors.NotFound, "key "+key+" does not exist")
	case "list":
		items, err = r.client.LRange(ctx, full, 0, KeyContentsLimit-1).Result()
	case "set":
		items, err = r.client.SMembers(ctx, full).Result()
		sort.Strings(items)
	case "zset":
		items, err = r.client.ZRange(ctx, full, 0, KeyContentsLimit-1).Result()
	case "hash":
		var m map[string]string
		m, err = r.client.HGetAll(ctx, full).Result()
		for k, v := range m {
			items = append(items, k+"="+v)
		}
		sort.Strings(items)
	case "string":
		var s string
		s, err = r.client.Get(ctx, full).Result()
		items = []string{s}
	}
	if err != nil {
		return nil, nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "read " + info.Type, Err: err})
	}
	if len(items) > KeyContentsLimit {
		items = items[:KeyContentsLimit]
	}
	return info, items, nil
}
