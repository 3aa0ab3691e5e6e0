// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Inspector is a client interface to inspect and mutate the state of
// queues, workers, failures and delayed jobs.
type Inspector struct {
	rdb *rdb.RDB
	// When an Inspector has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewInspector returns a new instance of Inspector.
func NewInspector(r RedisConnOpt) *Inspector {
	inspector := NewInspectorFromRedisClient(makeRedisClient(r))
	inspector.sharedConnection = false
	return inspector
}

// NewInspectorFromRedisClient returns a new instance of Inspector given a redis.UniversalClient
// Warning: The underlying redis connection pool will not be closed by Inspector.
func NewInspectorFromRedisClient(c redis.UniversalClient) *Inspector {
	return &Inspector{rdb: rdb.NewRDB(c), sharedConnection: true}
}

// Close closes the connection with redis.
func (i *Inspector) Close() error {
	if i.sharedConnection {
		return fmt.Errorf("redis connection is shared so the Inspector can't be closed through resq")
	}
	return i.rdb.Close()
}

var (
	// ErrQueueNotFound indicates that the specified queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrFailureNotFound indicates that the specified failure record does not exist.
	ErrFailureNotFound = errors.New("failure not found")

	// ErrWorkerNotFound indicates that the specified worker is not registered.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrKeyNotFound indicates that the specified key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrWorkerChanged indicates that a worker finished or started a job, or
	// sent a heartbeat, while it was being pruned. The worker was left alone.
	ErrWorkerChanged = errors.New("worker changed while pruning, try again")
)

// Queues returns the names of all known queues, sorted.
// A queue stays listed after it is drained, until it is removed.
func (i *Inspector) Queues(ctx context.Context) ([]string, error) {
	qnames, err := i.rdb.Queues(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(qnames)
	return qnames, nil
}

// QueueInfo holds the name and size of a queue.
type QueueInfo struct {
	Name string
	Size int64
}

// QueueInfos returns the name and size of every known queue, sorted by name.
func (i *Inspector) QueueInfos(ctx context.Context) ([]*QueueInfo, error) {
	qnames, err := i.Queues(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*QueueInfo, 0, len(qnames))
	for _, qname := range qnames {
		n, err := i.rdb.Size(ctx, qname)
		if err != nil {
			return nil, err
		}
		res = append(res, &QueueInfo{Name: qname, Size: n})
	}
	return res, nil
}

// QueueSize returns the number of jobs in the queue.
func (i *Inspector) QueueSize(ctx context.Context, qname string) (int64, error) {
	return i.rdb.Size(ctx, qname)
}

// Peek returns up to count jobs of the queue beginning at offset start, without removing them.
// Entries that are not valid jobs are reported with class UndecodableClass.
func (i *Inspector) Peek(ctx context.Context, qname string, start, count int) ([]*JobInfo, error) {
	msgs, err := i.rdb.Peek(ctx, qname, start, count)
	if err != nil {
		return nil, err
	}
	res := make([]*JobInfo, 0, len(msgs))
	for _, msg := range msgs {
		res = append(res, &JobInfo{Class: msg.Class, Args: msg.Args, Queue: qname})
	}
	return res, nil
}

// RemoveQueue deletes the queue together with all of its jobs
// and returns the number of jobs dropped.
func (i *Inspector) RemoveQueue(ctx context.Context, qname string) (int64, error) {
	n, err := i.rdb.RemoveQueue(ctx, qname)
	if errors.IsQueueNotFound(err) {
		return 0, fmt.Errorf("%w: queue=%q", ErrQueueNotFound, qname)
	}
	return n, err
}

// WorkerInfo describes a registered worker.
type WorkerInfo struct {
	// Identity in the form "host:pid:queue1,queue2".
	ID     string
	Host   string
	PID    int
	Queues []string

	// State is "idle" or "working".
	State string

	// Job the worker is performing. Nil when idle.
	Job *JobInfo

	// Time the worker started the current job. Zero when idle.
	RunAt time.Time

	Started   time.Time
	Heartbeat time.Time
	Processed int64
	Failed    int64
}

// Working reports whether the worker is performing a job.
func (w *WorkerInfo) Working() bool { return w.Job != nil }

func newWorkerInfo(w *base.WorkerInfo) *WorkerInfo {
	info := &WorkerInfo{
		ID:        w.ID,
		Host:      w.Host,
		PID:       w.PID,
		Queues:    w.Queues,
		State:     w.State.String(),
		Started:   w.Started,
		Heartbeat: w.Heartbeat,
		Processed: w.Processed,
		Failed:    w.Failed,
	}
	if w.Job != nil && w.Job.Payload != nil {
		info.Job = &JobInfo{Class: w.Job.Payload.Class, Args: w.Job.Payload.Args, Queue: w.Job.Queue}
		info.RunAt = w.Job.RunAt
	}
	return info
}

// Workers returns every registered worker, sorted by identity.
func (i *Inspector) Workers(ctx context.Context) ([]*WorkerInfo, error) {
	workers, err := i.rdb.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*WorkerInfo, 0, len(workers))
	for _, w := range workers {
		res = append(res, newWorkerInfo(w))
	}
	return res, nil
}

// WorkingWorkers returns the registered workers that are performing a job.
func (i *Inspector) WorkingWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	workers, err := i.Workers(ctx)
	if err != nil {
		return nil, err
	}
	var res []*WorkerInfo
	for _, w := range workers {
		if w.Working() {
			res = append(res, w)
		}
	}
	return res, nil
}

// Worker returns the worker with the given identity.
func (i *Inspector) Worker(ctx context.Context, id string) (*WorkerInfo, error) {
	w, err := i.rdb.FindWorker(ctx, id)
	if errors.IsWorkerNotFound(err) {
		return nil, fmt.Errorf("%w: id=%s", ErrWorkerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return newWorkerInfo(w), nil
}

// PruneWorker deregisters the worker with the given identity.
// If it was performing a job, the job is recorded as a DirtyExit failure.
//
// It returns ErrWorkerChanged without pruning if the worker changed its
// current job or sent a heartbeat in the meantime.
func (i *Inspector) PruneWorker(ctx context.Context, id string) error {
	w, err := i.rdb.FindWorker(ctx, id)
	if errors.IsWorkerNotFound(err) {
		return fmt.Errorf("%w: id=%s", ErrWorkerNotFound, id)
	}
	if err != nil {
		return err
	}
	err = pruneWorker(ctx, i.rdb, w)
	switch {
	case errors.IsWorkerNotFound(err):
		return fmt.Errorf("%w: id=%s", ErrWorkerNotFound, id)
	case errors.Is(err, errors.ErrWorkerChanged):
		return fmt.Errorf("%w: id=%s", ErrWorkerChanged, id)
	}
	return err
}

// FailureInfo describes a failed job execution.
type FailureInfo struct {
	ID       string
	FailedAt time.Time

	// Payload is the queue entry as it was dequeued.
	Payload string

	// Class and Args are decoded from Payload.
	// Class is UndecodableClass if Payload is not a valid job.
	Class string
	Args  []interface{}

	Exception string
	Error     string
	Backtrace []string
	Worker    string
	Queue     string
}

func newFailureInfo(f *base.FailureRecord) *FailureInfo {
	info := &FailureInfo{
		ID:        f.ID,
		FailedAt:  f.FailedAt,
		Payload:   f.Payload,
		Class:     UndecodableClass,
		Exception: f.Exception,
		Error:     f.Error,
		Backtrace: f.Backtrace,
		Worker:    f.Worker,
		Queue:     f.Queue,
	}
	if msg, err := base.DecodeMessage([]byte(f.Payload)); err == nil {
		info.Class = msg.Class
		info.Args = msg.Args
	}
	return info
}

// Failures returns up to count failures, oldest first, beginning at offset start.
func (i *Inspector) Failures(ctx context.Context, start, count int) ([]*FailureInfo, error) {
	records, err := i.rdb.ListFailures(ctx, start, count)
	if err != nil {
		return nil, err
	}
	res := make([]*FailureInfo, 0, len(records))
	for _, f := range records {
		res = append(res, newFailureInfo(f))
	}
	return res, nil
}

// Failure returns the failure with the given id.
func (i *Inspector) Failure(ctx context.Context, id string) (*FailureInfo, error) {
	f, err := i.rdb.GetFailure(ctx, id)
	if errors.IsFailureNotFound(err) {
		return nil, fmt.Errorf("%w: id=%s", ErrFailureNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return newFailureInfo(f), nil
}

// FailureCount returns the number of failures.
func (i *Inspector) FailureCount(ctx context.Context) (int64, error) {
	return i.rdb.FailureCount(ctx)
}

// RetryFailure puts the job of the failure back on the tail of its original
// queue and deletes the failure. If the job cannot be enqueued the failure is kept.
func (i *Inspector) RetryFailure(ctx context.Context, id string) error {
	err := i.rdb.RetryFailure(ctx, id)
	if errors.IsFailureNotFound(err) {
		return fmt.Errorf("%w: id=%s", ErrFailureNotFound, id)
	}
	return err
}

// DefaultRetryAllLimit is the number of failures RetryAllFailures retries when no limit is given.
const DefaultRetryAllLimit = 5000

// RetryAllFailures retries up to limit failures, oldest first, and returns how many were retried.
// A non-positive limit means DefaultRetryAllLimit.
func (i *Inspector) RetryAllFailures(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultRetryAllLimit
	}
	return i.rdb.RetryAllFailures(ctx, limit)
}

// DeleteFailure deletes the failure with the given id.
func (i *Inspector) DeleteFailure(ctx context.Context, id string) error {
	err := i.rdb.DeleteFailure(ctx, id)
	if errors.IsFailureNotFound(err) {
		return fmt.Errorf("%w: id=%s", ErrFailureNotFound, id)
	}
	return err
}

// ClearFailures deletes every failure and returns how many there were.
// Failures recorded while the clear runs are kept.
func (i *Inspector) ClearFailures(ctx context.Context) (int64, error) {
	return i.rdb.ClearFailures(ctx)
}

// DelayedTimestamps returns up to count timestamps with delayed jobs, earliest first,
// beginning at offset start.
func (i *Inspector) DelayedTimestamps(ctx context.Context, start, count int) ([]time.Time, error) {
	return i.rdb.DelayedTimestamps(ctx, start, count)
}

// DelayedTimestampSize returns the number of jobs delayed until t.
func (i *Inspector) DelayedTimestampSize(ctx context.Context, t time.Time) (int64, error) {
	return i.rdb.DelayedTimestampSize(ctx, t)
}

// DelayedScheduleSize returns the number of distinct timestamps with delayed jobs.
func (i *Inspector) DelayedScheduleSize(ctx context.Context) (int64, error) {
	return i.rdb.DelayedScheduleSize(ctx)
}

// DelayedJobsAt returns up to count jobs delayed until t beginning at offset start.
func (i *Inspector) DelayedJobsAt(ctx context.Context, t time.Time, start, count int) ([]*JobInfo, error) {
	msgs, err := i.rdb.DelayedPeek(ctx, t, start, count)
	if err != nil {
		return nil, err
	}
	at := time.Unix(t.Unix(), 0)
	res := make([]*JobInfo, 0, len(msgs))
	for _, msg := range msgs {
		qname := msg.Queue
		if qname == "" {
			qname = base.DefaultQueueName
		}
		res = append(res, &JobInfo{Class: msg.Class, Args: msg.Args, Queue: qname, Delayed: true, ProcessAt: at})
	}
	return res, nil
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Queues            int
	Pending           int64
	QueueSizes        map[string]int64
	Workers           int
	Working           int
	Failed            int64
	Processed         int64
	FailedTotal       int64
	DelayedTimestamps int64
	Delayed           int64
	Timestamp         time.Time
}

// Stats returns the current aggregate counts.
func (i *Inspector) Stats(ctx context.Context) (*Stats, error) {
	s, err := i.rdb.CurrentStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Queues:            s.Queues,
		Pending:           s.Pending,
		QueueSizes:        s.QueueSizes,
		Workers:           s.Workers,
		Working:           s.Working,
		Failed:            s.Failed,
		Processed:         s.Processed,
		FailedTotal:       s.FailedTotal,
		DelayedTimestamps: s.DelayedTimestamps,
		Delayed:           s.Delayed,
		Timestamp:         time.Now(),
	}, nil
}

// RedisInfo returns the key/value pairs reported by the redis INFO command.
func (i *Inspector) RedisInfo(ctx context.Context) (map[string]string, error) {
	return i.rdb.RedisInfo(ctx)
}

// KeyInfo describes a redis key owned by resq.
type KeyInfo struct {
	// Key without the "resque:" prefix.
	Key  string
	Type string
	Size int64
}

// Keys returns every redis key owned by resq, sorted.
func (i *Inspector) Keys(ctx context.Context) ([]*KeyInfo, error) {
	keys, err := i.rdb.Keys(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*KeyInfo, 0, len(keys))
	for _, k := range keys {
		res = append(res, &KeyInfo{Key: k.Key, Type: k.Type, Size: k.Size})
	}
	return res, nil
}

// Key returns the type and size of the key, given without the "resque:" prefix,
// along with up to 20 of its items.
func (i *Inspector) Key(ctx context.Context, key string) (*KeyInfo, []string, error) {
	k, items, err := i.rdb.KeyContents(ctx, key)
	if errors.CanonicalCode(err) == errors.NotFound {
		return nil, nil, fmt.Errorf("%w: key=%q", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, nil, err
	}
	return &KeyInfo{Key: k.Key, Type: k.Type, Size: k.Size}, items, nil
}
