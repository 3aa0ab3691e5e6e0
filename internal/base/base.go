// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in resq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hemant/resq/internal/errors"
)

// Version of resq library.
const Version = "1.0.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// KeyPrefix is the prefix shared by every key resq owns.
// It matches the resque/pyres layout so existing tooling can read the data.
const KeyPrefix = "resque:"

// Global Redis keys.
const (
	AllQueues         = KeyPrefix + "queues"                 // SET
	AllWorkers        = KeyPrefix + "workers"                // SET
	WorkerHeartbeats  = KeyPrefix + "workers:heartbeat"      // HASH
	DelayedSchedule   = KeyPrefix + "delayed_queue_schedule" // ZSET
	FailedList        = KeyPrefix + "failed"                 // LIST
	FailedRecords     = KeyPrefix + "failed:records"         // HASH
	ProcessedTotalKey = KeyPrefix + "stat:processed"         // STRING
	FailedTotalKey    = KeyPrefix + "stat:failed"            // STRING
	schedulerFiredPfx = KeyPrefix + "scheduler:fired:"       // STRING with TTL
	delayedBucketPfx  = KeyPrefix + "delayed:"               // LIST
	queuePfx          = KeyPrefix + "queue:"                 // LIST
	workerPfx         = KeyPrefix + "worker:"                // STRING
)

// WorkerState denotes the state of a registered worker.
type WorkerState int

const (
	WorkerStateIdle WorkerState = iota + 1
	WorkerStateWorking
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateWorking:
		return "working"
	}
	panic(fmt.Sprintf("internal error: unknown worker state %d", s))
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
//
// Commas and colons are rejected because they delimit queue lists
// inside a worker identity.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	if strings.ContainsAny(qname, ",:") {
		return fmt.Errorf("queue name %q must not contain ',' or ':'", qname)
	}
	return nil
}

// QueueKey returns a redis key for the given queue name.
func QueueKey(qname string) string {
	return queuePfx + qname
}

// DelayedKey returns a redis key for the delayed bucket at the given unix timestamp.
func DelayedKey(ts int64) string {
	return delayedBucketPfx + strconv.FormatInt(ts, 10)
}

// DelayedKeyPrefix returns the prefix shared by every delayed bucket key.
func DelayedKeyPrefix() string {
	return delayedBucketPfx
}

// WorkerKey returns a redis key holding the current job of the given worker.
func WorkerKey(id string) string {
	return workerPfx + id
}

// WorkerStartedKey returns a redis key holding the start time of the given worker.
func WorkerStartedKey(id string) string {
	return workerPfx + id + ":started"
}

// ProcessedKey returns a redis key for the processed count of the given worker.
func ProcessedKey(id string) string {
	return ProcessedTotalKey + ":" + id
}

// FailedKey returns a redis key for the failure count of the given worker.
func FailedKey(id string) string {
	return FailedTotalKey + ":" + id
}

// SchedulerFiredKey returns a redis key guarding one occurrence of a periodic entry.
func SchedulerFiredKey(entryID string, occurrence time.Time) string {
	return schedulerFiredPfx + entryID + ":" + strconv.FormatInt(occurrence.Unix(), 10)
}

// Message is the wire representation of a job.
// Serialized data of this type gets written to redis.
type Message struct {
	// Class identifies the handler the job is dispatched to.
	Class string `json:"class"`

	// Args holds the positional arguments passed to the handler.
	Args []interface{} `json:"args"`

	// Queue is set only on delayed entries so that the forwarder knows
	// where a due job goes. Entries inside a queue list never carry it.
	Queue string `json:"queue,omitempty"`
}

// EncodeMessage marshals the given job message and returns an encoded bytes.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	if msg.Class == "" {
		return nil, fmt.Errorf("cannot encode message without class")
	}
	if msg.Args == nil {
		cp := *msg
		cp.Args = []interface{}{}
		msg = &cp
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded job message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Class == "" {
		return nil, fmt.Errorf("message has no class: %q", truncate(string(data), 64))
	}
	return &msg, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Work describes the job a worker is currently processing.
type Work struct {
	Queue   string    `json:"queue"`
	RunAt   time.Time `json:"run_at"`
	Payload *Message  `json:"payload"`
}

// EncodeWork marshals the given Work and returns the encoded bytes.
func EncodeWork(w *Work) ([]byte, error) {
	if w == nil {
		return nil, fmt.Errorf("cannot encode nil work")
	}
	return json.Marshal(w)
}

// DecodeWork decodes the given bytes into Work.
func DecodeWork(b []byte) (*Work, error) {
	var w Work
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// FailureRecord is the persisted evidence of a failed job execution.
type FailureRecord struct {
	ID        string    `json:"id"`
	FailedAt  time.Time `json:"failed_at"`
	Payload   string    `json:"payload"` // raw queue entry, possibly undecodable
	Exception string    `json:"exception"`
	Error     string    `json:"error"`
	Backtrace []string  `json:"backtrace"`
	Worker    string    `json:"worker"`
	Queue     string    `json:"queue"`
}

// EncodeFailure marshals the given FailureRecord and returns the encoded bytes.
func EncodeFailure(f *FailureRecord) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("cannot encode nil failure record")
	}
	return json.Marshal(f)
}

// DecodeFailure decodes the given bytes into FailureRecord.
func DecodeFailure(b []byte) (*FailureRecord, error) {
	var f FailureRecord
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// WorkerInfo holds information about a registered worker.
type WorkerInfo struct {
	ID        string
	Host      string
	PID       int
	Queues    []string
	State     WorkerState
	Job       *Work // nil unless State is WorkerStateWorking
	Started   time.Time
	Heartbeat time.Time
	Processed int64
	Failed    int64

	// RawJob and RawHeartbeat hold the stored values as read, used to detect
	// changes made after the read. Both are empty if the value was not set.
	RawJob       string
	RawHeartbeat string
}

// WorkerID builds the identity of a worker process from its host, pid and queues.
func WorkerID(host string, pid int, queues []string) string {
	return fmt.Sprintf("%s:%d:%s", host, pid, strings.Join(queues, ","))
}

// CurrentWorkerID returns the identity of a worker running in this process.
func CurrentWorkerID(queues []string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return WorkerID(host, os.Getpid(), queues)
}

// ParseWorkerID splits a worker identity into host, pid and queues.
func ParseWorkerID(id string) (host string, pid int, queues []string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 {
		return "", 0, nil, errors.E(errors.Op("base.ParseWorkerID"), errors.InvalidArgument,
			fmt.Sprintf("malformed worker id %q", id))
	}
	pid, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, nil, errors.E(errors.Op("base.ParseWorkerID"), errors.InvalidArgument,
			fmt.Sprintf("malformed pid in worker id %q", id))
	}
	if parts[2] != "" {
		queues = strings.Split(parts[2], ",")
	}
	return parts[0], pid, queues, nil
}

// DequeuedJob is a job claimed off a queue together with its raw entry.
type DequeuedJob struct {
	Queue string
	Raw   string
}

// Broker is a message broker that supports operations to manage job queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	// Queue manager
	Enqueue(ctx context.Context, qname string, msg *Message) error
	Dequeue(ctx context.Context, qnames ...string) (*DequeuedJob, error)

	// Delayed job scheduler
	ScheduleAt(ctx context.Context, t time.Time, qname string, msg *Message) error
	ExtractDue(ctx context.Context, now time.Time) (string, error)

	// Worker registry
	RegisterWorker(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	MarkWorking(ctx context.Context, id string, w *Work) error
	MarkIdle(ctx context.Context, id string) error
	Done(ctx context.Context, id string) error
	DeregisterWorker(ctx context.Context, id string) error
	PruneWorker(ctx context.Context, w *WorkerInfo, f *FailureRecord) error
	ListWorkers(ctx context.Context) ([]*WorkerInfo, error)

	// Failure tracker
	RecordFailure(ctx context.Context, f *FailureRecord) error

	// Periodic scheduler
	EnqueueOccurrence(ctx context.Context, entryID string, occurrence time.Time, ttl time.Duration, qname string, msg *Message) (bool, error)
}
