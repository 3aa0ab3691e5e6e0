// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// A Client is responsible for putting jobs on queues.
//
// Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	broker *rdb.RDB
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewClient returns a new Client instance given a redis connection option.
func NewClient(r RedisConnOpt) *Client {
	client := NewClientFromRedisClient(makeRedisClient(r))
	client.sharedConnection = false
	return client
}

// NewClientFromRedisClient returns a new instance of Client given a redis.UniversalClient
// Warning: The underlying redis connection pool will not be closed by Client.
func NewClientFromRedisClient(c redis.UniversalClient) *Client {
	return &Client{broker: rdb.NewRDB(c), sharedConnection: true}
}

type OptionType int

const (
	QueueOpt OptionType = iota
	ProcessAtOpt
	ProcessInOpt
)

// Option specifies the job processing behavior.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

// Internal option representations.
type (
	queueOption     string
	processAtOption time.Time
	processInOption time.Duration
)

// Queue returns an option to specify the queue to enqueue the job into.
func Queue(name string) Option {
	return queueOption(name)
}

func (name queueOption) String() string     { return fmt.Sprintf("Queue(%q)", string(name)) }
func (name queueOption) Type() OptionType   { return QueueOpt }
func (name queueOption) Value() interface{} { return string(name) }

// ProcessAt returns an option to specify when to process the given job.
//
// The job is kept in the delayed schedule and moved onto its queue
// by a worker once t has passed. Timestamps have second granularity.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string {
	return fmt.Sprintf("ProcessAt(%v)", time.Time(t).Format(time.UnixDate))
}
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify when to process the given job relative to the current time.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

type option struct {
	queue     string
	processAt time.Time
}

// composeOptions merges user provided options into the default options
// and returns the composed option.
// It also validates the user provided options and returns an error if any of
// the user provided options fail the validations.
func composeOptions(opts ...Option) (option, error) {
	res := option{
		queue:     base.DefaultQueueName,
		processAt: time.Now(),
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case queueOption:
			qname := string(opt)
			if err := base.ValidateQueueName(qname); err != nil {
				return option{}, err
			}
			res.queue = qname
		case processAtOption:
			res.processAt = time.Time(opt)
		case processInOption:
			res.processAt = time.Now().Add(time.Duration(opt))
		default:
			// ignore unexpected option
		}
	}
	return res, nil
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("redis connection is shared so the Client can't be closed through resq")
	}
	return c.broker.Close()
}

// JobInfo describes a job that was enqueued or scheduled.
type JobInfo struct {
	Class string
	Args  []interface{}
	Queue string

	// Delayed is true if the job went to the delayed schedule.
	Delayed bool

	// ProcessAt is the time the job becomes due, for delayed jobs.
	ProcessAt time.Time
}

// Enqueue enqueues the given job to a queue.
//
// Enqueue returns JobInfo and nil error if the job is enqueued successfully, otherwise returns a non-nil error.
//
// The argument opts specifies the behavior of job processing.
// If there are conflicting Option values the last one overrides others.
// By default, the job goes to the "default" queue and is processed
// as soon as a worker takes it off the queue.
func (c *Client) Enqueue(job *Job, opts ...Option) (*JobInfo, error) {
	return c.EnqueueContext(context.Background(), job, opts...)
}

// EnqueueContext enqueues the given job to a queue.
//
// The first argument context applies to the enqueue operation. To specify job timeout and deadline, use the handler's context instead.
func (c *Client) EnqueueContext(ctx context.Context, job *Job, opts ...Option) (*JobInfo, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	if strings.TrimSpace(job.Class()) == "" {
		return nil, fmt.Errorf("job class cannot be empty")
	}
	opt, err := composeOptions(opts...)
	if err != nil {
		return nil, err
	}
	info := &JobInfo{Class: job.Class(), Args: job.Args(), Queue: opt.queue}
	now := time.Now()
	if opt.processAt.After(now) {
		if err := c.broker.ScheduleAt(ctx, opt.processAt, opt.queue, job.message()); err != nil {
			return nil, err
		}
		info.Delayed = true
		info.ProcessAt = time.Unix(opt.processAt.Unix(), 0)
		return info, nil
	}
	if err := c.broker.Enqueue(ctx, opt.queue, job.message()); err != nil {
		return nil, err
	}
	return info, nil
}

// EnqueueAt schedules the job to be moved onto its queue at t.
func (c *Client) EnqueueAt(t time.Time, job *Job, opts ...Option) (*JobInfo, error) {
	return c.Enqueue(job, append(opts, ProcessAt(t))...)
}

// EnqueueIn schedules the job to be moved onto its queue after d.
func (c *Client) EnqueueIn(d time.Duration, job *Job, opts ...Option) (*JobInfo, error) {
	return c.Enqueue(job, append(opts, ProcessIn(d))...)
}

// Ping performs a ping against the redis connection.
func (c *Client) Ping() error {
	return c.broker.Ping()
}

// IsBackendUnavailable reports whether err was caused by the backend being unreachable.
func IsBackendUnavailable(err error) bool {
	return errors.CanonicalCode(err) == errors.Unavailable
}
