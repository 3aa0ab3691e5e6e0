// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/spf13/cast"
)

// Job represents a unit of work to be performed.
//
// A job is identified by its class, which selects the handler
// that performs it, and carries a list of positional arguments.
type Job struct {
	// class selects the handler.
	class string

	// args holds the positional arguments, as decoded from JSON.
	args []interface{}

	// queue the job was taken off. Empty for jobs not yet enqueued.
	queue string
}

// NewJob returns a new Job given a class and arguments.
// Arguments must be JSON encodable.
func NewJob(class string, args ...interface{}) *Job {
	if args == nil {
		args = []interface{}{}
	}
	return &Job{class: class, args: args}
}

func newJobFromMessage(msg *base.Message, qname string) *Job {
	args := msg.Args
	if args == nil {
		args = []interface{}{}
	}
	return &Job{class: msg.Class, args: args, queue: qname}
}

func (j *Job) Class() string       { return j.class }
func (j *Job) Args() []interface{} { return j.args }

// Queue returns the name of the queue the job was dequeued from.
func (j *Job) Queue() string { return j.queue }

// NArgs returns the number of arguments.
func (j *Job) NArgs() int { return len(j.args) }

// Arg returns the i-th argument, or nil if there is none.
func (j *Job) Arg(i int) interface{} {
	if i < 0 || i >= len(j.args) {
		return nil
	}
	return j.args[i]
}

func (j *Job) arg(i int) (interface{}, error) {
	if i < 0 || i >= len(j.args) {
		return nil, fmt.Errorf("resq: job %s has %d args, no arg at index %d", j.class, len(j.args), i)
	}
	return j.args[i], nil
}

// StringArg returns the i-th argument converted to a string.
func (j *Job) StringArg(i int) (string, error) {
	v, err := j.arg(i)
	if err != nil {
		return "", err
	}
	return cast.ToStringE(v)
}

// IntArg returns the i-th argument converted to an int.
// JSON numbers decode as float64, so this is the usual way to read integer arguments.
func (j *Job) IntArg(i int) (int, error) {
	v, err := j.arg(i)
	if err != nil {
		return 0, err
	}
	return cast.ToIntE(v)
}

// Int64Arg returns the i-th argument converted to an int64.
func (j *Job) Int64Arg(i int) (int64, error) {
	v, err := j.arg(i)
	if err != nil {
		return 0, err
	}
	return cast.ToInt64E(v)
}

// Float64Arg returns the i-th argument converted to a float64.
func (j *Job) Float64Arg(i int) (float64, error) {
	v, err := j.arg(i)
	if err != nil {
		return 0, err
	}
	return cast.ToFloat64E(v)
}

// BoolArg returns the i-th argument converted to a bool.
func (j *Job) BoolArg(i int) (bool, error) {
	v, err := j.arg(i)
	if err != nil {
		return false, err
	}
	return cast.ToBoolE(v)
}

// StringSliceArg returns the i-th argument converted to a string slice.
func (j *Job) StringSliceArg(i int) ([]string, error) {
	v, err := j.arg(i)
	if err != nil {
		return nil, err
	}
	return cast.ToStringSliceE(v)
}

// MapArg returns the i-th argument converted to a string keyed map.
func (j *Job) MapArg(i int) (map[string]interface{}, error) {
	v, err := j.arg(i)
	if err != nil {
		return nil, err
	}
	return cast.ToStringMapE(v)
}

func (j *Job) message() *base.Message {
	return &base.Message{Class: j.class, Args: j.args}
}

// A Handler performs jobs.
//
// Perform should return nil if the job was performed successfully.
//
// If Perform returns a non-nil error or panics, a failure record
// is written for the job and the job is not run again unless
// the failure is retried.
type Handler interface {
	Perform(context.Context, *Job) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Job) error

// Perform calls fn(ctx, job)
func (fn HandlerFunc) Perform(ctx context.Context, job *Job) error {
	return fn(ctx, job)
}

// ErrUnknownJobClass is returned by Mux when no handler is registered for a job class.
var ErrUnknownJobClass = errors.ErrUnknownJobClass

// Mux is a job dispatcher. It matches the class of each job against
// the registered classes and calls the handler of the matching one.
//
// Mux replaces the lookup of a job class by name: every class a worker
// can perform has to be registered up front.
type Mux struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewMux allocates and returns a new Mux.
func NewMux() *Mux {
	return &Mux{m: make(map[string]Handler)}
}

// Perform dispatches the job to the handler registered for its class.
// It returns an error wrapping ErrUnknownJobClass if there is none.
func (mux *Mux) Perform(ctx context.Context, job *Job) error {
	h, ok := mux.Handler(job)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobClass, job.Class())
	}
	return h.Perform(ctx, job)
}

// Handler returns the handler registered for the class of the job.
func (mux *Mux) Handler(job *Job) (h Handler, ok bool) {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	h, ok = mux.m[job.Class()]
	return h, ok
}

// Handle registers the handler for the given class.
// If a handler already exists for class, Handle panics.
func (mux *Mux) Handle(class string, handler Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()

	if class == "" {
		panic("resq: invalid job class")
	}
	if handler == nil {
		panic("resq: nil handler")
	}
	if _, exist := mux.m[class]; exist {
		panic("resq: multiple registrations for " + class)
	}
	mux.m[class] = handler
}

// HandleFunc registers the handler function for the given class.
func (mux *Mux) HandleFunc(class string, handler func(context.Context, *Job) error) {
	if handler == nil {
		panic("resq: nil handler")
	}
	mux.Handle(class, HandlerFunc(handler))
}

// Classes returns the registered job classes in sorted order.
func (mux *Mux) Classes() []string {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	classes := make([]string, 0, len(mux.m))
	for c := range mux.m {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}
