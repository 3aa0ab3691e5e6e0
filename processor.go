// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/metrics"
	"github.com/hemant/resq/internal/rdb"
	"golang.org/x/time/rate"
)

// Exception names written to failure records for faults
// that are not errors returned by a handler.
const (
	ExceptionPanic           = "Panic"
	ExceptionDecodeError     = "DecodeError"
	ExceptionUnknownJobClass = "UnknownJobClass"
	ExceptionDirtyExit       = "DirtyExit"
)

// processor pulls jobs off the queues of one worker and performs them,
// one at a time.
type processor struct {
	logger  *log.Logger
	broker  base.Broker
	metrics *metrics.Collector

	workerID string
	handler  Handler
	queues   []string

	baseCtxFn func() context.Context

	// time to sleep when all queues are empty.
	pollInterval time.Duration

	// time to wait for the in-flight job before abandoning it.
	// Zero waits for as long as the job takes.
	shutdownTimeout time.Duration

	// rate limiter to prevent spamming logs with a bunch of errors.
	errLogLimiter *rate.Limiter

	// channel to send requests to the syncer.
	syncRequestCh chan<- *syncRequest

	errHandler ErrorHandler

	// quit is closed to stop pulling new jobs off the queues.
	quit     chan struct{}
	quitOnce sync.Once

	// abort is closed to cancel and abandon the in-flight job.
	abort chan struct{}

	// done is closed once the processor loop has exited.
	done chan struct{}
}

type processorParams struct {
	logger          *log.Logger
	broker          base.Broker
	metrics         *metrics.Collector
	workerID        string
	queues          []string
	baseCtxFn       func() context.Context
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	syncCh          chan<- *syncRequest
	errHandler      ErrorHandler
}

func newProcessor(params processorParams) *processor {
	return &processor{
		logger:          params.logger,
		broker:          params.broker,
		metrics:         params.metrics,
		workerID:        params.workerID,
		queues:          params.queues,
		baseCtxFn:       params.baseCtxFn,
		pollInterval:    params.pollInterval,
		shutdownTimeout: params.shutdownTimeout,
		errLogLimiter:   rate.NewLimiter(rate.Every(3*time.Second), 1),
		syncRequestCh:   params.syncCh,
		errHandler:      params.errHandler,
		quit:            make(chan struct{}),
		abort:           make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Note: stops only the "processor" goroutine, does not stop the in-flight job.
func (p *processor) stop() {
	p.quitOnce.Do(func() {
		p.logger.Debug("Processor shutting down...")
		close(p.quit)
	})
}

// shutdown stops pulling new jobs and waits for the in-flight job.
// If shutdownTimeout is positive and elapses first, the job is abandoned.
func (p *processor) shutdown() {
	p.stop()
	if p.shutdownTimeout > 0 {
		t := time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })
		defer t.Stop()
	}
	p.logger.Info("Waiting for the in-flight job to finish...")
	<-p.done
	p.logger.Debug("Processor done")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.done)
		for {
			select {
			case <-p.quit:
				return
			default:
				p.exec()
			}
		}
	}()
}

// exec pulls a job off the queues and performs it.
// If all queues are empty it sleeps for the poll interval.
func (p *processor) exec() {
	ctx := context.Background()
	dj, err := p.broker.Dequeue(ctx, p.queues...)
	switch {
	case errors.Is(err, errors.ErrNoProcessableJob):
		p.logger.Debug("All queues are empty")
		p.sleep(p.pollInterval)
		return
	case err != nil:
		p.metrics.RecordBackendError("rdb.Dequeue")
		p.logError("Dequeue error: %v", err)
		p.sleep(p.pollInterval)
		return
	}
	p.process(dj)
}

func (p *processor) process(dj *base.DequeuedJob) {
	ctx := context.Background()
	msg, err := base.DecodeMessage([]byte(dj.Raw))
	if err != nil {
		p.logger.Errorf("Could not decode job off queue %q: %v", dj.Queue, err)
		f := newFailureRecord(p.workerID, dj, ExceptionDecodeError, err, nil)
		p.metrics.RecordFailed(dj.Queue, UndecodableClass, ExceptionDecodeError, 0, false)
		p.recordFailure(ctx, f, false)
		return
	}
	job := newJobFromMessage(msg, dj.Queue)
	p.markWorking(ctx, &base.Work{Queue: dj.Queue, Payload: msg})

	jobCtx, cancel := context.WithCancel(p.baseCtxFn())
	defer cancel()
	resCh := make(chan error, 1)
	start := time.Now()
	p.metrics.RecordStarted()
	go func() {
		resCh <- p.perform(jobCtx, job)
	}()

	select {
	case <-p.abort:
		cancel()
		p.logger.Warnf("Quitting worker. Abandoning job %s from queue %q", job.Class(), dj.Queue)
		err := fmt.Errorf("worker %s shut down before job %s finished", p.workerID, job.Class())
		p.metrics.RecordFailed(dj.Queue, job.Class(), ExceptionDirtyExit, time.Since(start), true)
		p.recordFailure(ctx, newFailureRecord(p.workerID, dj, ExceptionDirtyExit, err, nil), true)
		return
	case resErr := <-resCh:
		if resErr == nil {
			p.metrics.RecordProcessed(dj.Queue, job.Class(), time.Since(start))
			p.markDone(ctx)
			return
		}
		if p.errHandler != nil {
			p.errHandler.HandleError(jobCtx, job, resErr)
		}
		exception, backtrace := classify(resErr)
		p.logger.Errorf("Job %s from queue %q failed: %s: %v", job.Class(), dj.Queue, exception, resErr)
		p.metrics.RecordFailed(dj.Queue, job.Class(), exception, time.Since(start), true)
		p.recordFailure(ctx, newFailureRecord(p.workerID, dj, exception, resErr, backtrace), true)
	}
}

// perform calls the handler, converting a panic into an error.
func (p *processor) perform(ctx context.Context, job *Job) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = &panicError{value: x, stack: debug.Stack()}
		}
	}()
	return p.handler.Perform(ctx, job)
}

func (p *processor) markWorking(ctx context.Context, w *base.Work) {
	err := p.broker.MarkWorking(ctx, p.workerID, w)
	if errors.IsWorkerNotFound(err) {
		// The worker was pruned, e.g. after a long pause. Come back.
		p.logger.Warnf("Worker %s is not registered, registering again", p.workerID)
		if err = p.broker.RegisterWorker(ctx, p.workerID); err == nil {
			err = p.broker.MarkWorking(ctx, p.workerID, w)
		}
	}
	if err != nil {
		p.metrics.RecordBackendError("rdb.MarkWorking")
		p.logError("Could not mark worker as working: %v", err)
	}
}

func (p *processor) markDone(ctx context.Context) {
	if err := p.broker.Done(ctx, p.workerID); err != nil {
		p.metrics.RecordBackendError("rdb.Done")
		p.requestSync(fmt.Sprintf("Could not mark worker %s done: %v", p.workerID, err), func() error {
			return p.broker.Done(context.Background(), p.workerID)
		})
	}
}

// recordFailure writes the failure record and marks the worker idle.
// Writes that fail are handed to the syncer.
func (p *processor) recordFailure(ctx context.Context, f *base.FailureRecord, working bool) {
	if err := p.broker.RecordFailure(ctx, f); err != nil {
		p.metrics.RecordBackendError("rdb.RecordFailure")
		p.requestSync(fmt.Sprintf("Could not record failure %s for worker %s: %v", f.ID, p.workerID, err), func() error {
			return p.broker.RecordFailure(context.Background(), f)
		})
	}
	if !working {
		return
	}
	if err := p.broker.MarkIdle(ctx, p.workerID); err != nil {
		p.metrics.RecordBackendError("rdb.MarkIdle")
		p.requestSync(fmt.Sprintf("Could not mark worker %s idle: %v", p.workerID, err), func() error {
			return p.broker.MarkIdle(context.Background(), p.workerID)
		})
	}
}

func (p *processor) requestSync(errMsg string, fn func() error) {
	p.logger.Errorf("%s. Will retry syncing", errMsg)
	p.syncRequestCh <- &syncRequest{
		fn:       fn,
		errMsg:   errMsg,
		deadline: time.Now().Add(time.Minute),
	}
}

// sleep blocks for d or until the processor is stopped.
func (p *processor) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.quit:
	}
}

func (p *processor) logError(format string, args ...interface{}) {
	if p.errLogLimiter.Allow() {
		p.logger.Errorf(format, args...)
	}
}

// UndecodableClass is the class reported for queue entries
// that are not valid job messages.
const UndecodableClass = rdb.UndecodableClass

// panicError is the error a handler panic is converted into.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) backtrace() []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(e.stack)), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// classify returns the exception name and the backtrace recorded for err.
func classify(err error) (exception string, backtrace []string) {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return ExceptionPanic, pe.backtrace()
	case errors.Is(err, ErrUnknownJobClass):
		return ExceptionUnknownJobClass, nil
	}
	return exceptionName(err), nil
}

// exceptionName returns the type name of the innermost error in the chain.
func exceptionName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func newFailureRecord(workerID string, dj *base.DequeuedJob, exception string, err error, backtrace []string) *base.FailureRecord {
	return &base.FailureRecord{
		Payload:   dj.Raw,
		Exception: exception,
		Error:     err.Error(),
		Backtrace: backtrace,
		Worker:    workerID,
		Queue:     dj.Queue,
	}
}
