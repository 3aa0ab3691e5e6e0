// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/metrics"
	"github.com/hemant/resq/internal/timeutil"
)

// A forwarder is responsible for moving delayed jobs onto their queue
// once they are due.
type forwarder struct {
	logger  *log.Logger
	broker  base.Broker
	metrics *metrics.Collector
	clock   timeutil.Clock

	// channel to communicate back to the long running "forwarder" goroutine.
	done chan struct{}

	// channel to send requests to the syncer.
	syncRequestCh chan<- *syncRequest

	// interval between checks.
	interval time.Duration
}

type forwarderParams struct {
	logger   *log.Logger
	broker   base.Broker
	metrics  *metrics.Collector
	clock    timeutil.Clock
	syncCh   chan<- *syncRequest
	interval time.Duration
}

func newForwarder(params forwarderParams) *forwarder {
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &forwarder{
		logger:        params.logger,
		broker:        params.broker,
		metrics:       params.metrics,
		clock:         clock,
		done:          make(chan struct{}),
		syncRequestCh: params.syncCh,
		interval:      params.interval,
	}
}

func (f *forwarder) shutdown() {
	f.logger.Debug("Forwarder shutting down...")
	// Signal the forwarder goroutine to stop polling.
	f.done <- struct{}{}
}

// start starts the "forwarder" goroutine.
func (f *forwarder) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(f.interval)
		for {
			select {
			case <-f.done:
				f.logger.Debug("Forwarder done")
				timer.Stop()
				return
			case <-timer.C:
				f.exec()
				timer.Reset(f.interval)
			}
		}
	}()
}

// exec moves every job due as of now onto its queue.
// It returns the number of jobs moved.
//
// A due entry that is not a valid job is recorded as a DecodeError failure.
func (f *forwarder) exec() int {
	ctx := context.Background()
	n := 0
	for {
		data, err := f.broker.ExtractDue(ctx, f.clock.Now())
		if errors.Is(err, errors.ErrNothingDue) {
			return n
		}
		if err != nil {
			f.metrics.RecordBackendError("rdb.ExtractDue")
			f.logger.Errorf("Could not extract due jobs: %v", err)
			return n
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			f.recordUndecodable(ctx, data, err)
			continue
		}
		qname := msg.Queue
		if qname == "" {
			qname = base.DefaultQueueName
		}
		if err := f.broker.Enqueue(ctx, qname, msg); err != nil {
			f.metrics.RecordBackendError("rdb.Enqueue")
			f.requestSync(fmt.Sprintf("Could not enqueue due job %s onto queue %q: %v", msg.Class, qname, err),
				func() error { return f.broker.Enqueue(context.Background(), qname, msg) })
			continue
		}
		f.metrics.RecordForwarded()
		n++
	}
}

func (f *forwarder) recordUndecodable(ctx context.Context, data string, decodeErr error) {
	qname := routedQueue(data)
	f.logger.Errorf("Could not decode delayed job for queue %q: %v", qname, decodeErr)
	rec := &base.FailureRecord{
		Payload:   data,
		Exception: ExceptionDecodeError,
		Error:     decodeErr.Error(),
		Queue:     qname,
	}
	f.metrics.RecordFailed(qname, UndecodableClass, ExceptionDecodeError, 0, false)
	if err := f.broker.RecordFailure(ctx, rec); err != nil {
		f.metrics.RecordBackendError("rdb.RecordFailure")
		f.requestSync(fmt.Sprintf("Could not record undecodable delayed job: %v", err),
			func() error { return f.broker.RecordFailure(context.Background(), rec) })
	}
}

func (f *forwarder) requestSync(errMsg string, fn func() error) {
	f.logger.Errorf("%s. Will retry syncing", errMsg)
	f.syncRequestCh <- &syncRequest{
		fn:       fn,
		errMsg:   errMsg,
		deadline: time.Now().Add(10 * time.Minute),
	}
}

// routedQueue returns the queue a delayed entry was routed to,
// or the default queue if the entry does not name a valid one.
func routedQueue(data string) string {
	var routing struct {
		Queue string `json:"queue"`
	}
	if err := json.Unmarshal([]byte(data), &routing); err != nil || base.ValidateQueueName(routing.Queue) != nil {
		return base.DefaultQueueName
	}
	return routing.Queue
}
