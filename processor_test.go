// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/rdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkerID = "testhost:1234:high,default"

func newTestProcessor(t *testing.T, r *rdb.RDB, h Handler, queues ...string) *processor {
	t.Helper()
	if len(queues) == 0 {
		queues = []string{base.DefaultQueueName}
	}
	require.NoError(t, r.RegisterWorker(context.Background(), testWorkerID))
	p := newProcessor(processorParams{
		logger:       testLogger,
		broker:       r,
		workerID:     testWorkerID,
		queues:       queues,
		baseCtxFn:    context.Background,
		pollInterval: 10 * time.Millisecond,
		syncCh:       newSyncCh(),
	})
	p.handler = h
	return p
}

func failures(t *testing.T, r *rdb.RDB) []*base.FailureRecord {
	t.Helper()
	fs, err := r.ListFailures(context.Background(), 0, 100)
	require.NoError(t, err)
	return fs
}

func TestProcessorSuccess(t *testing.T) {
	r, _ := setupRDB(t)
	var got []*Job
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		got = append(got, job)
		return nil
	}))
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Email", Args: []interface{}{"bob"}}))

	p.exec()

	require.Len(t, got, 1)
	assert.Equal(t, "Email", got[0].Class())
	assert.Equal(t, "default", got[0].Queue())
	assert.Equal(t, []interface{}{"bob"}, got[0].Args())

	w, err := r.FindWorker(context.Background(), testWorkerID)
	require.NoError(t, err)
	assert.Equal(t, base.WorkerStateIdle, w.State)
	assert.Equal(t, int64(1), w.Processed)
	assert.Empty(t, failures(t, r))
}

func TestProcessorQueueOrder(t *testing.T) {
	r, _ := setupRDB(t)
	var order []string
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		order = append(order, job.Queue()+":"+job.Class())
		return nil
	}), "high", "default")

	bg := context.Background()
	require.NoError(t, r.Enqueue(bg, "default", &base.Message{Class: "Low1"}))
	require.NoError(t, r.Enqueue(bg, "high", &base.Message{Class: "High1"}))
	require.NoError(t, r.Enqueue(bg, "default", &base.Message{Class: "Low2"}))
	require.NoError(t, r.Enqueue(bg, "high", &base.Message{Class: "High2"}))

	for i := 0; i < 4; i++ {
		p.exec()
	}
	assert.Equal(t, []string{"high:High1", "high:High2", "default:Low1", "default:Low2"}, order)
}

func TestProcessorRecordsFailure(t *testing.T) {
	r, _ := setupRDB(t)
	var handled []error
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		return errors.New("smtp down")
	}))
	p.errHandler = ErrorHandlerFunc(func(ctx context.Context, job *Job, err error) {
		handled = append(handled, err)
	})
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Email", Args: []interface{}{1}}))

	p.exec()

	fs := failures(t, r)
	require.Len(t, fs, 1)
	assert.Equal(t, "*errors.errorString", fs[0].Exception)
	assert.Equal(t, "smtp down", fs[0].Error)
	assert.Equal(t, testWorkerID, fs[0].Worker)
	assert.Equal(t, "default", fs[0].Queue)
	msg, err := base.DecodeMessage([]byte(fs[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, "Email", msg.Class)
	require.Len(t, handled, 1)

	w, err := r.FindWorker(context.Background(), testWorkerID)
	require.NoError(t, err)
	assert.Equal(t, base.WorkerStateIdle, w.State)
	assert.Equal(t, int64(1), w.Failed)
	assert.Equal(t, int64(0), w.Processed)
}

func TestProcessorRecordsPanic(t *testing.T) {
	r, _ := setupRDB(t)
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		panic("nil map")
	}))
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Crash"}))

	p.exec()

	fs := failures(t, r)
	require.Len(t, fs, 1)
	assert.Equal(t, ExceptionPanic, fs[0].Exception)
	assert.Equal(t, "panic: nil map", fs[0].Error)
	assert.NotEmpty(t, fs[0].Backtrace)
}

func TestProcessorUnknownJobClass(t *testing.T) {
	r, _ := setupRDB(t)
	p := newTestProcessor(t, r, NewMux())
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Nobody"}))

	p.exec()

	fs := failures(t, r)
	require.Len(t, fs, 1)
	assert.Equal(t, ExceptionUnknownJobClass, fs[0].Exception)
}

func TestProcessorUndecodablePayload(t *testing.T) {
	r, mr := setupRDB(t)
	called := false
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		called = true
		return nil
	}))
	mr.SAdd(base.AllQueues, "default")
	mr.RPush(base.QueueKey("default"), "{not json")

	p.exec()

	assert.False(t, called)
	fs := failures(t, r)
	require.Len(t, fs, 1)
	assert.Equal(t, ExceptionDecodeError, fs[0].Exception)
	assert.Equal(t, "{not json", fs[0].Payload)

	w, err := r.FindWorker(context.Background(), testWorkerID)
	require.NoError(t, err)
	assert.Equal(t, base.WorkerStateIdle, w.State)
}

func TestProcessorReregistersPrunedWorker(t *testing.T) {
	r, _ := setupRDB(t)
	working := make(chan struct{})
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		w, err := r.FindWorker(ctx, testWorkerID)
		if err == nil && w.State == base.WorkerStateWorking {
			close(working)
		}
		return nil
	}))
	require.NoError(t, r.DeregisterWorker(context.Background(), testWorkerID))
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Email"}))

	p.exec()

	select {
	case <-working:
	default:
		t.Fatal("worker was not registered as working while performing the job")
	}
}

func TestProcessorShutdownAbandonsJob(t *testing.T) {
	r, _ := setupRDB(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	p.shutdownTimeout = 50 * time.Millisecond
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Slow"}))

	var wg sync.WaitGroup
	p.start(&wg)
	<-started
	p.shutdown()
	wg.Wait()

	<-cancelled
	fs := failures(t, r)
	require.Len(t, fs, 1)
	assert.Equal(t, ExceptionDirtyExit, fs[0].Exception)
	assert.Equal(t, "default", fs[0].Queue)
}

func TestProcessorShutdownWaitsForJob(t *testing.T) {
	r, _ := setupRDB(t)
	started := make(chan struct{})
	release := make(chan struct{})
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Slow"}))

	var wg sync.WaitGroup
	p.start(&wg)
	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	p.shutdown()
	wg.Wait()

	assert.Empty(t, failures(t, r))
	w, err := r.FindWorker(context.Background(), testWorkerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Processed)
}

func TestProcessorStopsPullingOnStop(t *testing.T) {
	r, _ := setupRDB(t)
	p := newTestProcessor(t, r, HandlerFunc(func(ctx context.Context, job *Job) error { return nil }))

	var wg sync.WaitGroup
	p.start(&wg)
	p.stop()
	p.stop() // idempotent
	wg.Wait()

	require.NoError(t, r.Enqueue(context.Background(), "default", &base.Message{Class: "Later"}))
	n, err := r.Size(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClassify(t *testing.T) {
	exception, bt := classify(&panicError{value: "x", stack: []byte("goroutine 1\n\tmain.go:1\n")})
	assert.Equal(t, ExceptionPanic, exception)
	assert.Equal(t, []string{"goroutine 1", "main.go:1"}, bt)

	exception, _ = classify(errors.Join(ErrUnknownJobClass))
	assert.Equal(t, ExceptionUnknownJobClass, exception)

	exception, _ = classify(context.DeadlineExceeded)
	assert.Equal(t, "context.deadlineExceededError", exception)
}
