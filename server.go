// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/metrics"
	"github.com/hemant/resq/internal/rdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Server is a worker process.
//
// Server registers itself as a worker, pulls jobs off its queues in
// order and performs them one at a time. A job whose handler returns an
// error or panics is recorded in the failure list; jobs are never retried
// automatically.
//
// Server also moves due delayed jobs onto their queues and, if
// configured, prunes workers of other processes that stopped sending
// heartbeats. Its own heartbeat is written on a separate goroutine, so a
// long running job does not make the worker look dead.
type Server struct {
	logger *log.Logger

	broker *rdb.RDB
	// When a Server has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	workerID string

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	forwarder     *forwarder
	processor     *processor
	syncer        *syncer
	healthchecker *healthchecker
	heartbeater   *heartbeater
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer processing new jobs.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the worker's job processing behavior.
type Config struct {
	// List of queues to process, in polling order.
	// A job is taken off a queue only when every queue before it is empty.
	//
	// If nil or empty, the server will process only the "default" queue.
	Queues []string

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// PollInterval specifies how long to sleep when all queues are empty.
	//
	// If unset, zero or a negative value, the interval is set to 5 seconds.
	PollInterval time.Duration

	// DelayedJobCheckInterval specifies the interval between checks for due
	// delayed jobs.
	//
	// If unset, zero or a negative value, PollInterval is used.
	DelayedJobCheckInterval time.Duration

	// ErrorHandler is called with every error returned by the handler,
	// before the failure is recorded.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies how long shutdown waits for the in-flight job
	// before its context is cancelled and the job is abandoned.
	// An abandoned job is recorded as a DirtyExit failure.
	//
	// If unset or zero, shutdown waits for the job to finish.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// HeartbeatInterval specifies the interval between heartbeats of this
	// worker. It is capped at a third of StaleWorkerTimeout when that is set.
	//
	// If unset or zero, the interval is set to 5 seconds.
	HeartbeatInterval time.Duration

	// StaleWorkerTimeout enables pruning of other workers whose last heartbeat
	// is older than the timeout. A job such a worker was performing is recorded
	// as a DirtyExit failure.
	//
	// If unset or zero, workers are never pruned.
	StaleWorkerTimeout time.Duration

	// JanitorInterval specifies the interval between checks for stale workers.
	//
	// If unset or zero, default interval of 1 minute is used.
	JanitorInterval time.Duration

	// MetricsRegisterer, if set, gets the job processing metrics and a
	// collector reporting queue sizes at scrape time.
	MetricsRegisterer prometheus.Registerer

	// WorkerID overrides the worker identity.
	//
	// If unset, the identity is "host:pid:queue1,queue2".
	WorkerID string
}

// An ErrorHandler handles an error occurred during job processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, job *Job, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, job *Job, err error)

// HandleError calls fn(ctx, job, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, job *Job, err error) {
	fn(ctx, job, err)
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// NewWriterLogger returns a Logger writing to w in the format of the default logger.
// It is used to send logs to a file.
func NewWriterLogger(w io.Writer) Logger {
	return log.NewBase(w)
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case level_unspecified:
		return ""
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("resq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal", "critical":
		*l = FatalLevel
	default:
		return fmt.Errorf("resq: unsupported log level %q", val)
	}
	return nil
}

// Type is part of the pflag.Value interface.
func (l *LogLevel) Type() string { return "level" }

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("resq: unexpected log level: %v", l))
}

func newLogger(l Logger, level LogLevel) *log.Logger {
	var b log.Base
	if l != nil {
		b = l
	}
	logger := log.NewLogger(b)
	if level == level_unspecified {
		level = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(level))
	return logger
}

const (
	defaultPollInterval        = 5 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultJanitorInterval     = 1 * time.Minute
	defaultSyncInterval        = 5 * time.Second
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	server := NewServerFromRedisClient(makeRedisClient(r), cfg)
	server.sharedConnection = false
	return server
}

// NewServerFromRedisClient returns a new instance of Server given a redis.UniversalClient
// and server configuration
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	delayedJobCheckInterval := cfg.DelayedJobCheckInterval
	if delayedJobCheckInterval <= 0 {
		delayedJobCheckInterval = pollInterval
	}
	var qnames []string
	seen := make(map[string]bool)
	for _, qname := range cfg.Queues {
		if err := base.ValidateQueueName(qname); err != nil || seen[qname] {
			continue // ignore invalid and repeated queue names
		}
		seen[qname] = true
		qnames = append(qnames, qname)
	}
	if len(qnames) == 0 {
		qnames = []string{base.DefaultQueueName}
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = base.CurrentWorkerID(qnames)
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StaleWorkerTimeout > 0 && heartbeatInterval > cfg.StaleWorkerTimeout/3 {
		heartbeatInterval = cfg.StaleWorkerTimeout / 3
	}
	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	logger := newLogger(cfg.Logger, cfg.LogLevel)

	rdb := rdb.NewRDB(c)
	var collector *metrics.Collector
	if cfg.MetricsRegisterer != nil {
		collector = metrics.NewCollector(cfg.MetricsRegisterer)
		cfg.MetricsRegisterer.MustRegister(metrics.NewQueueCollector(rdb.CurrentStats))
	}
	syncCh := make(chan *syncRequest)
	srvState := &serverState{value: srvStateNew}

	syncer := newSyncer(syncerParams{
		logger:     logger,
		requestsCh: syncCh,
		interval:   defaultSyncInterval,
	})
	forwarder := newForwarder(forwarderParams{
		logger:   logger,
		broker:   rdb,
		metrics:  collector,
		syncCh:   syncCh,
		interval: delayedJobCheckInterval,
	})
	processor := newProcessor(processorParams{
		logger:          logger,
		broker:          rdb,
		metrics:         collector,
		workerID:        workerID,
		queues:          qnames,
		baseCtxFn:       baseCtxFn,
		pollInterval:    pollInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		syncCh:          syncCh,
		errHandler:      cfg.ErrorHandler,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          rdb,
		metrics:         collector,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	heartbeater := newHeartbeater(heartbeaterParams{
		logger:   logger,
		broker:   rdb,
		metrics:  collector,
		workerID: workerID,
		interval: heartbeatInterval,
	})
	janitor := newJanitor(janitorParams{
		logger:       logger,
		broker:       rdb,
		self:         workerID,
		interval:     janitorInterval,
		staleTimeout: cfg.StaleWorkerTimeout,
	})
	return &Server{
		logger:           logger,
		broker:           rdb,
		sharedConnection: true,
		workerID:         workerID,
		state:            srvState,
		forwarder:        forwarder,
		processor:        processor,
		syncer:           syncer,
		healthchecker:    healthchecker,
		heartbeater:      heartbeater,
		janitor:          janitor,
	}
}

// WorkerID returns the identity the server registers as.
func (srv *Server) WorkerID() string { return srv.workerID }

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("resq: Server closed")

// Run starts the job processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it waits for the in-flight job, deregisters the worker
// and stops all goroutines.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start registers the worker and starts processing.
// It returns an error if the worker cannot be registered.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("resq: server cannot run with nil handler")
	}
	srv.processor.handler = handler

	if err := srv.start(); err != nil {
		return err
	}
	if err := srv.broker.RegisterWorker(context.Background(), srv.workerID); err != nil {
		srv.state.mu.Lock()
		srv.state.value = srvStateNew
		srv.state.mu.Unlock()
		return fmt.Errorf("resq: cannot register worker %s: %v", srv.workerID, err)
	}
	srv.logger.Infof("Starting processing. worker=%s queues=%s", srv.workerID, strings.Join(srv.processor.queues, ","))

	srv.healthchecker.start(&srv.wg)
	srv.heartbeater.start(&srv.wg)
	srv.syncer.start(&srv.wg)
	srv.forwarder.start(&srv.wg)
	srv.processor.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("resq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("resq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
// It waits for the in-flight job, bounded by Config.ShutdownTimeout,
// then deregisters the worker.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.processor.shutdown()
	srv.forwarder.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.heartbeater.shutdown()
	srv.syncer.shutdown()
	srv.wg.Wait()

	if err := srv.broker.DeregisterWorker(context.Background(), srv.workerID); err != nil {
		srv.logger.Errorf("Could not deregister worker %s: %v", srv.workerID, err)
	}
	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop pulling new jobs off queues.
// The worker stays registered until Shutdown.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	srv.processor.stop()
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
