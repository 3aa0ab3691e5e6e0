// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/metrics"
	"github.com/hemant/resq/internal/rdb"
	"github.com/hemant/resq/internal/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Every describes how often a periodic job runs. It is either a cron
// expression, created with Cron, or a fixed period, created with Interval.
type Every struct {
	spec   string
	period time.Duration
}

// Cron returns an Every following the standard five field cron expression
// "minute hour day-of-month month day-of-week", or a descriptor such as "@hourly".
func Cron(spec string) Every { return Every{spec: spec} }

// Interval returns an Every that fires once per period, at multiples of the
// period since the Unix epoch. The period has second granularity.
func Interval(d time.Duration) Every { return Every{period: d} }

// IsCron reports whether e was created with Cron.
func (e Every) IsCron() bool { return e.spec != "" }

func (e Every) String() string {
	if e.IsCron() {
		return "cron(" + e.spec + ")"
	}
	return "every(" + e.period.String() + ")"
}

// PeriodicJob is a job the scheduler enqueues on a recurring schedule.
type PeriodicJob struct {
	// ID identifies the entry across scheduler restarts.
	// If empty, one is derived from Class, Queue and Every.
	ID string

	Class string
	Args  []interface{}

	// Queue to enqueue into. If empty, the "default" queue is used.
	Queue string

	Every Every
}

// schedulerEntry is a registered PeriodicJob along with its schedule state.
type schedulerEntry struct {
	job PeriodicJob

	// cron schedule, nil for interval entries.
	schedule cron.Schedule
	// period in whole seconds, zero for cron entries.
	period int64

	// next cron occurrence to fire.
	next time.Time
	// last occurrence enqueued (or found already enqueued) by this scheduler.
	last time.Time
}

// occurrence returns the occurrence due at now and whether it has not been handled yet.
func (e *schedulerEntry) occurrence(now time.Time) (time.Time, bool) {
	if e.schedule != nil {
		if now.Before(e.next) {
			return time.Time{}, false
		}
		return e.next, true
	}
	occ := time.Unix(now.Unix()/e.period*e.period, 0)
	return occ, !occ.Equal(e.last)
}

// advance records occ as handled.
func (e *schedulerEntry) advance(occ, now time.Time) {
	e.last = occ
	if e.schedule != nil {
		e.next = e.schedule.Next(now)
	}
}

// guardTTL returns how long the occurrence guard of occ must outlive it.
func (e *schedulerEntry) guardTTL(occ time.Time) time.Duration {
	var d time.Duration
	if e.schedule != nil {
		d = e.schedule.Next(occ).Sub(occ)
	} else {
		d = time.Duration(e.period) * time.Second
	}
	if d < time.Minute {
		d = time.Minute
	}
	return d + time.Minute
}

// SchedulerEntry describes a registered periodic job.
type SchedulerEntry struct {
	ID    string
	Class string
	Args  []interface{}
	Queue string
	Every string
	// Next is the next time the entry fires.
	Next time.Time
	// Prev is the last occurrence this scheduler enqueued. Zero if none.
	Prev time.Time
}

// A Scheduler enqueues periodic jobs.
//
// Each occurrence of an entry is enqueued at most once, even when
// several schedulers run the same entries or a scheduler restarts within
// an occurrence. Occurrences missed while no scheduler ran are not caught up.
type Scheduler struct {
	logger  *log.Logger
	broker  *rdb.RDB
	metrics *metrics.Collector
	clock   timeutil.Clock

	// When a Scheduler has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	state *serverState

	location     *time.Location
	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*schedulerEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// SchedulerOpts specifies scheduler options.
type SchedulerOpts struct {
	// Logger specifies the logger used by the scheduler instance.
	//
	// If unset, the default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// Location specifies the time zone location cron expressions are evaluated in.
	//
	// If unset, the UTC time zone (time.UTC) is used.
	Location *time.Location

	// TickInterval specifies how often entries are checked.
	//
	// If unset or zero, the interval is set to 1 second.
	TickInterval time.Duration

	// MetricsRegisterer, if set, gets a counter of enqueued occurrences.
	MetricsRegisterer prometheus.Registerer
}

const defaultSchedulerTickInterval = time.Second

// NewScheduler returns a new Scheduler instance given the redis connection option.
// The parameter opts is optional, defaults will be used if opts is set to nil
func NewScheduler(r RedisConnOpt, opts *SchedulerOpts) *Scheduler {
	scheduler := NewSchedulerFromRedisClient(makeRedisClient(r), opts)
	scheduler.sharedConnection = false
	return scheduler
}

// NewSchedulerFromRedisClient returns a new instance of Scheduler given a redis.UniversalClient
// The parameter opts is optional, defaults will be used if opts is set to nil.
// Warning: The underlying redis connection pool will not be closed by Scheduler.
func NewSchedulerFromRedisClient(c redis.UniversalClient, opts *SchedulerOpts) *Scheduler {
	if opts == nil {
		opts = &SchedulerOpts{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultSchedulerTickInterval
	}
	var collector *metrics.Collector
	if opts.MetricsRegisterer != nil {
		collector = metrics.NewCollector(opts.MetricsRegisterer)
	}
	return &Scheduler{
		logger:           newLogger(opts.Logger, opts.LogLevel),
		broker:           rdb.NewRDB(c),
		metrics:          collector,
		clock:            timeutil.NewRealClock(),
		sharedConnection: true,
		state:            &serverState{value: srvStateNew},
		location:         loc,
		tickInterval:     tick,
		entries:          make(map[string]*schedulerEntry),
		done:             make(chan struct{}),
	}
}

// Register adds a periodic job and returns its entry ID.
func (s *Scheduler) Register(job PeriodicJob) (string, error) {
	if strings.TrimSpace(job.Class) == "" {
		return "", fmt.Errorf("resq: periodic job class cannot be empty")
	}
	if job.Queue == "" {
		job.Queue = base.DefaultQueueName
	}
	if err := base.ValidateQueueName(job.Queue); err != nil {
		return "", fmt.Errorf("resq: %v", err)
	}
	if job.Args == nil {
		job.Args = []interface{}{}
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("%s@%s@%s", job.Class, job.Queue, job.Every)
	}
	entry := &schedulerEntry{job: job}
	now := s.clock.Now().In(s.location)
	switch {
	case job.Every.IsCron():
		sched, err := cron.ParseStandard(job.Every.spec)
		if err != nil {
			return "", fmt.Errorf("resq: invalid cron spec %q: %v", job.Every.spec, err)
		}
		entry.schedule = sched
		entry.next = sched.Next(now)
	case job.Every.period >= time.Second:
		entry.period = int64(job.Every.period / time.Second)
	default:
		return "", fmt.Errorf("resq: interval must be at least one second, got %v", job.Every.period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.ID]; ok {
		return "", fmt.Errorf("resq: periodic job %q is already registered", job.ID)
	}
	s.entries[job.ID] = entry
	s.logger.Infof("Registered periodic job %s: class=%s queue=%s %s", job.ID, job.Class, job.Queue, job.Every)
	return job.ID, nil
}

// AddCronJob registers a job enqueued following the cron expression.
func (s *Scheduler) AddCronJob(class, queue, spec string, args ...interface{}) (string, error) {
	return s.Register(PeriodicJob{Class: class, Queue: queue, Args: args, Every: Cron(spec)})
}

// AddIntervalJob registers a job enqueued once every period d.
func (s *Scheduler) AddIntervalJob(class, queue string, d time.Duration, args ...interface{}) (string, error) {
	return s.Register(PeriodicJob{Class: class, Queue: queue, Args: args, Every: Interval(d)})
}

// Unregister removes the entry with the given ID.
func (s *Scheduler) Unregister(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entryID]; !ok {
		return fmt.Errorf("resq: no scheduler entry found")
	}
	delete(s.entries, entryID)
	return nil
}

// Entries returns the registered entries sorted by ID.
func (s *Scheduler) Entries() []*SchedulerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*SchedulerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		next := e.next
		if e.schedule == nil {
			next = time.Unix(s.clock.Now().Unix()/e.period*e.period+e.period, 0)
		}
		res = append(res, &SchedulerEntry{
			ID:    e.job.ID,
			Class: e.job.Class,
			Args:  e.job.Args,
			Queue: e.job.Queue,
			Every: e.job.Every.String(),
			Next:  next,
			Prev:  e.last,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Run starts the scheduler until an os signal to exit the program is received.
// It returns an error if scheduler is already running or has been shutdown.
func (s *Scheduler) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.waitForSignals()
	s.Shutdown()
	return nil
}

// Start starts the scheduler.
// It returns an error if the scheduler is already running or has been shutdown.
func (s *Scheduler) Start() error {
	if err := s.start(); err != nil {
		return err
	}
	s.logger.Info("Scheduler starting")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				s.logger.Debug("Scheduler done")
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (s *Scheduler) start() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	switch s.state.value {
	case srvStateActive:
		return fmt.Errorf("resq: the scheduler is already running")
	case srvStateClosed:
		return fmt.Errorf("resq: the scheduler has already been stopped")
	}
	s.state.value = srvStateActive
	return nil
}

// Shutdown stops and shuts down the scheduler.
func (s *Scheduler) Shutdown() {
	s.state.mu.Lock()
	if s.state.value == srvStateNew || s.state.value == srvStateClosed {
		// scheduler is not running, do nothing and return.
		s.state.mu.Unlock()
		return
	}
	s.state.value = srvStateClosed
	s.state.mu.Unlock()

	s.logger.Info("Scheduler shutting down")
	close(s.done) // signal heartbeater to stop
	s.wg.Wait()

	if !s.sharedConnection {
		s.broker.Close()
	}
	s.logger.Info("Scheduler stopped")
}

// tick enqueues every entry whose occurrence is due and returns
// the number of occurrences enqueued.
func (s *Scheduler) tick() int {
	ctx := context.Background()
	now := s.clock.Now().In(s.location)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		occ, due := e.occurrence(now)
		if !due {
			continue
		}
		msg := &base.Message{Class: e.job.Class, Args: e.job.Args}
		ok, err := s.broker.EnqueueOccurrence(ctx, e.job.ID, occ, e.guardTTL(occ), e.job.Queue, msg)
		if err != nil {
			s.metrics.RecordBackendError("rdb.EnqueueOccurrence")
			s.logger.Errorf("Could not enqueue periodic job %s: %v", e.job.ID, err)
			continue // retried on the next tick
		}
		e.advance(occ, now)
		if !ok {
			s.logger.Debugf("Periodic job %s at %v was already enqueued", e.job.ID, occ)
			continue
		}
		s.metrics.RecordPeriodic(e.job.ID)
		s.logger.Debugf("Enqueued periodic job %s at %v", e.job.ID, occ)
		n++
	}
	return n
}
