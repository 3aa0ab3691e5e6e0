// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hemant/resq"
	"github.com/hemant/resq/internal/config"
	"github.com/hemant/resq/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func (a *app) workerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker processing jobs",
		Long: `Starts a worker that takes jobs off the given queues, in the order given,
and performs them one at a time. Due delayed jobs are moved onto their queues.

Send TSTP to stop taking new jobs, TERM or INT to shut down.`,
		Example: `  resq worker --queues high,default
  QUEUES=high,default resq worker --interval 1s`,
		RunE: a.runWorker,
	}
	cmd.Flags().StringSliceP("queues", "q", nil, "Queues to process, highest priority first")
	cmd.Flags().DurationP("interval", "i", 5*time.Second, "Poll interval when all queues are empty")
	cmd.Flags().Duration("shutdown-timeout", 0, "Time to wait for the in-flight job on shutdown (0 waits for it)")
	cmd.Flags().Duration("stale-timeout", 0, "Prune other workers without a heartbeat for this long (0 disables)")
	addProcessFlags(cmd)
	return cmd
}

func (a *app) schedulerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Start the periodic job scheduler",
		Long: `Loads a YAML schedule and enqueues each periodic job once per occurrence.
Several schedulers may run the same schedule; every occurrence is enqueued once.`,
		Example: `  resq scheduler --file schedule.yml`,
		RunE:    a.runScheduler,
	}
	cmd.Flags().StringP("file", "f", "", "Schedule file")
	addProcessFlags(cmd)
	return cmd
}

func addProcessFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("log-level", "l", "info", "Log level: debug, info, warn, error or fatal")
	cmd.Flags().String("log-file", "", "Append logs to this file instead of stderr")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9100")
}

func (a *app) runWorker(cmd *cobra.Command, args []string) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	opt, err := a.redisOpt()
	if err != nil {
		return err
	}
	level, err := a.logLevel()
	if err != nil {
		return err
	}
	logger, closeLog, err := a.logger()
	if err != nil {
		return err
	}
	defer closeLog()

	reg := newRegistry()
	stop := serveMetrics(a.cfg.Metrics.Addr, reg, cmd.ErrOrStderr())
	defer stop()

	srv := resq.NewServer(opt, resq.Config{
		Queues:             a.cfg.Worker.Queues,
		PollInterval:       a.cfg.Worker.Interval,
		Logger:             logger,
		LogLevel:           level,
		ShutdownTimeout:    a.cfg.Worker.ShutdownTimeout,
		StaleWorkerTimeout: a.cfg.Worker.StaleTimeout,
		MetricsRegisterer:  reg,
	})
	return srv.Run(a.mux)
}

func (a *app) runScheduler(cmd *cobra.Command, args []string) error {
	if a.cfg.Scheduler.File == "" {
		return fmt.Errorf("no schedule file: set --file or %s", config.KeyScheduleFile)
	}
	opt, err := a.redisOpt()
	if err != nil {
		return err
	}
	level, err := a.logLevel()
	if err != nil {
		return err
	}
	logger, closeLog, err := a.logger()
	if err != nil {
		return err
	}
	defer closeLog()

	reg := newRegistry()
	stop := serveMetrics(a.cfg.Metrics.Addr, reg, cmd.ErrOrStderr())
	defer stop()

	s := resq.NewScheduler(opt, &resq.SchedulerOpts{
		Logger:            logger,
		LogLevel:          level,
		MetricsRegisterer: reg,
	})
	n, err := s.RegisterFile(a.cfg.Scheduler.File)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule file %s has no jobs", a.cfg.Scheduler.File)
	}
	return s.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics serves reg on addr in the background and returns a func
// stopping the server. It does nothing if addr is empty.
func serveMetrics(addr string, reg *prometheus.Registry, errOut io.Writer) func() {
	if addr == "" {
		return func() {}
	}
	srv := metrics.NewServer(addr, reg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(errOut, "metrics server error: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
