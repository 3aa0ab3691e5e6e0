// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package cli provides the resq command line interface.
//
// Command structure:
//
//	resq
//	├── worker      process jobs (only when built with a Mux)
//	├── scheduler   enqueue periodic jobs from a schedule file
//	├── enqueue     put a job on a queue or the delayed schedule
//	├── stats       overview of queues, workers and failures
//	├── queues      list queues with their sizes
//	├── queue       peek at or remove a queue
//	├── failed      list, show, retry or delete failures
//	├── workers     list registered workers
//	├── worker-info show or prune a worker
//	├── delayed     list delayed timestamps and jobs
//	├── info        redis server info
//	└── keys / key  raw redis keys owned by resq
//
// Settings come from flags, then RESQ_* environment variables, then the
// file given with --config. See internal/config for the keys.
package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hemant/resq"
	"github.com/hemant/resq/internal/config"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "1.0.0"

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"redis":            config.KeyRedisAddr,
	"queues":           config.KeyQueues,
	"interval":         config.KeyInterval,
	"shutdown-timeout": config.KeyShutdownTimeout,
	"stale-timeout":    config.KeyStaleTimeout,
	"log-level":        config.KeyLogLevel,
	"log-file":         config.KeyLogFile,
	"metrics-addr":     config.KeyMetricsAddr,
	"file":             config.KeyScheduleFile,
}

type app struct {
	v          *viper.Viper
	mux        *resq.Mux
	configFile string
	cfg        *config.Config
}

// New returns the root command.
// The worker command is only added if mux is non-nil, since a worker
// needs handlers for the job classes it performs.
func New(mux *resq.Mux) *cobra.Command {
	a := &app{v: config.New(), mux: mux}

	root := &cobra.Command{
		Use:   "resq",
		Short: "resq - Redis-backed background job queue",
		Long: `resq keeps jobs in Redis lists using the resque key layout.
Workers take jobs off queues in priority order, delayed jobs wait in a
sorted schedule, and failed jobs are kept for inspection and retry.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flags are bound here because subcommands share keys.
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					if err := a.v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Config file path")
	root.PersistentFlags().String("redis", "", "Redis address, host:port or redis:// URL (default localhost:6379)")

	if mux != nil {
		root.AddCommand(a.workerCommand())
	}
	root.AddCommand(
		a.schedulerCommand(),
		a.enqueueCommand(),
		a.statsCommand(),
		a.queuesCommand(),
		a.queueCommand(),
		a.failedCommand(),
		a.workersCommand(),
		a.workerInfoCommand(),
		a.delayedCommand(),
		a.infoCommand(),
		a.keysCommand(),
		a.keyCommand(),
	)
	return root
}

// redisOpt returns the connection option for the configured redis server.
func (a *app) redisOpt() (resq.RedisClientOpt, error) {
	opt, err := resq.ParseRedisAddr(a.cfg.Redis.Address())
	if err != nil {
		return opt, err
	}
	if a.cfg.Redis.Password != "" {
		opt.Password = a.cfg.Redis.Password
	}
	if a.cfg.Redis.DB != 0 {
		opt.DB = a.cfg.Redis.DB
	}
	return opt, nil
}

func (a *app) inspector() (*resq.Inspector, error) {
	opt, err := a.redisOpt()
	if err != nil {
		return nil, err
	}
	return resq.NewInspector(opt), nil
}

func (a *app) logLevel() (resq.LogLevel, error) {
	var level resq.LogLevel
	if err := level.Set(a.cfg.Log.Level); err != nil {
		return 0, err
	}
	return level, nil
}

// logger returns a logger writing to the configured log file,
// or nil to log to stderr, along with a func closing the file.
func (a *app) logger() (resq.Logger, func(), error) {
	if a.cfg.Log.File == "" {
		return nil, func() {}, nil
	}
	f, err := os.OpenFile(a.cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}
	return resq.NewWriterLogger(f), func() { f.Close() }, nil
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(toAny(header)...)
	for _, row := range rows {
		if err := table.Append(toAny(row)...); err != nil {
			return err
		}
	}
	return table.Render()
}

func toAny(ss []string) []interface{} {
	res := make([]interface{}, len(ss))
	for i, s := range ss {
		res[i] = s
	}
	return res
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

func addPagingFlags(cmd *cobra.Command, start, count *int) {
	cmd.Flags().IntVar(start, "start", 0, "Offset of the first item")
	cmd.Flags().IntVar(count, "count", 20, "Number of items to show")
}
