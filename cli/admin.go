// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hemant/resq"
	"github.com/spf13/cobra"
)

// withInspector runs fn with an inspector connected to the configured redis server.
func (a *app) withInspector(fn func(cmd *cobra.Command, args []string, i *resq.Inspector) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		i, err := a.inspector()
		if err != nil {
			return err
		}
		defer i.Close()
		return fn(cmd, args, i)
	}
}

func (a *app) enqueueCommand() *cobra.Command {
	var (
		queue string
		in    time.Duration
		at    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue CLASS [ARG...]",
		Short: "Enqueue a job",
		Long: `Puts a job on a queue. Each ARG is parsed as JSON and taken as a string
if it is not valid JSON. With --in or --at the job goes to the delayed schedule.`,
		Example: `  resq enqueue Email alice@example.com 3
  resq enqueue Report '{"format":"pdf"}' --queue reports --in 10m`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := a.redisOpt()
			if err != nil {
				return err
			}
			client := resq.NewClient(opt)
			defer client.Close()

			opts := []resq.Option{resq.Queue(queue)}
			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				opts = append(opts, resq.ProcessAt(t))
			case in > 0:
				opts = append(opts, resq.ProcessIn(in))
			}
			info, err := client.EnqueueContext(cmd.Context(), resq.NewJob(args[0], parseArgs(args[1:])...), opts...)
			if err != nil {
				return err
			}
			if info.Delayed {
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s on queue %q at %s\n", info.Class, info.Queue, formatTime(info.ProcessAt))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s on queue %q\n", info.Class, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "Queue to enqueue into")
	cmd.Flags().DurationVar(&in, "in", 0, "Delay the job by this duration")
	cmd.Flags().StringVar(&at, "at", "", "Delay the job until this RFC3339 time")
	return cmd
}

func parseArgs(raw []string) []interface{} {
	args := make([]interface{}, 0, len(raw))
	for _, s := range raw {
		var v interface{}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show an overview of queues, workers and failures",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			ctx := cmd.Context()
			stats, err := i.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = renderTable(out, []string{"Stat", "Value"}, [][]string{
				{"queues", strconv.Itoa(stats.Queues)},
				{"pending", formatInt(stats.Pending)},
				{"processed", formatInt(stats.Processed)},
				{"failed", formatInt(stats.FailedTotal)},
				{"failures kept", formatInt(stats.Failed)},
				{"workers", strconv.Itoa(stats.Workers)},
				{"working", strconv.Itoa(stats.Working)},
				{"delayed", formatInt(stats.Delayed)},
				{"delayed timestamps", formatInt(stats.DelayedTimestamps)},
			})
			if err != nil {
				return err
			}
			working, err := i.WorkingWorkers(ctx)
			if err != nil {
				return err
			}
			if len(working) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			return renderWorkers(cmd, working)
		}),
	}
}

func (a *app) queuesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List queues with their sizes",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			infos, err := i.QueueInfos(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(infos))
			for _, q := range infos {
				rows = append(rows, []string{q.Name, formatInt(q.Size)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Queue", "Size"}, rows)
		}),
	}
}

func (a *app) queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Peek at or remove a queue",
	}

	var start, count int
	peek := &cobra.Command{
		Use:   "peek QUEUE",
		Short: "Show the jobs of a queue without removing them",
		Args:  cobra.ExactArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			ctx := cmd.Context()
			size, err := i.QueueSize(ctx, args[0])
			if err != nil {
				return err
			}
			jobs, err := i.Peek(ctx, args[0], start, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d jobs\n", len(jobs), size)
			return renderJobs(cmd, jobs)
		}),
	}
	addPagingFlags(peek, &start, &count)

	rm := &cobra.Command{
		Use:   "rm QUEUE",
		Short: "Delete a queue and all of its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			n, err := i.RemoveQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed queue %q with %d jobs\n", args[0], n)
			return nil
		}),
	}

	cmd.AddCommand(peek, rm)
	return cmd
}

func (a *app) failedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and retry failed jobs",
	}

	var start, count int
	list := &cobra.Command{
		Use:   "list",
		Short: "List failures, oldest first",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			ctx := cmd.Context()
			total, err := i.FailureCount(ctx)
			if err != nil {
				return err
			}
			fs, err := i.Failures(ctx, start, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d failures\n", len(fs), total)
			rows := make([][]string, 0, len(fs))
			for _, f := range fs {
				rows = append(rows, []string{f.ID, formatTime(f.FailedAt), f.Queue, f.Class, f.Exception, truncate(f.Error, 60)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"ID", "Failed At", "Queue", "Class", "Exception", "Error"}, rows)
		}),
	}
	addPagingFlags(list, &start, &count)

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show a failure with its backtrace",
		Args:  cobra.ExactArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			f, err := i.Failure(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", f.ID)
			fmt.Fprintf(out, "Failed at: %s\n", formatTime(f.FailedAt))
			fmt.Fprintf(out, "Worker:    %s\n", f.Worker)
			fmt.Fprintf(out, "Queue:     %s\n", f.Queue)
			fmt.Fprintf(out, "Class:     %s\n", f.Class)
			fmt.Fprintf(out, "Args:      %s\n", formatArgs(f.Args))
			fmt.Fprintf(out, "Exception: %s\n", f.Exception)
			fmt.Fprintf(out, "Error:     %s\n", f.Error)
			if f.Class == resq.UndecodableClass {
				fmt.Fprintf(out, "Payload:   %s\n", f.Payload)
			}
			for _, line := range f.Backtrace {
				fmt.Fprintf(out, "    %s\n", line)
			}
			return nil
		}),
	}

	retry := &cobra.Command{
		Use:   "retry ID...",
		Short: "Put failed jobs back on their queues",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			for _, id := range args {
				if err := i.RetryFailure(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %s\n", id)
			}
			return nil
		}),
	}

	var limit int
	retryAll := &cobra.Command{
		Use:   "retry-all",
		Short: "Put failed jobs back on their queues, oldest first",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			n, err := i.RetryAllFailures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retried %d failures\n", n)
			return nil
		}),
	}
	retryAll.Flags().IntVar(&limit, "limit", resq.DefaultRetryAllLimit, "Maximum number of failures to retry")

	rm := &cobra.Command{
		Use:   "rm ID...",
		Short: "Delete failures",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			for _, id := range args {
				if err := i.DeleteFailure(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every failure",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			n, err := i.ClearFailures(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d failures\n", n)
			return nil
		}),
	}

	cmd.AddCommand(list, show, retry, retryAll, rm, clearCmd)
	return cmd
}

func (a *app) workersCommand() *cobra.Command {
	var working bool
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			var (
				workers []*resq.WorkerInfo
				err     error
			)
			if working {
				workers, err = i.WorkingWorkers(cmd.Context())
			} else {
				workers, err = i.Workers(cmd.Context())
			}
			if err != nil {
				return err
			}
			return renderWorkers(cmd, workers)
		}),
	}
	cmd.Flags().BoolVar(&working, "working", false, "Only list workers performing a job")
	return cmd
}

func (a *app) workerInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker-info",
		Short: "Show or prune a worker",
	}

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show a worker",
		Args:  cobra.ExactArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			w, err := i.Worker(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", w.ID)
			fmt.Fprintf(out, "Host:      %s\n", w.Host)
			fmt.Fprintf(out, "PID:       %d\n", w.PID)
			fmt.Fprintf(out, "Queues:    %s\n", strings.Join(w.Queues, ","))
			fmt.Fprintf(out, "Started:   %s\n", formatTime(w.Started))
			fmt.Fprintf(out, "Heartbeat: %s\n", formatTime(w.Heartbeat))
			fmt.Fprintf(out, "Processed: %d\n", w.Processed)
			fmt.Fprintf(out, "Failed:    %d\n", w.Failed)
			fmt.Fprintf(out, "State:     %s\n", w.State)
			if w.Working() {
				fmt.Fprintf(out, "Job:       %s %s on %q since %s\n", w.Job.Class, formatArgs(w.Job.Args), w.Job.Queue, formatTime(w.RunAt))
			}
			return nil
		}),
	}

	prune := &cobra.Command{
		Use:   "prune ID",
		Short: "Deregister a worker, recording its job as failed",
		Args:  cobra.ExactArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			if err := i.PruneWorker(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned worker %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(show, prune)
	return cmd
}

func (a *app) delayedCommand() *cobra.Command {
	var start, count int
	cmd := &cobra.Command{
		Use:   "delayed [TIMESTAMP]",
		Short: "List delayed timestamps, or the jobs delayed until a unix timestamp",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				ts, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid timestamp %q: %w", args[0], err)
				}
				jobs, err := i.DelayedJobsAt(ctx, time.Unix(ts, 0), start, count)
				if err != nil {
					return err
				}
				return renderJobs(cmd, jobs)
			}
			total, err := i.DelayedScheduleSize(ctx)
			if err != nil {
				return err
			}
			timestamps, err := i.DelayedTimestamps(ctx, start, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d timestamps\n", len(timestamps), total)
			rows := make([][]string, 0, len(timestamps))
			for _, t := range timestamps {
				n, err := i.DelayedTimestampSize(ctx, t)
				if err != nil {
					return err
				}
				rows = append(rows, []string{strconv.FormatInt(t.Unix(), 10), formatTime(t), formatInt(n)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Timestamp", "Time", "Jobs"}, rows)
		}),
	}
	addPagingFlags(cmd, &start, &count)
	return cmd
}

func (a *app) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show redis server info",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			info, err := i.RedisInfo(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{k, info[k]})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Key", "Value"}, rows)
		}),
	}
}

func (a *app) keysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List redis keys owned by resq",
		Args:  cobra.NoArgs,
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			keys, err := i.Keys(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{k.Key, k.Type, formatInt(k.Size)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Key", "Type", "Size"}, rows)
		}),
	}
}

func (a *app) keyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "key KEY",
		Short: "Show a redis key owned by resq, given without the resque: prefix",
		Args:  cobra.ExactArgs(1),
		RunE: a.withInspector(func(cmd *cobra.Command, args []string, i *resq.Inspector) error {
			k, items, err := i.Key(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s, size %d)\n", k.Key, k.Type, k.Size)
			for _, item := range items {
				fmt.Fprintf(out, "  %s\n", item)
			}
			return nil
		}),
	}
}

func renderJobs(cmd *cobra.Command, jobs []*resq.JobInfo) error {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{j.Queue, j.Class, formatArgs(j.Args)})
	}
	return renderTable(cmd.OutOrStdout(), []string{"Queue", "Class", "Args"}, rows)
}

func renderWorkers(cmd *cobra.Command, workers []*resq.WorkerInfo) error {
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		job := "-"
		if w.Working() {
			job = w.Job.Class + " " + formatArgs(w.Job.Args)
		}
		rows = append(rows, []string{w.ID, w.State, formatTime(w.Heartbeat), formatInt(w.Processed), formatInt(w.Failed), job})
	}
	return renderTable(cmd.OutOrStdout(), []string{"Worker", "State", "Heartbeat", "Processed", "Failed", "Job"}, rows)
}

func formatArgs(args []interface{}) string {
	if args == nil {
		args = []interface{}{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
