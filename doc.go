// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package resq provides a background job queue backed by Redis.

Jobs are kept in Redis using the resque key layout, so workers and clients
written for resque or pyres can share queues with resq. A job is a class name
and a list of JSON arguments.

# Quick Start

Client (Enqueue Jobs):

	client := resq.NewClient(resq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	defer client.Close()

	info, err := client.Enqueue(resq.NewJob("WelcomeEmail", 42, "user@example.com"))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued %s on %s", info.Class, info.Queue)

Server (Perform Jobs):

	srv := resq.NewServer(
		resq.RedisClientOpt{Addr: "localhost:6379"},
		resq.Config{
			// Queues are checked in this order for every job.
			Queues: []string{"critical", "default", "low"},
		},
	)

	mux := resq.NewMux()
	mux.HandleFunc("WelcomeEmail", func(ctx context.Context, job *resq.Job) error {
		id, err := job.IntArg(0)
		if err != nil {
			return err
		}
		log.Printf("Welcoming user %d", id)
		return nil
	})

	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}

# Job Options

Available options for Enqueue:

	Queue(name)      - Target queue name
	ProcessIn(d)     - Delay processing by duration
	ProcessAt(t)     - Schedule at specific time

A time that is not in the future enqueues the job immediately.

# Architecture

Each queue is a Redis list and the names of known queues are kept in a set.
Delayed jobs are grouped by the unix second they become due: a sorted set
holds the timestamps and one list per timestamp holds the jobs.

A Server is one worker. It performs one job at a time and spawns goroutines:
  - Processor: Takes jobs off the queues in priority order and performs them
  - Forwarder: Moves due delayed jobs onto their queues
  - Heartbeater: Writes the worker heartbeat
  - Janitor: Prunes workers whose heartbeat went stale
  - Syncer: Retries failed Redis operations
  - Healthchecker: Pings Redis

Jobs that return an error or panic are recorded as failures that can be
listed, retried or deleted with an Inspector.

A Scheduler enqueues periodic jobs on a cron schedule or a fixed interval.
Any number of schedulers can run the same schedule; each occurrence is
enqueued once.

# Command Line

Package cli builds the resq command. cmd/resq is the admin binary; a worker
binary passes its Mux to cli.New to add the worker command.
*/
package resq
