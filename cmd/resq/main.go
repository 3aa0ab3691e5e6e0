// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Command resq administers a resq deployment: it enqueues jobs, inspects
// queues, workers and failures, and runs the periodic scheduler.
//
// It cannot run workers since it has no job handlers. Build a worker
// binary with cli.New and a Mux holding your handlers instead.
package main

import (
	"fmt"
	"os"

	"github.com/hemant/resq/cli"
)

func main() {
	if err := cli.New(nil).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
