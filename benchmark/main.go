// Benchmark measures enqueue and processing throughput against a local redis.
//
// It flushes the redis database it runs against.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemant/resq"
	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
)

var redisAddr = flag.String("redis", "localhost:6379", "redis address")

type BenchmarkResult struct {
	Name     string
	Jobs     int
	Workers  int
	Duration time.Duration
	Rate     float64
	Success  int64
	Failed   int64
}

func clearRedis() {
	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()
	client.FlushDB(context.Background())
}

// BenchmarkEnqueue tests raw enqueue throughput.
func BenchmarkEnqueue(numJobs int, concurrency int) BenchmarkResult {
	log.Printf("=== ENQUEUE BENCHMARK === jobs=%d concurrency=%d", numJobs, concurrency)

	client := resq.NewClient(resq.RedisClientOpt{Addr: *redisAddr})
	defer client.Close()

	var wg sync.WaitGroup
	var successCount, failCount int64

	jobsPerWorker := numJobs / concurrency
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < jobsPerWorker; i++ {
				job := resq.NewJob("Benchmark", workerID, i, "benchmark payload data for testing throughput")
				if _, err := client.Enqueue(job); err != nil {
					atomic.AddInt64(&failCount, 1)
				} else {
					atomic.AddInt64(&successCount, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	duration := time.Since(start)

	return BenchmarkResult{
		Name:     fmt.Sprintf("Enqueue (concurrency=%d)", concurrency),
		Jobs:     numJobs,
		Workers:  concurrency,
		Duration: duration,
		Rate:     float64(successCount) / duration.Seconds(),
		Success:  successCount,
		Failed:   failCount,
	}
}

// BenchmarkProcessing tests how fast a single worker drains a queue.
func BenchmarkProcessing(numJobs int, failEvery int) BenchmarkResult {
	log.Printf("=== PROCESSING BENCHMARK === jobs=%d failEvery=%d", numJobs, failEvery)

	client := resq.NewClient(resq.RedisClientOpt{Addr: *redisAddr})
	for i := 0; i < numJobs; i++ {
		if _, err := client.Enqueue(resq.NewJob("Benchmark", i)); err != nil {
			log.Fatalf("could not enqueue: %v", err)
		}
	}
	client.Close()

	var performed, failed int64
	done := make(chan struct{})
	mux := resq.NewMux()
	mux.HandleFunc("Benchmark", func(ctx context.Context, job *resq.Job) error {
		n := atomic.AddInt64(&performed, 1)
		if n == int64(numJobs) {
			close(done)
		}
		if failEvery > 0 && n%int64(failEvery) == 0 {
			atomic.AddInt64(&failed, 1)
			return fmt.Errorf("job %d failed on purpose", n)
		}
		return nil
	})

	srv := resq.NewServer(resq.RedisClientOpt{Addr: *redisAddr}, resq.Config{
		Queues:       []string{"default"},
		PollInterval: 10 * time.Millisecond,
		LogLevel:     resq.ErrorLevel,
	})
	start := time.Now()
	if err := srv.Start(mux); err != nil {
		log.Fatalf("could not start worker: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Minute):
		log.Printf("timed out after %d jobs", atomic.LoadInt64(&performed))
	}
	duration := time.Since(start)
	srv.Shutdown()

	return BenchmarkResult{
		Name:     fmt.Sprintf("Process (failEvery=%d)", failEvery),
		Jobs:     numJobs,
		Workers:  1,
		Duration: duration,
		Rate:     float64(performed) / duration.Seconds(),
		Success:  performed - failed,
		Failed:   failed,
	}
}

// BenchmarkDelayed tests how fast due delayed jobs are forwarded and performed.
func BenchmarkDelayed(numJobs int) BenchmarkResult {
	log.Printf("=== DELAYED BENCHMARK === jobs=%d", numJobs)

	client := resq.NewClient(resq.RedisClientOpt{Addr: *redisAddr})
	due := time.Now().Add(2 * time.Second)
	for i := 0; i < numJobs; i++ {
		// Spread the jobs over a handful of timestamps.
		at := due.Add(time.Duration(i%5) * time.Second)
		if _, err := client.EnqueueAt(at, resq.NewJob("Delayed", i)); err != nil {
			log.Fatalf("could not schedule: %v", err)
		}
	}
	client.Close()

	var performed int64
	done := make(chan struct{})
	mux := resq.NewMux()
	mux.HandleFunc("Delayed", func(ctx context.Context, job *resq.Job) error {
		if atomic.AddInt64(&performed, 1) == int64(numJobs) {
			close(done)
		}
		return nil
	})
	srv := resq.NewServer(resq.RedisClientOpt{Addr: *redisAddr}, resq.Config{
		Queues:                  []string{"default"},
		PollInterval:            10 * time.Millisecond,
		DelayedJobCheckInterval: 100 * time.Millisecond,
		LogLevel:                resq.ErrorLevel,
	})
	if err := srv.Start(mux); err != nil {
		log.Fatalf("could not start worker: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Minute):
		log.Printf("timed out after %d jobs", atomic.LoadInt64(&performed))
	}
	// Measured from the first due time.
	duration := time.Since(due)
	srv.Shutdown()

	return BenchmarkResult{
		Name:     "Delayed",
		Jobs:     numJobs,
		Workers:  1,
		Duration: duration,
		Rate:     float64(performed) / duration.Seconds(),
		Success:  performed,
	}
}

func printResults(results []BenchmarkResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Benchmark", "Jobs", "Workers", "Duration", "Jobs/sec", "Success", "Failed")
	for _, r := range results {
		table.Append(r.Name, r.Jobs, r.Workers, r.Duration.Round(time.Millisecond), fmt.Sprintf("%.0f", r.Rate), r.Success, r.Failed)
	}
	table.Render()
}

func main() {
	numJobs := flag.Int("jobs", 10000, "number of jobs per benchmark")
	flag.Parse()

	log.Printf("resq benchmark: GOMAXPROCS=%d redis=%s", runtime.GOMAXPROCS(0), *redisAddr)

	var results []BenchmarkResult
	for _, c := range []int{1, 10, 50} {
		clearRedis()
		results = append(results, BenchmarkEnqueue(*numJobs, c))
	}
	clearRedis()
	results = append(results, BenchmarkProcessing(*numJobs, 0))
	clearRedis()
	results = append(results, BenchmarkProcessing(*numJobs, 10))
	clearRedis()
	results = append(results, BenchmarkDelayed(*numJobs/10))
	clearRedis()

	printResults(results)
}
