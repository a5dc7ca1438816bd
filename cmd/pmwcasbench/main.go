// Command pmwcasbench drives the multi-thread PMwCAS increment scenario
// from a terminal: workers race to increment a shared pair of words,
// optionally exporting live counters over Prometheus.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/CreditWorthy/pmwcas"
)

var exitFunc = os.Exit
var stderr io.Writer = os.Stderr

func main() {
	poolPath := flag.String("pool", "", "path to the descriptor pool file (created if absent)")
	threads := flag.Int("threads", 4, "number of concurrent workers")
	iterations := flag.Int("iterations", 100000, "successful PMwCAS increments per worker (failed attempts are retried)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	if *poolPath == "" {
		fmt.Fprintln(stderr, "pmwcasbench: -pool flag is required")
		exitFunc(1)
		return
	}

	if err := run(*poolPath, *threads, *iterations, *metricsAddr); err != nil {
		fmt.Fprintf(stderr, "pmwcasbench: %v\n", err)
		exitFunc(1)
		return
	}
}

func run(poolPath string, threads, iterations int, metricsAddr string) error {
	reg := prometheus.NewRegistry()
	metrics := pmwcas.NewMetrics(reg)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(stderr, "pmwcasbench: metrics server: %v\n", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	opts := []pmwcas.PoolOption{
		pmwcas.WithCapacity(2),
		pmwcas.WithMaxThreads(threads),
		pmwcas.WithMetrics(metrics),
	}

	pool, err := openOrCreatePool(poolPath, opts...)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	defer pool.Close()

	ids := pmwcas.NewIDManager(threads)

	wordA := pool.DataOffset()
	wordB := wordA + 8
	if err := pool.Grow(int(wordB) + 8); err != nil {
		return fmt.Errorf("grow pool for demo words: %w", err)
	}

	start := time.Now()
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			id, err := ids.Acquire()
			if err != nil {
				return err
			}
			defer ids.Release(id)

			desc, err := pool.Get(id)
			if err != nil {
				return err
			}

			for i := 0; i < iterations; i++ {
				oldA := pool.Pload(wordA)
				oldB := pool.Pload(wordB)

				for {
					desc.Reset()
					if err := desc.Add(wordA, oldA, pmwcas.Word(oldA.DecodeValue()+1), pmwcas.Relaxed); err != nil {
						return err
					}
					if err := desc.Add(wordB, oldB, pmwcas.Word(oldB.DecodeValue()+1), pmwcas.Relaxed); err != nil {
						return err
					}
					if ok := desc.PMwCAS(); ok {
						break
					}
					oldA = pool.Pload(wordA)
					oldB = pool.Pload(wordB)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	elapsed := time.Since(start)
	a := pool.Pload(wordA).DecodeValue()
	b := pool.Pload(wordB).DecodeValue()
	fmt.Fprintf(stderr, "pmwcasbench: %d threads x %d iterations in %v (%.0f ops/s), wordA=%d wordB=%d\n",
		threads, iterations, elapsed, float64(threads*iterations)/elapsed.Seconds(), a, b)

	return nil
}

// openOrCreatePool creates a fresh pool at path if one doesn't exist,
// otherwise opens (and recovers) the existing one.
func openOrCreatePool(path string, opts ...pmwcas.PoolOption) (*pmwcas.Pool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return pmwcas.CreatePool(path, opts...)
	}
	return pmwcas.OpenPool(path, opts...)
}
