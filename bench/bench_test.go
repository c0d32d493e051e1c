// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benmathews/bench"
	hdrhistogram_writer "github.com/benmathews/hdrhistogram-writer"
	"github.com/stretchr/testify/require"

	waldb "github.com/dreamsxin/waldb"
)

var randomData [1024 * 1024]byte

func init() {
	for i := range randomData {
		randomData[i] = byte(i)
	}
}

func openStore(b *testing.B, opts waldb.Options) (*waldb.Store, func()) {
	b.Helper()
	dir := b.TempDir()
	s, err := waldb.Open(dir, opts)
	require.NoError(b, err)
	return s, func() { s.Close() }
}

// BenchmarkSet measures Set latency across value sizes and durability
// modes, generalizing the teacher's entrySize/batchSize table to the whole
// engine rather than the raw WAL segment writer.
func BenchmarkSet(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}
	durabilities := []struct {
		name string
		d    waldb.Durability
	}{
		{"Strict", waldb.DurabilityStrict},
		{"Group", waldb.DurabilityGroup},
		{"FlushSynced", waldb.DurabilityFlushSynced},
	}

	for i, sz := range sizes {
		for _, dur := range durabilities {
			b.Run(fmt.Sprintf("entrySize=%s/durability=%s", sizeNames[i], dur.name), func(b *testing.B) {
				s, done := openStore(b, waldb.Options{Durability: dur.d, MemtableSizeBytes: 256 << 20})
				defer done()
				runSetBench(b, s, sz)
			})
		}
	}
}

func runSetBench(b *testing.B, s *waldb.Store, valueSize int) {
	hist := hdrhistogram.New(1, 10_000_000_000, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("bench/%012d", i))
		start := time.Now()
		err := s.Set(key, randomData[:valueSize], false)
		elapsed := time.Since(start)
		if err != nil {
			b.Fatalf("set failed: %s", err)
		}
		hist.RecordValue(elapsed.Nanoseconds())
	}
	b.StopTimer()
	b.ReportMetric(float64(hist.ValueAtQuantile(99))/1e6, "p99-ms")
	b.ReportMetric(float64(hist.ValueAtQuantile(50))/1e6, "p50-ms")
}

// BenchmarkGet measures point-lookup latency once a store holds a fixed
// number of keys, all flushed to on-disk segments (every 10,000 keys and
// once more at the end, so the memtable is empty when timing starts).
func BenchmarkGet(b *testing.B) {
	counts := []int{1_000, 100_000}
	countNames := []string{"1k", "100k"}

	for i, n := range counts {
		b.Run(fmt.Sprintf("numKeys=%s", countNames[i]), func(b *testing.B) {
			s, done := openStore(b, waldb.Options{})
			defer done()
			populateKeys(b, s, n)
			runGetBench(b, s, n)
		})
	}
}

func populateKeys(b *testing.B, s *waldb.Store, n int) {
	b.Helper()
	start := time.Now()
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("bench/%012d", i))
		require.NoError(b, s.Set(key, randomData[:128], false))
		if i%10_000 == 0 && i > 0 {
			require.NoError(b, s.Flush())
		}
	}
	require.NoError(b, s.Flush())
	b.Logf("populateTime=%s", time.Since(start))
}

func runGetBench(b *testing.B, s *waldb.Store, n int) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("bench/%012d", i%n))
		_, _, err := s.Get(key)
		require.NoError(b, err)
	}
}

// setRequester drives sustained-rate Set load for TestSustainedSetThroughput,
// generalizing the teacher's reliance on benmathews/bench for load-generated
// (rather than tight-loop) benchmarking.
type setRequester struct {
	store *waldb.Store
	idx   *uint64
}

func (r *setRequester) Setup() error { return nil }

func (r *setRequester) Request() error {
	n := atomic.AddUint64(r.idx, 1)
	key := []byte(fmt.Sprintf("throughput/%012d", n))
	return r.store.Set(key, randomData[:128], false)
}

func (r *setRequester) Teardown() error { return nil }

type setRequesterFactory struct {
	store *waldb.Store
	idx   uint64
}

func (f *setRequesterFactory) GetRequester(uint64) bench.Requester {
	return &setRequester{store: f.store, idx: &f.idx}
}

// TestSustainedSetThroughput runs a short rate-controlled load against Set
// and writes a latency distribution file, exercising the same
// benmathews/bench + hdrhistogram-writer pairing the teacher's module
// dependencies anticipate for sustained-throughput (as opposed to
// micro-benchmark) measurement.
func TestSustainedSetThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("sustained throughput run skipped in -short mode")
	}

	dir := t.TempDir()
	s, err := waldb.Open(dir, waldb.Options{Durability: waldb.DurabilityGroup})
	require.NoError(t, err)
	defer s.Close()

	factory := &setRequesterFactory{store: s}
	b := bench.NewBenchmark(factory, 500 /* requests/sec */, 2*time.Second, 4 /* connections */)
	summary, err := b.Run()
	require.NoError(t, err)
	t.Logf("throughput summary: %s", summary)

	distPath := filepath.Join(dir, "set-latencies.hgrm")
	require.NoError(t, hdrhistogram_writer.WriteDistributionFile(summary.Histogram, bench.Percentiles, 1, distPath))
}
