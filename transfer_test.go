// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docstream_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-docstream"
	"github.com/elastic/go-docstream/docstreamtest"
)

func exportConfig(cluster *docstreamtest.Cluster, t testing.TB, index string, size, concurrency int) docstream.ExportConfig {
	return docstream.ExportConfig{
		Source: docstream.SourceConfig{
			Client:  cluster.Client(t),
			Indices: []string{index},
			Size:    size,
			Retry:   fastRetry,
		},
		Engine: docstream.EngineConfig{Concurrency: concurrency},
	}
}

func importConfig(cluster *docstreamtest.Cluster, t testing.TB, size, concurrency int) docstream.ImportConfig {
	return docstream.ImportConfig{
		Reader: docstream.ReaderConfig{BatchSize: size},
		Sink: docstream.SinkConfig{
			Client: cluster.Client(t),
			Retry:  fastRetry,
		},
		Engine: docstream.EngineConfig{Concurrency: concurrency},
	}
}

func outputIDs(t testing.TB, output []byte) []string {
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		r, err := docstream.NewReader(strings.NewReader(scanner.Text()), docstream.ReaderConfig{})
		require.NoError(t, err)
		batch, err := r.Next(context.Background())
		require.NoError(t, err)
		ids = append(ids, batch[0].ID)
	}
	return ids
}

func TestExportImportRoundTrip(t *testing.T) {
	const N = 1234
	for _, size := range []int{1, 10, 1000} {
		for _, concurrency := range []int{1, 8} {
			t.Run(fmt.Sprintf("size_%d_concurrency_%d", size, concurrency), func(t *testing.T) {
				source := docstreamtest.NewCluster(t)
				docs := docstreamtest.GenerateDocuments("logs", N)
				for i := range docs {
					if i%7 == 0 {
						docs[i].Routing = fmt.Sprintf("r%d", i%3)
					}
				}
				source.Add(docs...)

				var out bytes.Buffer
				stats, err := docstream.Export(context.Background(), exportConfig(source, t, "logs", size, concurrency), &out)
				require.NoError(t, err)
				assert.Equal(t, int64(N), stats.Total)
				assert.Equal(t, int64(N), stats.Succeeded)
				assert.Equal(t, docstream.ExitSuccess, docstream.ExitCode(stats, err))
				assert.Equal(t, 0, source.OpenScrolls())

				target := docstreamtest.NewCluster(t)
				stats, err = docstream.Import(context.Background(), importConfig(target, t, size, concurrency), &out)
				require.NoError(t, err)
				assert.Equal(t, int64(N), stats.Succeeded)
				assert.Zero(t, stats.Failed)

				want := make(map[string]docstreamtest.Document, N)
				for _, doc := range source.Documents("logs") {
					want[doc.ID] = doc
				}
				got := target.Documents("logs")
				require.Len(t, got, N)
				for _, doc := range got {
					w, ok := want[doc.ID]
					require.True(t, ok, doc.ID)
					assert.Equal(t, string(w.Source), string(doc.Source))
					assert.Equal(t, w.Routing, doc.Routing)
				}
				assert.Equal(t, []string{"logs"}, target.Refreshed())
				if concurrency == 1 {
					assert.Equal(t, int64(1), target.MaxConcurrentBulkRequests())
				}
				assert.LessOrEqual(t, target.MaxBulkItems(), int64(size))
			})
		}
	}
}

func TestExportOrder(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.Add(docstreamtest.GenerateDocuments("logs", 500)...)

	for _, concurrency := range []int{1, 2, 8} {
		t.Run(fmt.Sprint(concurrency), func(t *testing.T) {
			var out bytes.Buffer
			_, err := docstream.Export(context.Background(), exportConfig(cluster, t, "logs", 7, concurrency), &out)
			require.NoError(t, err)

			ids := outputIDs(t, out.Bytes())
			require.Len(t, ids, 500)
			for i, id := range ids {
				assert.Equal(t, fmt.Sprint(i+1), id)
			}
		})
	}
}

func TestExportCompressed(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.Add(docstreamtest.GenerateDocuments("logs", 50)...)

	cfg := exportConfig(cluster, t, "logs", 10, 2)
	cfg.Compress = true
	cfg.CompressionLevel = gzip.BestCompression
	var out bytes.Buffer
	_, err := docstream.Export(context.Background(), cfg, &out)
	require.NoError(t, err)

	r, err := gzip.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, outputIDs(t, plain), 50)

	// Import detects the compressed stream.
	target := docstreamtest.NewCluster(t)
	stats, err := docstream.Import(context.Background(), importConfig(target, t, 10, 2), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.Succeeded)
	assert.Equal(t, 50, target.Count("logs"))
}

func TestExportCursorExpired(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.ExpireScrollAfter = 3
	cluster.Add(docstreamtest.GenerateDocuments("logs", 100)...)

	var out bytes.Buffer
	stats, err := docstream.Export(context.Background(), exportConfig(cluster, t, "logs", 10, 4), &out)
	assert.ErrorIs(t, err, docstream.ErrCursorExpired)
	assert.Equal(t, docstream.ExitAborted, docstream.ExitCode(stats, err))

	// The opening page and three continuations were written, once each.
	ids := outputIDs(t, out.Bytes())
	require.Len(t, ids, 40)
	for i, id := range ids {
		assert.Equal(t, fmt.Sprint(i+1), id)
	}
	assert.Equal(t, int64(40), stats.Total)
	assert.Equal(t, int64(40), stats.Succeeded)
	assert.Zero(t, stats.Abandoned)
}

func TestExportShardFailure(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.FailShardsOnPage = 2
	cluster.Add(docstreamtest.GenerateDocuments("logs", 30)...)

	var out bytes.Buffer
	stats, err := docstream.Export(context.Background(), exportConfig(cluster, t, "logs", 10, 1), &out)
	var shardErr *docstream.ShardFailureError
	require.ErrorAs(t, err, &shardErr)
	assert.Equal(t, int64(10), stats.Succeeded)
	assert.Len(t, outputIDs(t, out.Bytes()), 10)
	// The scroll is cleared even though the export failed.
	assert.Equal(t, 0, cluster.OpenScrolls())
}

func TestExportOpenError(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	var out bytes.Buffer
	stats, err := docstream.Export(context.Background(), exportConfig(cluster, t, "missing", 10, 1), &out)
	var remote *docstream.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusNotFound, remote.StatusCode)
	assert.Equal(t, docstream.Stats{}, stats)
	assert.Zero(t, out.Len())
}

func TestImportPartialFailure(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.RejectDocument = func(doc docstreamtest.Document) *docstreamtest.Rejection {
		if doc.ID == "5" {
			return &docstreamtest.Rejection{
				Status: http.StatusBadRequest,
				Type:   "document_parsing_exception",
				Reason: "failed to parse field [n] of type [long]",
			}
		}
		return nil
	}
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	cfg := importConfig(cluster, t, 10, 2)
	cfg.Logger = zap.New(core)

	input := strings.Join(ndjsonLines(10), "\n")
	stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Total)
	assert.Equal(t, int64(9), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, docstream.ExitPartial, docstream.ExitCode(stats, err))

	var ids []string
	for _, doc := range cluster.Documents("logs") {
		ids = append(ids, doc.ID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "6", "7", "8", "9", "10"}, ids)

	logs := observed.FilterMessage("failed to index documents").All()
	require.Len(t, logs, 1)
	assert.Equal(t, map[string]any{
		"index":        "logs",
		"error.type":   "document_parsing_exception",
		"error.reason": "failed to parse field [n] of type [long]",
		"documents":    int64(1),
	}, logs[0].ContextMap())
}

func TestImportNoDuplicationUnderRetry(t *testing.T) {
	for name, lines := range map[string][]string{
		"with_ids": ndjsonLines(500),
		"generated_ids": func() []string {
			lines := make([]string, 500)
			for i := range lines {
				lines[i] = fmt.Sprintf(`{"_index":"logs","_source":{"n":%d}}`, i)
			}
			return lines
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			cluster := docstreamtest.NewCluster(t)
			// The first attempt of every other batch fails after the
			// documents were applied, as a dropped connection would.
			var mu sync.Mutex
			faulted := make(map[int]bool)
			cluster.BulkFault = func(seq, attempt int) int {
				mu.Lock()
				defer mu.Unlock()
				if seq%2 == 0 && attempt == 1 {
					faulted[seq] = true
					return http.StatusServiceUnavailable
				}
				return 0
			}
			cluster.ApplyBeforeFault = true
			cfg := importConfig(cluster, t, 10, 8)
			cfg.Reader.GenerateIDs = true

			stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(strings.Join(lines, "\n")))
			require.NoError(t, err)
			assert.Equal(t, int64(500), stats.Succeeded)
			assert.Equal(t, 500, cluster.Count("logs"))
			assert.Len(t, faulted, 25)
			assert.Equal(t, int64(75), cluster.BulkRequests())
		})
	}
}

func TestImportBatchFailureIsNotFatal(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.BulkFault = func(seq, attempt int) int {
		if seq == 1 {
			return http.StatusInternalServerError
		}
		return 0
	}
	cfg := importConfig(cluster, t, 10, 1)
	cfg.Sink.MaxBatchRetries = 2

	stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(strings.Join(ndjsonLines(30), "\n")))
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Succeeded)
	assert.Equal(t, int64(10), stats.Failed)
	assert.Equal(t, docstream.ExitPartial, docstream.ExitCode(stats, err))
	assert.Equal(t, 20, cluster.Count("logs"))
}

func TestImportBatchFailureTraced(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.BulkFault = func(seq, attempt int) int {
		if seq == 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	cfg := importConfig(cluster, t, 10, 1)
	cfg.Sink.MaxBatchRetries = -1
	cfg.Engine.TracerProvider = tp

	stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(strings.Join(ndjsonLines(20), "\n")))
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Failed)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	var statusCodes []int64
	for _, span := range spans {
		for _, a := range span.Attributes {
			if a.Key == "http.response.status_code" {
				statusCodes = append(statusCodes, a.Value.AsInt64())
			}
		}
	}
	assert.Equal(t, []int64{http.StatusServiceUnavailable}, statusCodes)
}

func TestImportDecodeError(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprint(concurrency), func(t *testing.T) {
			cluster := docstreamtest.NewCluster(t)
			lines := ndjsonLines(50)
			lines[36] = `{"_index":"logs","_id":"37","_source":`

			stats, err := docstream.Import(context.Background(), importConfig(cluster, t, 5, concurrency),
				strings.NewReader(strings.Join(lines, "\n")))
			var decodeErr *docstream.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, 37, decodeErr.Line)
			assert.Equal(t, docstream.ExitAborted, docstream.ExitCode(stats, err))

			// Every batch fully read before line 37 is written, and nothing
			// from the batch holding it.
			assert.Equal(t, int64(35), stats.Succeeded)
			assert.Equal(t, 35, cluster.Count("logs"))
			assert.Empty(t, cluster.Refreshed())
		})
	}
}

func TestImportBackpressure(t *testing.T) {
	const (
		concurrency = 3
		batchSize   = 10
	)
	cluster := docstreamtest.NewCluster(t)
	cluster.BulkDelay = 5 * time.Millisecond

	stats, err := docstream.Import(context.Background(), importConfig(cluster, t, batchSize, concurrency),
		strings.NewReader(strings.Join(ndjsonLines(300), "\n")))
	require.NoError(t, err)
	assert.Equal(t, int64(300), stats.Succeeded)
	assert.LessOrEqual(t, cluster.MaxConcurrentBulkRequests(), int64(concurrency))
	assert.LessOrEqual(t, stats.MaxInFlight, int64(concurrency+1))
	assert.LessOrEqual(t, stats.MaxInFlightDocuments, int64((concurrency+1)*batchSize))
}

func TestImportIndexOverride(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cfg := importConfig(cluster, t, 10, 2)
	cfg.Index = "restored"
	cfg.DisableRefresh = true

	lines := []string{
		`{"_index":"a","_id":"1","_source":{}}`,
		`{"_id":"2","_source":{}}`,
	}
	stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, 2, cluster.Count("restored"))
	assert.Empty(t, cluster.Refreshed())
}

func TestImportDelete(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.Add(docstreamtest.GenerateDocuments("logs", 5)...)
	cfg := importConfig(cluster, t, 10, 1)
	cfg.Sink.Action = docstream.ActionDelete

	lines := []string{
		`{"_index":"logs","_id":"1"}`,
		`{"_index":"logs","_id":"2"}`,
		`{"_index":"logs","_id":"404"}`,
	}
	stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, docstream.ExitSuccess, docstream.ExitCode(stats, err))
	assert.Equal(t, 3, cluster.Count("logs"))
}

func TestImportDeleteWithoutID(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.Add(docstreamtest.GenerateDocuments("logs", 3)...)
	cfg := importConfig(cluster, t, 10, 1)
	cfg.Sink.Action = docstream.ActionDelete
	cfg.Reader.GenerateIDs = true

	lines := []string{
		`{"_index":"logs","_id":"1"}`,
		`{"_index":"logs"}`,
	}
	stats, err := docstream.Import(context.Background(), cfg, strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Skipped)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, docstream.ExitPartial, docstream.ExitCode(stats, err))
	assert.Equal(t, 2, cluster.Count("logs"))
}

func TestImportInterrupted(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.BulkDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	go func() {
		for i := 0; ; i++ {
			_, err := fmt.Fprintf(pw, `{"_index":"logs","_id":"%d","_source":{}}`+"\n", i)
			if err != nil {
				return
			}
			if i == 100 {
				cancel()
			}
		}
	}()
	defer pr.Close()

	stats, err := docstream.Import(ctx, importConfig(cluster, t, 10, 2), pr)
	assert.ErrorIs(t, err, docstream.ErrInterrupted)
	assert.Equal(t, docstream.ExitAborted, docstream.ExitCode(stats, err))
	// Every dispatched batch was applied, nothing was lost unaccounted.
	assert.Equal(t, stats.Total, stats.Succeeded+stats.Failed+stats.Abandoned)
	assert.Equal(t, int(stats.Succeeded), cluster.Count("logs"))
}

func TestImportInterruptedIdleInput(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		// The input stalls without being closed after 25 lines.
		for i := 1; i <= 25; i++ {
			if _, err := fmt.Fprintf(pw, `{"_index":"logs","_id":"%d","_source":{}}`+"\n", i); err != nil {
				return
			}
		}
	}()

	cfg := importConfig(cluster, t, 10, 2)
	cfg.Engine.GracePeriod = 100 * time.Millisecond
	type result struct {
		stats docstream.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := docstream.Import(ctx, cfg, pr)
		done <- result{stats: stats, err: err}
	}()

	require.Eventually(t, func() bool { return cluster.Count("logs") == 20 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, docstream.ErrInterrupted)
		assert.Equal(t, docstream.ExitAborted, docstream.ExitCode(r.stats, r.err))
		assert.Equal(t, int64(20), r.stats.Total)
		assert.Equal(t, int64(20), r.stats.Succeeded)
	case <-time.After(3 * time.Second):
		t.Fatal("Import did not return after the context was cancelled")
	}
}

func TestTransferConfigValidate(t *testing.T) {
	_, err := docstream.Export(context.Background(), docstream.ExportConfig{CompressionLevel: 42}, io.Discard)
	assert.ErrorContains(t, err, "source client is nil")
	assert.ErrorContains(t, err, "invalid compression level 42")

	_, err = docstream.Import(context.Background(), docstream.ImportConfig{
		Engine: docstream.EngineConfig{Concurrency: -1},
	}, strings.NewReader(""))
	assert.ErrorContains(t, err, "sink client is nil")
	assert.ErrorContains(t, err, "invalid concurrency -1")
}

func TestExitCode(t *testing.T) {
	for name, tc := range map[string]struct {
		stats docstream.Stats
		err   error
		want  int
	}{
		"success":   {stats: docstream.Stats{Total: 3, Succeeded: 2, Skipped: 1}, want: 0},
		"empty":     {want: 0},
		"failed":    {stats: docstream.Stats{Total: 3, Succeeded: 2, Failed: 1}, want: 1},
		"abandoned": {stats: docstream.Stats{Total: 3, Abandoned: 3}, want: 1},
		"aborted":   {stats: docstream.Stats{Total: 3, Succeeded: 3}, err: docstream.ErrCursorExpired, want: 2},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, docstream.ExitCode(tc.stats, tc.err))
		})
	}
}
