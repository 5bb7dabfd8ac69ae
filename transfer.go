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

package docstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Exit codes returned by ExitCode.
const (
	ExitSuccess = 0
	ExitPartial = 1
	ExitAborted = 2
)

const closeTimeout = 10 * time.Second

// ExitCode maps the result of a run to a process exit code.
func ExitCode(stats Stats, err error) int {
	switch {
	case err != nil:
		return ExitAborted
	case stats.Failed > 0 || stats.Abandoned > 0:
		return ExitPartial
	}
	return ExitSuccess
}

// ExportConfig holds configuration for Export.
type ExportConfig struct {
	Source SourceConfig
	Engine EngineConfig

	// Compress gzip compresses the output stream.
	Compress bool

	// CompressionLevel holds the gzip level used when Compress is set.
	//
	// If CompressionLevel is zero, gzip.DefaultCompression will be used.
	CompressionLevel int

	// Logger holds an optional Logger, used by every component that has
	// none configured.
	Logger *zap.Logger
}

// Validate checks the configuration.
func (cfg *ExportConfig) Validate() error {
	var errs []error
	if cfg.Source.Client == nil {
		errs = append(errs, errors.New("source client is nil"))
	}
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		errs = append(errs, fmt.Errorf("invalid compression level %d", cfg.CompressionLevel))
	}
	if cfg.Engine.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("invalid concurrency %d", cfg.Engine.Concurrency))
	}
	if cfg.Source.Size < 0 {
		errs = append(errs, fmt.Errorf("invalid batch size %d", cfg.Source.Size))
	}
	return errors.Join(errs...)
}

// Export scans the configured indices and writes every document to w as
// NDJSON, in scan order.
func Export(ctx context.Context, cfg ExportConfig, w io.Writer) (Stats, error) {
	if err := cfg.Validate(); err != nil {
		return Stats{}, fmt.Errorf("invalid export config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Source.Logger == nil {
		cfg.Source.Logger = cfg.Logger
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	cfg.Engine.Ordered = true

	source, err := NewSource(cfg.Source)
	if err != nil {
		return Stats{}, err
	}
	cur, err := source.Open(ctx)
	if err != nil {
		return Stats{}, err
	}
	p := &scrollProducer{source: source, cur: &cur, last: cur}
	defer p.close(ctx, cfg.Logger)

	engine, err := NewEngine(cfg.Engine)
	if err != nil {
		return Stats{}, err
	}
	engine.SetExpected(cur.TotalHits())

	out := w
	var gz *gzip.Writer
	if cfg.Compress {
		level := cfg.CompressionLevel
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gz, err = gzip.NewWriterLevel(w, level)
		if err != nil {
			return Stats{}, err
		}
		out = gz
	}

	stats, err := engine.Run(ctx, p, NewWriter(out))

	if gz != nil {
		if cerr := gz.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close gzip stream: %w", cerr)
		}
	}
	return stats, err
}

// scrollProducer pages through a scroll. It holds the only cursor of the
// scroll. An interrupted run may return while a page request is still
// finishing, so the last cursor is guarded by mu.
type scrollProducer struct {
	source *Source
	cur    *Cursor

	mu   sync.Mutex
	last Cursor
}

func (p *scrollProducer) Next(ctx context.Context) (Batch, error) {
	if p.cur == nil {
		return nil, io.EOF
	}
	batch, next, err := p.source.Next(ctx, *p.cur)
	if err != nil {
		return nil, err
	}
	p.cur = next
	if next == nil {
		return nil, io.EOF
	}
	p.mu.Lock()
	p.last = *next
	p.mu.Unlock()
	return batch, nil
}

// close clears the scroll, even when ctx is already cancelled.
func (p *scrollProducer) close(ctx context.Context, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if err := p.source.Close(ctx, last); err != nil {
		logger.Warn("failed to clear scroll", zap.Error(err))
	}
}

// ImportConfig holds configuration for Import.
type ImportConfig struct {
	Reader ReaderConfig
	Sink   SinkConfig
	Engine EngineConfig

	// Index overrides the index of every document.
	Index string

	// DisableRefresh skips refreshing the written indices once the import
	// has completed.
	DisableRefresh bool

	// Logger holds an optional Logger, used by every component that has
	// none configured.
	Logger *zap.Logger
}

// Validate checks the configuration.
func (cfg *ImportConfig) Validate() error {
	var errs []error
	if cfg.Sink.Client == nil {
		errs = append(errs, errors.New("sink client is nil"))
	}
	if cfg.Engine.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("invalid concurrency %d", cfg.Engine.Concurrency))
	}
	if cfg.Reader.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("invalid batch size %d", cfg.Reader.BatchSize))
	}
	return errors.Join(errs...)
}

// Import reads NDJSON documents from r and writes them with bulk requests,
// with up to Engine.Concurrency requests in flight.
//
// Rejected documents and batches that failed after all retries are counted
// as failed and do not stop the run.
func Import(ctx context.Context, cfg ImportConfig, r io.Reader) (Stats, error) {
	if err := cfg.Validate(); err != nil {
		return Stats{}, fmt.Errorf("invalid import config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink.Logger == nil {
		cfg.Sink.Logger = cfg.Logger
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	cfg.Engine.Ordered = false
	if cfg.Sink.Action == ActionDelete {
		// A generated id never names a stored document.
		cfg.Reader.GenerateIDs = false
	}
	if cfg.Sink.MaxRequests <= 0 && cfg.Engine.Concurrency > 0 {
		cfg.Sink.MaxRequests = cfg.Engine.Concurrency
	}

	reader, err := NewReader(r, cfg.Reader)
	if err != nil {
		return Stats{}, err
	}
	sink, err := NewSink(cfg.Sink)
	if err != nil {
		return Stats{}, err
	}
	engine, err := NewEngine(cfg.Engine)
	if err != nil {
		return Stats{}, err
	}
	cfg.Logger.Debug("starting import",
		zap.String("action", string(sink.config.Action)),
		zap.Bool("compressed_requests", sink.compressionEnabled()),
		zap.String("index", cfg.Index),
	)

	stats, err := engine.Run(ctx, reader, &sinkConsumer{
		sink:   sink,
		index:  cfg.Index,
		logger: cfg.Logger,
	})
	sinkStats := sink.Stats()
	cfg.Logger.Debug("import retries",
		zap.Int64("batch_retries", sinkStats.BatchRetries),
		zap.Int64("document_retries", sinkStats.DocumentRetries),
	)
	if err != nil || cfg.DisableRefresh || sink.config.Action == ActionDelete {
		return stats, err
	}
	if rerr := sink.Refresh(ctx); rerr != nil {
		cfg.Logger.Warn("failed to refresh indices", zap.Error(rerr))
	}
	return stats, nil
}

// sinkConsumer adapts a Sink to Consumer. A batch that could not be written
// is recorded as failed without failing the run.
type sinkConsumer struct {
	sink   *Sink
	index  string
	logger *zap.Logger
}

func (c *sinkConsumer) Consume(ctx context.Context, batch Batch) (BatchOutcome, error) {
	results, err := c.sink.Write(ctx, batch, c.index)
	if err != nil {
		fields := []zap.Field{zap.Error(err), zap.Int("documents", len(batch))}
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			fields = append(fields, zap.Int("attempts", batchErr.Attempts))
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			trace.SpanFromContext(ctx).SetAttributes(semconv.HTTPResponseStatusCode(remote.StatusCode))
		}
		c.logger.Error("failed to write batch", fields...)
		return BatchOutcome{Failed: int64(len(batch))}, nil
	}

	var outcome BatchOutcome
	type failureKey struct {
		index     string
		errorType string
		reason    string
	}
	failures := make(map[failureKey]int)
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSucceeded:
			outcome.Succeeded++
		case OutcomeSkipped:
			outcome.Skipped++
		default:
			outcome.Failed++
			failures[failureKey{index: r.Index, errorType: r.ErrorType, reason: r.Reason}]++
		}
	}
	keys := make([]failureKey, 0, len(failures))
	for key := range failures {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].index != keys[j].index {
			return keys[i].index < keys[j].index
		}
		if keys[i].errorType != keys[j].errorType {
			return keys[i].errorType < keys[j].errorType
		}
		return keys[i].reason < keys[j].reason
	})
	for _, key := range keys {
		c.logger.Error("failed to index documents",
			zap.String("index", key.index),
			zap.String("error.type", key.errorType),
			zap.String("error.reason", key.reason),
			zap.Int("documents", failures[key]),
		)
	}
	return outcome, nil
}
