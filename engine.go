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
	"math"
	"sync/atomic"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errGracePeriodExpired = errors.New("grace period expired")

// Producer yields batches. Next returns io.EOF once exhausted; any other
// error is fatal for the run. Next is never called concurrently.
type Producer interface {
	Next(ctx context.Context) (Batch, error)
}

// Consumer applies a batch. Per-document failures are reported through the
// returned BatchOutcome; a non-nil error is fatal for the run.
type Consumer interface {
	Consume(ctx context.Context, batch Batch) (BatchOutcome, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context) (Batch, error)

// Next calls f(ctx).
func (f ProducerFunc) Next(ctx context.Context) (Batch, error) {
	return f(ctx)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, batch Batch) (BatchOutcome, error)

// Consume calls f(ctx, batch).
func (f ConsumerFunc) Consume(ctx context.Context, batch Batch) (BatchOutcome, error) {
	return f(ctx, batch)
}

// BatchOutcome holds the per-document outcome counts of one batch.
type BatchOutcome struct {
	Succeeded int64
	Skipped   int64
	Failed    int64
}

func (o BatchOutcome) total() int64 {
	return o.Succeeded + o.Skipped + o.Failed
}

// State is the lifecycle state of an Engine.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Stats holds the counters of a run.
type Stats struct {
	// Total is the number of documents received from the producer.
	Total int64
	// Succeeded, Skipped and Failed count consumed documents.
	Succeeded int64
	Skipped   int64
	Failed    int64
	// Abandoned counts documents received but never dispatched, because
	// the run was interrupted or the consumer failed.
	Abandoned int64
	// Batches is the number of batches dispatched to the consumer.
	Batches int64
	// MaxInFlight and MaxInFlightDocuments are the high-water marks of the
	// batches and documents held by the engine at once.
	MaxInFlight          int64
	MaxInFlightDocuments int64
}

// Engine moves batches from a Producer to a Consumer with a bounded number
// of batches in flight. An Engine runs once.
//
// A fatal error stops admission of new batches. Batches already dispatched
// are allowed to complete so that every outcome is recorded. When the run
// context is cancelled, dispatched batches get GracePeriod to complete
// before their context is cancelled too.
type Engine struct {
	config   EngineConfig
	logger   *zap.Logger
	metrics  *metrics
	reg      metric.Registration
	tracer   trace.Tracer
	limiter  *rate.Limiter
	progress rate.Sometimes

	state    atomic.Int32
	fatal    atomic.Pointer[fatalError]
	abandon  atomic.Bool
	expected atomic.Int64

	total     atomic.Int64
	succeeded atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	batches   atomic.Int64

	inflight        atomic.Int64
	inflightDocs    atomic.Int64
	maxInflight     atomic.Int64
	maxInflightDocs atomic.Int64
}

type fatalError struct {
	err error
}

// NewEngine returns an Engine for the given configuration.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		config:   cfg,
		logger:   cfg.Logger,
		progress: rate.Sometimes{First: 1, Interval: cfg.ProgressInterval},
	}
	e.metrics, e.reg, err = newMetrics(cfg, e.Stats)
	if err != nil {
		return nil, err
	}
	if cfg.TracerProvider != nil {
		e.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docstream.engine")
	}
	if cfg.RateLimit > 0 {
		burst := int(math.Max(1, math.Ceil(cfg.RateLimit)))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// SetExpected records the number of documents the producer is expected to
// yield. It is only used for progress reporting.
func (e *Engine) SetExpected(n int64) {
	e.expected.Store(n)
}

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Total:                e.total.Load(),
		Succeeded:            e.succeeded.Load(),
		Skipped:              e.skipped.Load(),
		Failed:               e.failed.Load(),
		Abandoned:            e.abandoned.Load(),
		Batches:              e.batches.Load(),
		MaxInFlight:          e.maxInflight.Load(),
		MaxInFlightDocuments: e.maxInflightDocs.Load(),
	}
}

// Run drives batches from p to c until p is exhausted, a fatal error occurs
// or ctx is cancelled. It returns once every dispatched batch has completed,
// with the final counters and the first fatal error, if any.
func (e *Engine) Run(ctx context.Context, p Producer, c Consumer) (Stats, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return e.Stats(), ErrEngineUsed
	}
	defer e.terminate()

	// We create a context for dispatched batches that is detached from ctx,
	// so an interrupt does not abort requests whose outcome would then be
	// unknown. It is cancelled GracePeriod after ctx is done. We do not use
	// errgroup.WithContext, because one failed batch must not cancel others.
	opCtx, cancelOps := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelOps(nil)
	stopGrace := e.cancelAfterGrace(ctx, cancelOps)
	defer stopGrace()

	admitCtx, stopAdmission := context.WithCancelCause(ctx)
	defer stopAdmission(nil)

	workers, queueSize := e.config.Concurrency, 0
	if e.config.Ordered {
		workers, queueSize = 1, e.config.Concurrency-1
	}
	queue := make(chan Batch, queueSize)

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		e.produce(admitCtx, p, queue)
		return nil
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for batch := range queue {
				if e.abandon.Load() || ctx.Err() != nil {
					e.drop(batch)
					continue
				}
				e.dispatch(opCtx, c, batch, stopAdmission)
			}
			return nil
		})
	}
	g.Wait()

	err := e.err()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		e.state.Store(int32(StateFailed))
	}
	stats := e.Stats()
	fields := []zap.Field{
		zap.Int64("total", stats.Total),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed", stats.Failed),
		zap.Int64("abandoned", stats.Abandoned),
		zap.Int64("batches", stats.Batches),
	}
	if err != nil {
		e.logger.Error("transfer aborted", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("transfer completed", fields...)
	}
	return stats, err
}

func (e *Engine) produce(ctx context.Context, p Producer, queue chan<- Batch) {
	for ctx.Err() == nil {
		batch, err := e.next(ctx, p)
		if errors.Is(err, io.EOF) {
			if e.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
				e.logger.Debug("producer exhausted, draining")
			}
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				e.fail(err)
			}
			return
		}
		if len(batch) == 0 {
			continue
		}
		e.admit(batch)
		if e.limiter != nil {
			if err := e.throttle(ctx, len(batch)); err != nil {
				e.drop(batch)
				return
			}
		}
		select {
		case queue <- batch:
		case <-ctx.Done():
			e.drop(batch)
			return
		}
	}
}

type produced struct {
	batch Batch
	err   error
}

// next calls p.Next, returning early once ctx is done. A producer blocked in
// I/O that ignores ctx is left behind; its batch is discarded and Next is
// not called again.
func (e *Engine) next(ctx context.Context, p Producer) (Batch, error) {
	result := make(chan produced, 1)
	go func() {
		batch, err := p.Next(ctx)
		result <- produced{batch: batch, err: err}
	}()
	select {
	case r := <-result:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (e *Engine) throttle(ctx context.Context, n int) error {
	burst := e.limiter.Burst()
	for n > 0 {
		k := min(n, burst)
		if err := e.limiter.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, c Consumer, batch Batch, stopAdmission context.CancelCauseFunc) {
	defer e.release(batch)
	n := len(batch)
	logger := e.logger

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "docstream.batch", trace.WithAttributes(
			attribute.Int("documents", n),
		))
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}
	var tx *apm.Transaction
	if e.config.Tracer != nil {
		tx = e.config.Tracer.StartTransaction("docstream.batch", "output")
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	start := time.Now()
	outcome, err := c.Consume(ctx, batch)
	took := time.Since(start)

	// Documents the consumer did not account for are counted as failed, so
	// that every dispatched document has an outcome.
	if rest := int64(n) - outcome.total(); rest > 0 {
		outcome.Failed += rest
	}
	e.batches.Add(1)
	e.succeeded.Add(outcome.Succeeded)
	e.skipped.Add(outcome.Skipped)
	e.failed.Add(outcome.Failed)

	attrs := metric.WithAttributeSet(e.config.MetricAttributes)
	status := "Success"
	if err != nil {
		status = "Failed"
	}
	e.metrics.batches.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("status", status)),
	)
	e.metrics.batchDuration.Record(context.Background(), took.Seconds(), attrs)

	if err != nil && ctx.Err() != nil {
		// The grace period expired; the batch was cut short by the engine.
		logger.Error("batch cancelled", zap.Error(err), zap.Int("documents", n))
		return
	}
	if err != nil {
		logger.Error("batch failed", zap.Error(err), zap.Int("documents", n))
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch failed")
		}
		if tx != nil {
			tx.Result = "failure"
		}
		e.abandon.Store(true)
		e.fail(err)
		stopAdmission(err)
		return
	}
	if outcome.Failed > 0 {
		logger.Warn("batch completed with failures",
			zap.Int64("succeeded", outcome.Succeeded),
			zap.Int64("failed", outcome.Failed),
		)
	}
	if span != nil && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
	if tx != nil {
		tx.Result = "success"
	}
	e.progress.Do(e.logProgress)
}

func (e *Engine) logProgress() {
	s := e.Stats()
	fields := []zap.Field{
		zap.Int64("total", s.Total),
		zap.Int64("succeeded", s.Succeeded),
		zap.Int64("skipped", s.Skipped),
		zap.Int64("failed", s.Failed),
		zap.Int64("inflight", e.inflight.Load()),
	}
	if expected := e.expected.Load(); expected > 0 {
		fields = append(fields, zap.Int64("expected", expected))
	}
	e.logger.Info("transfer progress", fields...)
}

func (e *Engine) admit(batch Batch) {
	n := int64(len(batch))
	e.total.Add(n)
	e.metrics.docsRead.Add(context.Background(), n,
		metric.WithAttributeSet(e.config.MetricAttributes),
	)
	e.metrics.inflightBatches.Add(context.Background(), 1,
		metric.WithAttributeSet(e.config.MetricAttributes),
	)
	storeMax(&e.maxInflight, e.inflight.Add(1))
	storeMax(&e.maxInflightDocs, e.inflightDocs.Add(n))
}

func (e *Engine) release(batch Batch) {
	e.inflight.Add(-1)
	e.inflightDocs.Add(-int64(len(batch)))
	e.metrics.inflightBatches.Add(context.Background(), -1,
		metric.WithAttributeSet(e.config.MetricAttributes),
	)
}

func (e *Engine) drop(batch Batch) {
	e.abandoned.Add(int64(len(batch)))
	e.release(batch)
}

// fail records err as the run error unless one is already recorded.
func (e *Engine) fail(err error) {
	if e.fatal.CompareAndSwap(nil, &fatalError{err: err}) {
		e.state.Store(int32(StateFailed))
	}
}

func (e *Engine) err() error {
	if f := e.fatal.Load(); f != nil {
		return f.err
	}
	return nil
}

func (e *Engine) terminate() {
	e.state.Store(int32(StateTerminated))
	if e.reg != nil {
		if err := e.reg.Unregister(); err != nil {
			e.logger.Warn("failed to unregister metrics callback", zap.Error(err))
		}
	}
}

// cancelAfterGrace calls cancel GracePeriod after ctx is done, unless the
// returned stop function is called first.
func (e *Engine) cancelAfterGrace(ctx context.Context, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		e.logger.Warn("interrupted, waiting for in-flight batches",
			zap.Int64("inflight", e.inflight.Load()),
			zap.Duration("grace_period", e.config.GracePeriod),
		)
		t := time.NewTimer(e.config.GracePeriod)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			cancel(errGracePeriodExpired)
		}
	}()
	return func() { close(done) }
}

func storeMax(m *atomic.Int64, v int64) {
	for {
		cur := m.Load()
		if v <= cur || m.CompareAndSwap(cur, v) {
			return
		}
	}
}
