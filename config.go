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
	"fmt"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EngineConfig holds configuration for Engine.
type EngineConfig struct {
	// Logger holds an optional Logger to use for progress and failures.
	//
	// Every failed batch is logged at error level. Progress is logged at
	// info level, at most once per ProgressInterval.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing batches.
	// Each dispatched batch is traced as a transaction.
	//
	// If Tracer is nil, batches will not be traced with APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each dispatched
	// batch is traced as a span.
	//
	// If TracerProvider is nil, batches will not be traced with OTel.
	TracerProvider trace.TracerProvider

	// Concurrency holds the number of batches the engine may hold at once.
	//
	// For an unordered run this is the number of concurrent consumer calls.
	// For an ordered run the consumer is called by a single worker and up to
	// Concurrency-1 further batches are fetched ahead of it.
	//
	// If Concurrency is less than or equal to zero, the default of 4 will be used.
	Concurrency int

	// Ordered makes batches reach the consumer one at a time, in the order
	// they were produced.
	Ordered bool

	// GracePeriod holds how long dispatched batches may keep running after
	// the run context is cancelled.
	//
	// If GracePeriod is zero, the default of 30 seconds will be used.
	GracePeriod time.Duration

	// ProgressInterval holds the minimum interval between progress logs.
	//
	// If ProgressInterval is zero, the default of 10 seconds will be used.
	ProgressInterval time.Duration

	// RateLimit holds the maximum number of documents admitted per second.
	//
	// If RateLimit is zero, admission is not throttled.
	RateLimit float64

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record engine metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

func (cfg EngineConfig) withDefaults() (EngineConfig, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.GracePeriod < 0 {
		return cfg, fmt.Errorf("invalid GracePeriod %s", cfg.GracePeriod)
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 10 * time.Second
	}
	if cfg.RateLimit < 0 {
		return cfg, fmt.Errorf("invalid RateLimit %v", cfg.RateLimit)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg, nil
}
