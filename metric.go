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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	batchDuration   metric.Float64Histogram
	batches         metric.Int64Counter
	docsRead        metric.Int64Counter
	inflightBatches metric.Int64UpDownCounter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

// newMetrics creates the engine instruments. The processed documents counter
// is observed from stats, which must be safe to call concurrently.
func newMetrics(cfg EngineConfig, stats func() Stats) (*metrics, metric.Registration, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/elastic/go-docstream")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "docstream.batch.latency",
			description: "The amount of time a batch took to be consumed, in seconds.",
			unit:        "s",
			p:           &ms.batchDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return &ms, nil, err
		}
	}

	counters := []counterMetric{
		{
			name:        "docstream.batches.count",
			description: "The number of batches consumed.",
			p:           &ms.batches,
		},
		{
			name:        "docstream.documents.read",
			description: "The number of documents received from the producer.",
			p:           &ms.docsRead,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return &ms, nil, err
		}
	}

	inflight, err := meter.Int64UpDownCounter(
		"docstream.batches.inflight",
		metric.WithUnit("1"),
		metric.WithDescription("The number of batches held by the engine, queued or being consumed."),
	)
	if err != nil {
		return &ms, nil, fmt.Errorf("failed creating docstream.batches.inflight metric: %w", err)
	}
	ms.inflightBatches = inflight

	processed, err := meter.Int64ObservableCounter(
		"docstream.documents.processed",
		metric.WithUnit("1"),
		metric.WithDescription("Number of documents consumed. Dimensions are used to report success, skips or failures"),
	)
	if err != nil {
		return &ms, nil, fmt.Errorf("docstream: failed to create metric for processed documents: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		pattrs := metric.WithAttributeSet(cfg.MetricAttributes)
		s := stats()
		obs.ObserveInt64(processed, s.Succeeded, pattrs,
			metric.WithAttributes(attribute.String("status", "Success")),
		)
		obs.ObserveInt64(processed, s.Skipped, pattrs,
			metric.WithAttributes(attribute.String("status", "Skipped")),
		)
		obs.ObserveInt64(processed, s.Failed, pattrs,
			metric.WithAttributes(attribute.String("status", "Failed")),
		)
		return nil
	},
		processed,
	)
	if err != nil {
		return &ms, nil, fmt.Errorf("docstream: failed to register metric callback: %w", err)
	}
	return &ms, reg, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
