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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-docstream"
)

// session holds what both commands set up before transferring.
type session struct {
	config *Config
	target docstream.Target
	client *elasticsearch.Client
	logger *zap.Logger
	tracer *apm.Tracer
	engine docstream.EngineConfig
	retry  docstream.RetryConfig
}

func (a *app) newSession(cmd *cobra.Command, rawTarget string) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	target, err := docstream.ParseTarget(rawTarget)
	if err != nil {
		return nil, err
	}
	clientConfig := docstream.ClientConfig{
		APIKey:   cfg.APIKey,
		Insecure: cfg.Insecure,
	}
	if cfg.CACert != "" {
		if clientConfig.CACert, err = os.ReadFile(cfg.CACert); err != nil {
			return nil, fmt.Errorf("unable to read CA certificate: %w", err)
		}
	}
	client, err := docstream.NewClient(target, clientConfig)
	if err != nil {
		return nil, err
	}

	var tracer *apm.Tracer
	if cfg.APM {
		tracer = apm.DefaultTracer()
	}
	logger := newLogger(a.streams.err, cfg.Verbose, tracer)
	return &session{
		config: cfg,
		target: target,
		client: client,
		logger: logger,
		tracer: tracer,
		engine: docstream.EngineConfig{
			Logger:           logger,
			Tracer:           tracer,
			Concurrency:      cfg.Concurrency,
			GracePeriod:      cfg.GracePeriod,
			ProgressInterval: cfg.ProgressInterval,
			RateLimit:        cfg.RateLimit,
		},
		retry: docstream.RetryConfig{
			InitialInterval: cfg.Backoff,
			MaxInterval:     cfg.MaxBackoff,
		},
	}, nil
}

// run executes fn inside an APM transaction named after the command, and
// records the exit code of the transfer.
func (s *session) run(ctx context.Context, a *app, name string, fn func(context.Context) (docstream.Stats, error)) error {
	if s.tracer != nil {
		tx := s.tracer.StartTransaction("docstream "+name, "cli")
		ctx = apm.ContextWithTransaction(ctx, tx)
		defer s.tracer.Flush(nil)
		defer tx.End()
	}
	defer func() { _ = s.logger.Sync() }()

	stats, err := fn(ctx)
	a.exitCode = docstream.ExitCode(stats, err)
	if err != nil && s.tracer != nil {
		apm.CaptureError(ctx, err).Send()
	}
	return err
}
