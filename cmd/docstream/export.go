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
	"time"

	"github.com/spf13/cobra"

	"github.com/elastic/go-docstream"
)

func (a *app) exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export URL",
		Short: "Export documents as NDJSON to stdout",
		Long: `Export scans the indices named in the URL path, for example
http://localhost:9200/logs-*, and writes one JSON line per document to stdout.

Documents are written in the order the server returns them.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runExport,
	}
	flags := cmd.Flags()
	flags.StringP("query", "q", "", "JSON query filtering the exported documents")
	flags.StringP("index", "i", "", "comma separated indices, overriding the URL path")
	flags.Duration("keep-alive", time.Minute, "scroll context time to live")
	flags.BoolP("compress", "z", false, "gzip compress the output")
	flags.Int("compression-level", 0, "gzip level of the output, 0 for the default")
	return cmd
}

func (a *app) runExport(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	s, err := a.newSession(cmd, args[0])
	if err != nil {
		return err
	}
	opts := s.config.Export
	indices := s.target.Indices()
	if opts.Index != "" {
		indices = docstream.Target{Index: opts.Index}.Indices()
	}
	return s.run(cmd.Context(), a, "export", func(ctx context.Context) (docstream.Stats, error) {
		return docstream.Export(ctx, docstream.ExportConfig{
			Source: docstream.SourceConfig{
				Client:     s.client,
				Indices:    indices,
				Query:      opts.Query,
				Size:       s.config.Size,
				KeepAlive:  opts.KeepAlive,
				MaxRetries: s.config.MaxRetries,
				Retry:      s.retry,
			},
			Engine:           s.engine,
			Compress:         opts.Compress,
			CompressionLevel: opts.CompressionLevel,
			Logger:           s.logger,
		}, a.streams.out)
	})
}
