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

	"github.com/spf13/cobra"

	"github.com/elastic/go-docstream"
)

func (a *app) importCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import URL",
		Short: "Import NDJSON documents from stdin",
		Long: `Import reads one JSON document per line from stdin and writes them with
bulk requests. Each line holds the _index, _id, _routing and _source of a
document, as written by export. Gzip compressed input is detected
automatically.

When the URL has a path, for example http://localhost:9200/logs, every
document is written to that index.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runImport,
	}
	flags := cmd.Flags()
	flags.StringP("index", "i", "", "index of every document, overriding the URL path")
	flags.String("action", string(docstream.ActionIndex), "bulk action: index, create or delete")
	flags.String("pipeline", "", "ingest pipeline applied to every document")
	flags.Int("compression-level", 0, "gzip level of bulk requests, 0 disables compression")
	flags.Int("max-batch-bytes", 0, "maximum summed _source size of a batch in bytes, 0 for unlimited")
	flags.Int("document-retries", 1, "retry passes for documents rejected with 429 or 503, 0 uses the default of 1, negative disables")
	flags.Bool("generate-ids", true, "assign ids to documents without one, making retries idempotent")
	flags.Bool("no-refresh", false, "do not refresh the indices once the import completes")
	return cmd
}

func (a *app) runImport(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	s, err := a.newSession(cmd, args[0])
	if err != nil {
		return err
	}
	opts := s.config.Import
	index := s.target.Index
	if opts.Index != "" {
		index = opts.Index
	}
	return s.run(cmd.Context(), a, "import", func(ctx context.Context) (docstream.Stats, error) {
		return docstream.Import(ctx, docstream.ImportConfig{
			Reader: docstream.ReaderConfig{
				BatchSize:     s.config.Size,
				MaxBatchBytes: opts.MaxBatchBytes,
				RequireIndex:  index == "",
				GenerateIDs:   opts.GenerateIDs,
			},
			Sink: docstream.SinkConfig{
				Client:             s.client,
				Action:             docstream.Action(opts.Action),
				CompressionLevel:   opts.CompressionLevel,
				Pipeline:           opts.Pipeline,
				MaxDocumentRetries: opts.DocumentRetries,
				MaxBatchRetries:    s.config.MaxRetries,
				Retry:              s.retry,
			},
			Engine:         s.engine,
			Index:          index,
			DisableRefresh: opts.NoRefresh,
			Logger:         s.logger,
		}, a.streams.in)
	})
}
