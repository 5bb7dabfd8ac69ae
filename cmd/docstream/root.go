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
	"io"

	"github.com/spf13/cobra"

	"github.com/elastic/go-docstream"
)

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// app holds the state of one invocation.
type app struct {
	streams  streams
	exitCode int
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "docstream",
		Short: "Stream documents between Elasticsearch and NDJSON",
		Long: `docstream exports documents from Elasticsearch indices to NDJSON on stdout,
and imports NDJSON documents from stdin into Elasticsearch.

Exit codes: 0 on success, 1 when some documents failed, 2 when the transfer
was aborted.`,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "configuration file (default ./docstream.yaml)")
	flags.IntP("concurrency", "c", 4, "maximum number of batches in flight")
	flags.IntP("size", "s", 500, "maximum number of documents per batch")
	flags.Int("max-retries", 3, "retries of a rejected or failed request, 0 uses the default of 3, negative disables")
	flags.Duration("backoff", defaultBackoff, "initial delay between retries")
	flags.Duration("max-backoff", defaultMaxBackoff, "maximum delay between retries")
	flags.Duration("grace-period", defaultGracePeriod, "time in-flight batches may complete after an interrupt")
	flags.Duration("progress-interval", defaultProgressInterval, "minimum interval between progress logs")
	flags.Float64("rate-limit", 0, "maximum documents per second, 0 for unlimited")
	flags.String("api-key", "", "base64 encoded API key")
	flags.String("ca-cert", "", "path to PEM encoded certificate authorities")
	flags.Bool("insecure", false, "skip server certificate verification")
	flags.Bool("apm", false, "trace batches with the Elastic APM agent")
	flags.BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(a.exportCommand(), a.importCommand())
	return root
}

// execute runs the command line args and returns the process exit code.
func execute(ctx context.Context, args []string, s streams) int {
	a := &app{streams: s}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(s.in)
	// stdout carries data; help and usage go to stderr.
	root.SetOut(s.err)
	root.SetErr(s.err)
	if err := root.ExecuteContext(ctx); err != nil {
		return docstream.ExitAborted
	}
	return a.exitCode
}
