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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docstream"
	"github.com/elastic/go-docstream/docstreamtest"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t testing.TB, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, streams{
		in:  strings.NewReader(stdin),
		out: &stdout,
		err: &stderr,
	})
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func inputLines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `{"_id":"%d","_source":{"n":%d}}`+"\n", i, i)
	}
	return b.String()
}

func TestExport(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.Add(docstreamtest.GenerateDocuments("logs", 25)...)

	res := run(t, "", "export", cluster.URL()+"/logs", "--size", "10", "--concurrency", "2")
	require.Equal(t, docstream.ExitSuccess, res.code, res.stderr)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 25)
	assert.Contains(t, lines[0], `"_index":"logs"`)
	assert.Contains(t, res.stderr, "transfer completed")
	assert.Zero(t, cluster.OpenScrolls())
}

func TestExportIndexFlag(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.Add(docstreamtest.GenerateDocuments("logs-a", 3)...)
	cluster.Add(docstreamtest.GenerateDocuments("logs-b", 4)...)

	res := run(t, "", "export", cluster.URL(), "--index", " logs-b , ")
	require.Equal(t, docstream.ExitSuccess, res.code, res.stderr)
	assert.Len(t, strings.Split(strings.TrimSpace(res.stdout), "\n"), 4)
}

func TestImport(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)

	res := run(t, inputLines(20), "import", cluster.URL()+"/logs", "-s", "5")
	require.Equal(t, docstream.ExitSuccess, res.code, res.stderr)
	assert.Equal(t, 20, cluster.Count("logs"))
	assert.Equal(t, int64(5), cluster.MaxBulkItems())
	assert.Equal(t, []string{"logs"}, cluster.Refreshed())
	assert.Empty(t, res.stdout)
}

func TestImportPartialFailure(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	cluster.RejectDocument = func(doc docstreamtest.Document) *docstreamtest.Rejection {
		if doc.ID == "3" {
			return &docstreamtest.Rejection{Status: 400, Type: "mapper_parsing_exception", Reason: "failed to parse"}
		}
		return nil
	}

	res := run(t, inputLines(10), "import", cluster.URL()+"/logs")
	assert.Equal(t, docstream.ExitPartial, res.code, res.stderr)
	assert.Equal(t, 9, cluster.Count("logs"))
	assert.Contains(t, res.stderr, "failed to index documents")
}

func TestImportMissingIndex(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)

	res := run(t, inputLines(3), "import", cluster.URL())
	assert.Equal(t, docstream.ExitAborted, res.code)
	assert.Contains(t, res.stderr, "line 1")
	assert.Zero(t, cluster.BulkRequests())
}

func TestUsageErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no_command":      {"frobnicate"},
		"missing_url":     {"export"},
		"too_many_args":   {"import", "http://localhost:9200/a", "b"},
		"unknown_flag":    {"export", "--nope", "http://localhost:9200/a"},
		"invalid_url":     {"export", "ftp://localhost/a"},
		"invalid_action":  {"import", "--action", "upsert", "http://localhost:9200/a"},
		"invalid_ca_cert": {"export", "--ca-cert", "/nonexistent/ca.pem", "http://localhost:9200/a"},
	} {
		t.Run(name, func(t *testing.T) {
			res := run(t, "", args...)
			assert.Equal(t, docstream.ExitAborted, res.code)
			assert.NotEmpty(t, res.stderr)
			assert.Empty(t, res.stdout)
		})
	}
}

func TestConfigEnvironment(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	t.Setenv("DOCSTREAM_SIZE", "4")
	t.Setenv("DOCSTREAM_IMPORT_INDEX", "from-env")

	res := run(t, inputLines(10), "import", cluster.URL())
	require.Equal(t, docstream.ExitSuccess, res.code, res.stderr)
	assert.Equal(t, 10, cluster.Count("from-env"))
	assert.Equal(t, int64(4), cluster.MaxBulkItems())
}

func TestConfigFile(t *testing.T) {
	cluster := docstreamtest.NewCluster(t)
	file := filepath.Join(t.TempDir(), "docstream.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
size: 3
import:
  index: from-file
  no_refresh: true
`), 0o600))

	// Flags take precedence over the file.
	res := run(t, inputLines(9), "import", cluster.URL(), "--config", file, "--size", "2")
	require.Equal(t, docstream.ExitSuccess, res.code, res.stderr)
	assert.Equal(t, 9, cluster.Count("from-file"))
	assert.Equal(t, int64(2), cluster.MaxBulkItems())
	assert.Empty(t, cluster.Refreshed())
}

func TestLoadConfigDefaults(t *testing.T) {
	a := &app{}
	cmd, _, err := a.rootCommand().Find([]string{"import"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 500, cfg.Size)
	assert.Equal(t, defaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, "index", cfg.Import.Action)
	assert.True(t, cfg.Import.GenerateIDs)
	assert.False(t, cfg.Import.NoRefresh)
}

func TestImportHelp(t *testing.T) {
	res := run(t, "", "import", "--help")
	require.Equal(t, docstream.ExitSuccess, res.code)
	assert.Empty(t, res.stdout)
	assert.Contains(t, res.stderr, "maximum summed _source size of a batch")
	assert.Contains(t, res.stderr, "0 uses the default of 1")
	assert.Contains(t, res.stderr, "0 uses the default of 3")
}
