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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Action is the bulk operation applied to every document of a batch.
type Action string

const (
	// ActionIndex creates or overwrites documents by id.
	ActionIndex Action = "index"
	// ActionCreate creates documents, failing those whose id already exists.
	ActionCreate Action = "create"
	// ActionDelete deletes documents by id. Sources are ignored.
	ActionDelete Action = "delete"
)

// Outcome is the normalized status of one bulk item.
type Outcome uint8

const (
	// OutcomeSucceeded means the document was written.
	OutcomeSucceeded Outcome = iota
	// OutcomeSkipped means a delete targeted a document that does not exist.
	OutcomeSkipped
	// OutcomeFailed means the document was rejected and will not be retried.
	OutcomeFailed
	// OutcomeTransient means the server could not take the document right
	// now. It only appears before retries are exhausted.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeTransient:
		return "transient"
	}
	return fmt.Sprintf("Outcome(%d)", o)
}

// Result is the final outcome of the document at Position in a batch.
type Result struct {
	Position  int
	Index     string
	ID        string
	Outcome   Outcome
	Status    int
	ErrorType string
	Reason    string
}

// SinkConfig holds configuration for Sink.
type SinkConfig struct {
	// Client holds the Elasticsearch client.
	Client elastictransport.Interface

	// Action holds the bulk action used for every document.
	//
	// If Action is empty, ActionIndex will be used.
	Action Action

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// MaxRequests holds the maximum number of bulk requests encoded or in
	// flight at once. Write blocks while this many requests are outstanding.
	//
	// If MaxRequests is less than or equal to zero, the default of 10 will be used.
	MaxRequests int

	// MaxDocumentRetries holds the number of retry passes for documents
	// that failed with one of RetryOnDocumentStatus.
	//
	// If MaxDocumentRetries is zero, the default of 1 will be used. A negative
	// value disables document retries.
	MaxDocumentRetries int

	// RetryOnDocumentStatus holds the document level statuses that will trigger a document retry.
	//
	// If RetryOnDocumentStatus is empty, 429 and 503 are retried.
	RetryOnDocumentStatus []int

	// MaxBatchRetries holds the number of times a whole bulk request is
	// repeated after a connection error, a 429 or a 5xx response.
	//
	// If MaxBatchRetries is zero, the default of 3 will be used. A negative
	// value disables batch retries.
	MaxBatchRetries int

	// Retry holds the backoff applied between retries.
	Retry RetryConfig

	// RequestTimeout bounds a single bulk request.
	//
	// If RequestTimeout is zero, no timeout will be used.
	RequestTimeout time.Duration

	// Logger holds an optional Logger. If Logger is nil, logging is disabled.
	Logger *zap.Logger
}

// Validate checks the configuration, applying defaults to zero values.
func (cfg *SinkConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("client is nil")
	}
	switch cfg.Action {
	case "":
		cfg.Action = ActionIndex
	case ActionIndex, ActionCreate, ActionDelete:
	default:
		return fmt.Errorf("unknown bulk action %q", cfg.Action)
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	switch {
	case cfg.MaxDocumentRetries == 0:
		cfg.MaxDocumentRetries = 1
	case cfg.MaxDocumentRetries < 0:
		cfg.MaxDocumentRetries = 0
	}
	// use a len check instead of a nil check because document level retries
	// should be disabled using MaxDocumentRetries instead.
	if len(cfg.RetryOnDocumentStatus) == 0 {
		cfg.RetryOnDocumentStatus = []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}
	}
	switch {
	case cfg.MaxBatchRetries == 0:
		cfg.MaxBatchRetries = 3
	case cfg.MaxBatchRetries < 0:
		cfg.MaxBatchRetries = 0
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return nil
}

// SinkStats holds retry counters accumulated by a Sink.
type SinkStats struct {
	BatchRetries    int64
	DocumentRetries int64
}

// Sink writes batches with the _bulk API. Write may be called concurrently.
type Sink struct {
	config SinkConfig
	pool   *bulkBufferPool
	logger *zap.Logger

	indices         sync.Map
	batchRetries    atomic.Int64
	documentRetries atomic.Int64
}

var bulkFilterPath = []string{
	"items.*._index",
	"items.*._id",
	"items.*.status",
	"items.*.result",
	"items.*.error.type",
	"items.*.error.reason",
}

type bulkResponse struct {
	Items []bulkResponseItem
}

type bulkResponseItem struct {
	Index  string
	ID     string
	Status int
	Result string
	Error  struct {
		Type   string
		Reason string
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docstream.bulkResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		resp := (*bulkResponse)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			if s != "items" {
				i.Skip()
				return true
			}
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				// Each item is a single-key object keyed by its action.
				return i.ReadMapCB(func(i *jsoniter.Iterator, _ string) bool {
					var item bulkResponseItem
					i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
						switch s {
						case "_index":
							item.Index = i.ReadString()
						case "_id":
							item.ID = i.ReadString()
						case "status":
							item.Status = i.ReadInt()
						case "result":
							item.Result = i.ReadString()
						case "error":
							i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
								switch s {
								case "type":
									item.Error.Type = i.ReadString()
								case "reason":
									// Match Elasticsearch field mapper field value:
									// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
									item.Error.Reason, _, _ = strings.Cut(
										i.ReadString(), ". Preview",
									)
								default:
									i.Skip()
								}
								return true
							})
						default:
							i.Skip()
						}
						return true
					})
					resp.Items = append(resp.Items, item)
					return true
				})
			})
			return true
		})
	})
}

// NewSink returns a Sink that issues bulk requests to Elasticsearch.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sink{
		config: cfg,
		pool:   newBulkBufferPool(cfg.MaxRequests, cfg.CompressionLevel),
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Stats returns the retry counters of s.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		BatchRetries:    s.batchRetries.Load(),
		DocumentRetries: s.documentRetries.Load(),
	}
}

// Write sends batch as one bulk request and returns one Result per document,
// in batch order. If index is not empty it overrides each document's index.
//
// Documents rejected with a retryable status are sent again, alone, after a
// backoff. A non-nil error is a *BatchError and means no document of the
// batch was applied.
func (s *Sink) Write(ctx context.Context, batch Batch, index string) ([]Result, error) {
	results := make([]Result, len(batch))
	pending := make([]int, 0, len(batch))
	for i, doc := range batch {
		r := Result{Position: i, Index: index, ID: doc.ID}
		if r.Index == "" {
			r.Index = doc.Index
		}
		switch {
		case r.Index == "":
			r.Outcome, r.ErrorType, r.Reason = OutcomeFailed, "invalid_document", errMissingIndex.Error()
		case s.config.Action == ActionDelete && doc.ID == "":
			r.Outcome, r.ErrorType, r.Reason = OutcomeFailed, "invalid_document", errMissingID.Error()
		case s.config.Action != ActionDelete && len(doc.Source) == 0:
			r.Outcome, r.ErrorType, r.Reason = OutcomeFailed, "invalid_document", errMissingSource.Error()
		default:
			pending = append(pending, i)
		}
		results[i] = r
	}

	bo := s.config.Retry.newBackOff()
	for pass := 0; len(pending) > 0; pass++ {
		items, attempts, err := s.send(ctx, batch, results, pending)
		if err != nil {
			if pass == 0 {
				return nil, &BatchError{Attempts: attempts, Err: err}
			}
			s.failAll(results, pending, err)
			break
		}
		var retry []int
		for i, item := range items {
			r := &results[pending[i]]
			r.Status = item.Status
			r.ErrorType = item.Error.Type
			r.Reason = item.Error.Reason
			if r.ID == "" {
				r.ID = item.ID
			}
			r.Outcome = s.classify(item)
			if r.Outcome == OutcomeTransient {
				if pass < s.config.MaxDocumentRetries {
					retry = append(retry, pending[i])
					continue
				}
				r.Outcome = OutcomeFailed
			}
		}
		if len(retry) == 0 {
			break
		}
		s.documentRetries.Add(int64(len(retry)))
		delay := bo.NextBackOff()
		s.logger.Debug("retrying rejected documents",
			zap.Int("documents", len(retry)),
			zap.Duration("backoff", delay),
		)
		if err := sleepContext(ctx, delay); err != nil {
			s.failAll(results, retry, err)
			break
		}
		pending = retry
	}

	for _, r := range results {
		if r.Outcome == OutcomeSucceeded {
			s.indices.Store(r.Index, struct{}{})
		}
	}
	return results, nil
}

func (s *Sink) failAll(results []Result, positions []int, err error) {
	for _, pos := range positions {
		results[pos].Outcome = OutcomeFailed
		results[pos].ErrorType = "retry_failed"
		results[pos].Reason = err.Error()
	}
}

func (s *Sink) classify(item bulkResponseItem) Outcome {
	switch {
	case item.Status >= 200 && item.Status < 300 && item.Error.Type == "":
		return OutcomeSucceeded
	case item.Status == http.StatusNotFound && item.Error.Type == "":
		return OutcomeSkipped
	case slices.Contains(s.config.RetryOnDocumentStatus, item.Status):
		return OutcomeTransient
	}
	return OutcomeFailed
}

// send encodes the documents at positions into one request and performs it,
// repeating the whole request on retryable errors. It returns the response
// items matched to positions and the number of requests made.
func (s *Sink) send(ctx context.Context, batch Batch, results []Result, positions []int) ([]bulkResponseItem, int, error) {
	buf, err := s.pool.Get(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer s.pool.Put(buf)
	for _, pos := range positions {
		if err := buf.add(s.config.Action, results[pos].Index, batch[pos]); err != nil {
			return nil, 0, err
		}
	}
	if err := buf.finish(); err != nil {
		return nil, 0, err
	}

	bo := s.config.Retry.newBackOff()
	for attempt := 1; ; attempt++ {
		items, err := s.flush(ctx, buf)
		if err == nil {
			if len(items) != len(positions) {
				return nil, attempt, fmt.Errorf(
					"%w: bulk response has %d items, expected %d",
					ErrProtocol, len(items), len(positions),
				)
			}
			return items, attempt, nil
		}
		if attempt > s.config.MaxBatchRetries || !retryableRequestError(err) {
			return nil, attempt, err
		}
		s.batchRetries.Add(1)
		delay := bo.NextBackOff()
		s.logger.Warn("bulk request failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("documents", len(positions)),
			zap.Duration("backoff", delay),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

func (s *Sink) flush(ctx context.Context, buf *bulkBuffer) ([]bulkResponseItem, error) {
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	req := esapi.BulkRequest{
		Body:       bytes.NewReader(buf.buf.Bytes()),
		Header:     make(http.Header),
		FilterPath: bulkFilterPath,
		Pipeline:   s.config.Pipeline,
	}
	if buf.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}
	res, err := req.Do(ctx, s.config.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, newRemoteError(res.StatusCode, res.Body)
	}
	var resp bulkResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: error decoding bulk response: %v", ErrProtocol, err)
	}
	return resp.Items, nil
}

// Refresh refreshes every index a document was successfully written to.
func (s *Sink) Refresh(ctx context.Context) error {
	var indices []string
	s.indices.Range(func(key, _ any) bool {
		indices = append(indices, key.(string))
		return true
	})
	if len(indices) == 0 {
		return nil
	}
	sort.Strings(indices)
	req := esapi.IndicesRefreshRequest{Index: indices}
	res, err := req.Do(ctx, s.config.Client)
	if err != nil {
		return fmt.Errorf("failed to refresh indices: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return newRemoteError(res.StatusCode, res.Body)
	}
	return nil
}

// compressionEnabled reports whether bulk bodies are gzip encoded.
func (s *Sink) compressionEnabled() bool {
	return s.config.CompressionLevel != gzip.NoCompression
}
