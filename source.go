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
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"
)

const (
	defaultQuery     = `{"match_all":{}}`
	allIndices       = "_all"
	maxErrorBodySize = 64 * 1024

	searchContextMissing = "search_context_missing_exception"
)

var searchFilterPath = []string{
	"_scroll_id",
	"_shards",
	"hits.total",
	"hits.hits._index",
	"hits.hits._id",
	"hits.hits._routing",
	"hits.hits._source",
	"error",
	"status",
}

// SourceConfig holds configuration for Source.
type SourceConfig struct {
	// Client holds the Elasticsearch client.
	Client elastictransport.Interface

	// Indices holds the indices to scan. If Indices is empty, all indices
	// are scanned.
	Indices []string

	// Query holds the JSON query used to filter the scanned documents.
	//
	// If Query is empty, all documents are matched.
	Query string

	// Size holds the maximum number of documents returned per page.
	//
	// If Size is less than or equal to zero, the default of 500 will be used.
	Size int

	// KeepAlive holds the scroll context time-to-live. The context is renewed
	// by every page request, so it only needs to cover the time between two
	// consecutive pages.
	//
	// If KeepAlive is zero, the default of 1 minute will be used.
	KeepAlive time.Duration

	// MaxRetries holds the number of times a rejected request (429/503) is
	// retried. Opening the scroll is also retried on connection errors;
	// continuing it is not, since the server may already have advanced.
	//
	// If MaxRetries is zero, the default of 3 will be used. A negative value
	// disables retries.
	MaxRetries int

	// Retry holds the backoff applied between retries.
	Retry RetryConfig

	// Logger holds an optional Logger. If Logger is nil, logging is disabled.
	Logger *zap.Logger
}

// Cursor is a single-owner handle on a server side scroll context. It is
// passed by value into Source.Next, which returns its successor. A cursor
// must not be used again once it has been passed to Next.
type Cursor struct {
	id        string
	keepAlive time.Duration
	totalHits int64
	opened    bool
	first     Batch
}

// ID returns the server issued scroll id.
func (c Cursor) ID() string {
	return c.id
}

// TotalHits returns the number of documents the scan matched when opened.
func (c Cursor) TotalHits() int64 {
	return c.totalHits
}

// Source reads pages of documents through the scroll API.
type Source struct {
	config  SourceConfig
	indices []string
	logger  *zap.Logger
}

// NewSource returns a Source for the given configuration.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.Query == "" {
		cfg.Query = defaultQuery
	}
	if !jsoniter.Valid([]byte(cfg.Query)) {
		return nil, fmt.Errorf("invalid query: %q", cfg.Query)
	}
	if cfg.Size <= 0 {
		cfg.Size = 500
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	cfg.Retry = cfg.Retry.withDefaults()
	s := &Source{config: cfg, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	for _, index := range cfg.Indices {
		if index = strings.TrimSpace(index); index != "" {
			s.indices = append(s.indices, index)
		}
	}
	if len(s.indices) == 0 {
		s.indices = []string{allIndices}
	}
	return s, nil
}

// Open starts a scroll over the configured indices. The first page is
// fetched by Open and handed out by the first call to Next.
func (s *Source) Open(ctx context.Context) (Cursor, error) {
	body := s.searchBody()
	page, err := s.retry(ctx, true, func() (*searchResponse, error) {
		req := esapi.SearchRequest{
			Index:          s.indices,
			Body:           bytes.NewReader(body),
			Scroll:         s.config.KeepAlive,
			TrackTotalHits: true,
			FilterPath:     searchFilterPath,
		}
		res, err := req.Do(ctx, s.config.Client)
		if err != nil {
			return nil, fmt.Errorf("failed to open scroll: %w", err)
		}
		return decodeSearchResponse(res)
	})
	if err != nil {
		return Cursor{}, err
	}
	if page.ScrollID == "" {
		return Cursor{}, fmt.Errorf("%w: search response is missing _scroll_id", ErrProtocol)
	}
	s.logger.Info("opened scroll",
		zap.Strings("indices", s.indices),
		zap.Int64("total_hits", page.Hits.Total.Value),
	)
	return Cursor{
		id:        page.ScrollID,
		keepAlive: s.config.KeepAlive,
		totalHits: page.Hits.Total.Value,
		opened:    true,
		first:     page.batch(),
	}, nil
}

// Next returns the page after cur and the cursor to continue from. A nil
// cursor signals the end of the scan. Calls for one scroll must be made
// sequentially, each with the cursor returned by the previous call.
func (s *Source) Next(ctx context.Context, cur Cursor) (Batch, *Cursor, error) {
	if cur.id == "" {
		return nil, nil, errors.New("invalid cursor")
	}
	if cur.opened {
		next := Cursor{id: cur.id, keepAlive: cur.keepAlive, totalHits: cur.totalHits}
		if len(cur.first) == 0 {
			return nil, nil, nil
		}
		return cur.first, &next, nil
	}
	body := scrollBody(cur)
	page, err := s.retry(ctx, false, func() (*searchResponse, error) {
		req := esapi.ScrollRequest{
			Body:       bytes.NewReader(body),
			FilterPath: searchFilterPath,
		}
		res, err := req.Do(ctx, s.config.Client)
		if err != nil {
			return nil, fmt.Errorf("failed to continue scroll: %w", err)
		}
		return decodeSearchResponse(res)
	})
	if err != nil {
		return nil, nil, err
	}
	if len(page.Hits.Hits) == 0 {
		return nil, nil, nil
	}
	next := Cursor{id: cur.id, keepAlive: cur.keepAlive, totalHits: cur.totalHits}
	if page.ScrollID != "" {
		next.id = page.ScrollID
	}
	return page.batch(), &next, nil
}

// Close releases the scroll context held by cur. A context the server no
// longer knows about is not an error.
func (s *Source) Close(ctx context.Context, cur Cursor) error {
	if cur.id == "" {
		return nil
	}
	req := esapi.ClearScrollRequest{ScrollID: []string{cur.id}}
	res, err := req.Do(ctx, s.config.Client)
	if err != nil {
		return fmt.Errorf("failed to clear scroll: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return newRemoteError(res.StatusCode, res.Body)
	}
	return nil
}

func (s *Source) retry(ctx context.Context, open bool, do func() (*searchResponse, error)) (*searchResponse, error) {
	bo := s.config.Retry.newBackOff()
	for attempt := 0; ; attempt++ {
		page, err := do()
		if err == nil {
			return page, nil
		}
		if attempt >= s.config.MaxRetries || !s.retryable(err, open) {
			return nil, err
		}
		delay := bo.NextBackOff()
		s.logger.Warn("scroll request failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// retryable reports whether a failed scroll request can be repeated without
// skipping a page. Only rejections are safe once the scroll is open.
func (s *Source) retryable(err error, open bool) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode == 429 || remote.StatusCode == 503
	}
	if errors.Is(err, ErrCursorExpired) {
		return false
	}
	var shards *ShardFailureError
	if errors.As(err, &shards) {
		return false
	}
	return open && retryableRequestError(err)
}

func (s *Source) searchBody() []byte {
	var w fastjson.Writer
	w.RawString(`{"query":`)
	w.RawString(s.config.Query)
	w.RawString(`,"size":`)
	w.Int64(int64(s.config.Size))
	w.RawString(`,"sort":["_doc"]}`)
	return w.Bytes()
}

func scrollBody(cur Cursor) []byte {
	var w fastjson.Writer
	w.RawString(`{"scroll":`)
	w.String(formatDuration(cur.keepAlive))
	w.RawString(`,"scroll_id":`)
	w.String(cur.id)
	w.RawByte('}')
	return w.Bytes()
}

// formatDuration converts duration to a string in the format
// accepted by Elasticsearch.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return strconv.FormatInt(int64(d), 10) + "nanos"
	}
	return strconv.FormatInt(int64(d)/int64(time.Millisecond), 10) + "ms"
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Shards   struct {
		Failed   int `json:"failed"`
		Failures []struct {
			Reason struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"reason"`
		} `json:"failures"`
	} `json:"_shards"`
	Hits struct {
		Total hitsTotal      `json:"total"`
		Hits  []documentLine `json:"hits"`
	} `json:"hits"`
}

func (r *searchResponse) batch() Batch {
	if len(r.Hits.Hits) == 0 {
		return nil
	}
	batch := make(Batch, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		batch[i] = hit.document()
	}
	return batch
}

// hitsTotal accepts both the object form of hits.total and the bare number
// returned by older clusters.
type hitsTotal struct {
	Value int64
}

func (t *hitsTotal) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var v struct {
			Value int64 `json:"value"`
		}
		if err := jsoniter.Unmarshal(data, &v); err != nil {
			return err
		}
		t.Value = v.Value
		return nil
	}
	return jsoniter.Unmarshal(data, &t.Value)
}

func decodeSearchResponse(res *esapi.Response) (*searchResponse, error) {
	defer res.Body.Close()
	if res.IsError() {
		err := newRemoteError(res.StatusCode, res.Body)
		if strings.Contains(err.Body, searchContextMissing) {
			return nil, fmt.Errorf("%w: %s", ErrCursorExpired, err.Body)
		}
		return nil, err
	}
	var page searchResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: error decoding search response: %v", ErrProtocol, err)
	}
	if page.Shards.Failed > 0 {
		shardErr := &ShardFailureError{Failed: page.Shards.Failed}
		for _, f := range page.Shards.Failures {
			if f.Reason.Type == searchContextMissing {
				return nil, fmt.Errorf("%w: %s", ErrCursorExpired, f.Reason.Reason)
			}
			shardErr.Reasons = append(shardErr.Reasons, f.Reason.Type+": "+f.Reason.Reason)
		}
		return nil, shardErr
	}
	return &page, nil
}

func newRemoteError(status int, body io.Reader) *RemoteError {
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	return &RemoteError{StatusCode: status, Body: string(bytes.TrimSpace(b))}
}
