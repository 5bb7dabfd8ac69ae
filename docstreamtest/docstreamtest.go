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

// Package docstreamtest provides an in-memory Elasticsearch cluster for
// testing exports and imports through a real go-elasticsearch client.
package docstreamtest

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is a stored document.
type Document struct {
	Index   string
	ID      string
	Routing string
	Source  jsoniter.RawMessage
}

// Rejection describes a bulk item failure returned for one document.
type Rejection struct {
	Status int
	Type   string
	Reason string
}

// Cluster is an in-memory Elasticsearch cluster. Documents are kept per
// index in insertion order, and scrolls return them in that order.
//
// The exported hook fields must be set before the first request.
type Cluster struct {
	// BulkFault is called for every bulk request with the sequence number
	// of its distinct body (0 for the first body seen) and the number of
	// times this body has been received. A non-zero status fails the whole
	// request with that status.
	BulkFault func(seq, attempt int) int

	// ApplyBeforeFault applies the items of a faulted bulk request before
	// failing it, as when a connection drops after the cluster handled it.
	ApplyBeforeFault bool

	// RejectDocument is called for every bulk item. A non-nil Rejection
	// fails the item without storing it.
	RejectDocument func(doc Document) *Rejection

	// BulkDelay delays every bulk response.
	BulkDelay time.Duration

	// ExpireScrollAfter makes scroll continuations fail with a missing
	// search context once this many continuation pages have been served.
	// Zero disables expiry.
	ExpireScrollAfter int

	// FailShardsOnPage makes the scroll page with this 1-based number
	// report a failed shard. Zero disables shard failures.
	FailShardsOnPage int

	mu        sync.Mutex
	indices   map[string]*index
	scrolls   map[string]*scroll
	nextID    int
	bodies    map[uint64]*bodyStat
	refreshed []string

	bulkRequests   atomic.Int64
	bulkInflight   atomic.Int64
	maxInflight    atomic.Int64
	maxBulkItems   atomic.Int64
	clearedScrolls atomic.Int64

	handler http.Handler
	server  *httptest.Server
}

type index struct {
	ids  []string
	docs map[string]Document
}

type scroll struct {
	docs  []Document
	pos   int
	size  int
	pages int
}

type bodyStat struct {
	seq      int
	attempts int
}

// NewCluster starts a Cluster. It is closed via t.Cleanup.
func NewCluster(t testing.TB) *Cluster {
	c := &Cluster{
		indices: make(map[string]*index),
		scrolls: make(map[string]*scroll),
		bodies:  make(map[uint64]*bodyStat),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_bulk", c.handleBulk)
	mux.HandleFunc("PUT /_bulk", c.handleBulk)
	mux.HandleFunc("POST /_search/scroll", c.handleScroll)
	mux.HandleFunc("GET /_search/scroll", c.handleScroll)
	mux.HandleFunc("DELETE /_search/scroll", c.handleClearScroll)
	mux.HandleFunc("DELETE /_search/scroll/{id}", c.handleClearScroll)
	mux.HandleFunc("POST /{index}/_search", c.handleSearch)
	mux.HandleFunc("GET /{index}/_search", c.handleSearch)
	mux.HandleFunc("POST /{index}/_refresh", c.handleRefresh)
	c.handler = withProductHeader(mux)
	c.server = httptest.NewServer(c.handler)
	t.Cleanup(c.server.Close)
	return c
}

// ServeHTTP serves a request against the cluster. It allows tests to put
// their own handler in front of the cluster.
func (c *Cluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}

// withProductHeader sets the header go-elasticsearch checks on every
// response.
func withProductHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		h.ServeHTTP(w, r)
	})
}

// URL returns the cluster address.
func (c *Cluster) URL() string {
	return c.server.URL
}

// Client returns a client for the cluster, with client side retries
// disabled.
func (c *Cluster) Client(t testing.TB) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{c.server.URL},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return client
}

// Add stores docs, overwriting documents with the same id.
func (c *Cluster) Add(docs ...Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		c.put(doc)
	}
}

// GenerateDocuments returns n documents for index with ids "1" to "n".
func GenerateDocuments(indexName string, n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = Document{
			Index:  indexName,
			ID:     strconv.Itoa(i + 1),
			Source: jsoniter.RawMessage(fmt.Sprintf(`{"n":%d,"message":"document %d"}`, i+1, i+1)),
		}
	}
	return docs
}

// Documents returns the documents of index in insertion order.
func (c *Cluster) Documents(indexName string) []Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[indexName]
	if !ok {
		return nil
	}
	docs := make([]Document, 0, len(idx.ids))
	for _, id := range idx.ids {
		docs = append(docs, idx.docs[id])
	}
	return docs
}

// Count returns the number of documents in index.
func (c *Cluster) Count(indexName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.indices[indexName]; ok {
		return len(idx.ids)
	}
	return 0
}

// BulkRequests returns the number of bulk requests received.
func (c *Cluster) BulkRequests() int64 {
	return c.bulkRequests.Load()
}

// MaxConcurrentBulkRequests returns the highest number of bulk requests
// handled at once.
func (c *Cluster) MaxConcurrentBulkRequests() int64 {
	return c.maxInflight.Load()
}

// MaxBulkItems returns the highest number of items in one bulk request.
func (c *Cluster) MaxBulkItems() int64 {
	return c.maxBulkItems.Load()
}

// OpenScrolls returns the number of scroll contexts not yet cleared.
func (c *Cluster) OpenScrolls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scrolls)
}

// Refreshed returns the index expressions of every refresh request.
func (c *Cluster) Refreshed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.refreshed)
}

func (c *Cluster) put(doc Document) {
	idx, ok := c.indices[doc.Index]
	if !ok {
		idx = &index{docs: make(map[string]Document)}
		c.indices[doc.Index] = idx
	}
	if doc.ID == "" {
		c.nextID++
		doc.ID = "auto-" + strconv.Itoa(c.nextID)
	}
	if _, exists := idx.docs[doc.ID]; !exists {
		idx.ids = append(idx.ids, doc.ID)
	}
	idx.docs[doc.ID] = doc
}

func (c *Cluster) remove(indexName, id string) bool {
	idx, ok := c.indices[indexName]
	if !ok {
		return false
	}
	if _, ok := idx.docs[id]; !ok {
		return false
	}
	delete(idx.docs, id)
	idx.ids = slices.DeleteFunc(idx.ids, func(v string) bool { return v == id })
	return true
}

type bulkAction struct {
	Index   string `json:"_index"`
	ID      string `json:"_id"`
	Routing string `json:"routing"`
}

type bulkItem struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Result string         `json:"result,omitempty"`
	Error  *bulkItemError `json:"error,omitempty"`
}

type bulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (c *Cluster) handleBulk(w http.ResponseWriter, r *http.Request) {
	c.bulkRequests.Add(1)
	n := c.bulkInflight.Add(1)
	defer c.bulkInflight.Add(-1)
	storeMax(&c.maxInflight, n)

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	if c.BulkDelay > 0 {
		time.Sleep(c.BulkDelay)
	}
	var faultStatus int
	if c.BulkFault != nil {
		faultStatus = c.BulkFault(c.recordBody(body))
		if faultStatus != 0 && !c.ApplyBeforeFault {
			writeError(w, faultStatus, "es_rejected_execution_exception", "injected fault")
			return
		}
	}

	var items []map[string]bulkItem
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(nil, 16<<20)
	for scanner.Scan() {
		var meta map[string]bulkAction
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || len(meta) != 1 {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception", "malformed action line")
			return
		}
		var actionType string
		var action bulkAction
		for actionType, action = range meta {
		}
		doc := Document{Index: action.Index, ID: action.ID, Routing: action.Routing}
		if actionType != "delete" {
			if !scanner.Scan() {
				writeError(w, http.StatusBadRequest, "illegal_argument_exception", "expected source")
				return
			}
			doc.Source = append(jsoniter.RawMessage{}, scanner.Bytes()...)
			if !json.Valid(doc.Source) {
				writeError(w, http.StatusBadRequest, "illegal_argument_exception", "invalid source")
				return
			}
		}
		items = append(items, map[string]bulkItem{actionType: c.apply(actionType, doc)})
	}
	storeMax(&c.maxBulkItems, int64(len(items)))
	if faultStatus != 0 {
		writeError(w, faultStatus, "es_rejected_execution_exception", "injected fault")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": false, "items": items})
}

// recordBody returns the sequence number of body and the number of times it
// has been received.
func (c *Cluster) recordBody(body []byte) (int, int) {
	h := fnv.New64a()
	h.Write(body)
	sum := h.Sum64()
	c.mu.Lock()
	defer c.mu.Unlock()
	stat, ok := c.bodies[sum]
	if !ok {
		stat = &bodyStat{seq: len(c.bodies)}
		c.bodies[sum] = stat
	}
	stat.attempts++
	return stat.seq, stat.attempts
}

func (c *Cluster) apply(actionType string, doc Document) bulkItem {
	item := bulkItem{Index: doc.Index, ID: doc.ID}
	if c.RejectDocument != nil {
		if rej := c.RejectDocument(doc); rej != nil {
			item.Status = rej.Status
			item.Error = &bulkItemError{Type: rej.Type, Reason: rej.Reason}
			return item
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch actionType {
	case "index":
		if doc.ID == "" {
			c.nextID++
			doc.ID = "auto-" + strconv.Itoa(c.nextID)
			item.ID = doc.ID
		}
		item.Status, item.Result = http.StatusCreated, "created"
		if idx, ok := c.indices[doc.Index]; ok {
			if _, exists := idx.docs[doc.ID]; exists {
				item.Status, item.Result = http.StatusOK, "updated"
			}
		}
		c.put(doc)
	case "create":
		if idx, ok := c.indices[doc.Index]; ok && doc.ID != "" {
			if _, exists := idx.docs[doc.ID]; exists {
				item.Status = http.StatusConflict
				item.Error = &bulkItemError{
					Type:   "version_conflict_engine_exception",
					Reason: fmt.Sprintf("[%s]: version conflict, document already exists", doc.ID),
				}
				return item
			}
		}
		if doc.ID == "" {
			c.nextID++
			doc.ID = "auto-" + strconv.Itoa(c.nextID)
			item.ID = doc.ID
		}
		item.Status, item.Result = http.StatusCreated, "created"
		c.put(doc)
	case "delete":
		if c.remove(doc.Index, doc.ID) {
			item.Status, item.Result = http.StatusOK, "deleted"
		} else {
			item.Status, item.Result = http.StatusNotFound, "not_found"
		}
	default:
		item.Status = http.StatusBadRequest
		item.Error = &bulkItemError{Type: "illegal_argument_exception", Reason: "unknown action " + actionType}
	}
	return item
}

type searchRequest struct {
	Query jsoniter.RawMessage `json:"query"`
	Size  *int                `json:"size"`
}

type scrollRequest struct {
	ScrollID string `json:"scroll_id"`
}

func (c *Cluster) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scroll") == "" {
		writeError(w, http.StatusBadRequest, "illegal_argument_exception", "only scroll searches are supported")
		return
	}
	var req searchRequest
	body, err := readBody(r)
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	size := 10
	if req.Size != nil {
		size = *req.Size
	}
	match, err := newMatcher(req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parsing_exception", err.Error())
		return
	}

	c.mu.Lock()
	var docs []Document
	names := c.matchIndices(r.PathValue("index"))
	if names == nil {
		c.mu.Unlock()
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+r.PathValue("index")+"]")
		return
	}
	for _, name := range names {
		idx := c.indices[name]
		for _, id := range idx.ids {
			if doc := idx.docs[id]; match(doc) {
				docs = append(docs, doc)
			}
		}
	}
	c.nextID++
	id := "scroll-" + strconv.Itoa(c.nextID)
	s := &scroll{docs: docs, size: size}
	c.scrolls[id] = s
	page := c.page(id, s)
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, page)
}

func (c *Cluster) handleScroll(w http.ResponseWriter, r *http.Request) {
	var req scrollRequest
	body, err := readBody(r)
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	c.mu.Lock()
	s, ok := c.scrolls[req.ScrollID]
	if ok && c.ExpireScrollAfter > 0 && s.pages-1 >= c.ExpireScrollAfter {
		delete(c.scrolls, req.ScrollID)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		writeError(w, http.StatusNotFound, "search_context_missing_exception", "No search context found for id ["+req.ScrollID+"]")
		return
	}
	page := c.page(req.ScrollID, s)
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, page)
}

func (c *Cluster) handleClearScroll(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.PathValue("id"), ",")
	if r.PathValue("id") == "" {
		var req struct {
			ScrollID any `json:"scroll_id"`
		}
		body, _ := readBody(r)
		if len(body) > 0 && json.Unmarshal(body, &req) == nil {
			switch v := req.ScrollID.(type) {
			case string:
				ids = []string{v}
			case []any:
				ids = ids[:0]
				for _, id := range v {
					ids = append(ids, fmt.Sprint(id))
				}
			}
		}
	}
	c.mu.Lock()
	freed := 0
	for _, id := range ids {
		if _, ok := c.scrolls[id]; ok {
			delete(c.scrolls, id)
			freed++
		}
	}
	c.mu.Unlock()
	c.clearedScrolls.Add(int64(freed))
	status := http.StatusOK
	if freed == 0 {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"succeeded": freed > 0, "num_freed": freed})
}

func (c *Cluster) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.refreshed = append(c.refreshed, r.PathValue("index"))
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"_shards": map[string]int{"total": 1, "successful": 1, "failed": 0},
	})
}

// page returns the next page of s. c.mu must be held.
func (c *Cluster) page(id string, s *scroll) map[string]any {
	s.pages++
	end := min(s.pos+s.size, len(s.docs))
	hits := make([]map[string]any, 0, end-s.pos)
	for _, doc := range s.docs[s.pos:end] {
		hit := map[string]any{
			"_index":  doc.Index,
			"_id":     doc.ID,
			"_score":  nil,
			"_source": doc.Source,
			"sort":    []int{s.pos},
		}
		if doc.Routing != "" {
			hit["_routing"] = doc.Routing
		}
		hits = append(hits, hit)
	}
	s.pos = end
	shards := map[string]any{"total": 1, "successful": 1, "skipped": 0, "failed": 0}
	if c.FailShardsOnPage > 0 && s.pages == c.FailShardsOnPage {
		shards = map[string]any{
			"total": 2, "successful": 1, "skipped": 0, "failed": 1,
			"failures": []map[string]any{{
				"shard": 1,
				"index": "",
				"reason": map[string]string{
					"type":   "node_disconnected_exception",
					"reason": "injected shard failure",
				},
			}},
		}
	}
	return map[string]any{
		"_scroll_id": id,
		"took":       1,
		"timed_out":  false,
		"_shards":    shards,
		"hits": map[string]any{
			"total": map[string]any{"value": len(s.docs), "relation": "eq"},
			"hits":  hits,
		},
	}
}

// matchIndices resolves a comma separated index expression with trailing
// wildcards. It returns nil if a concrete index does not exist. c.mu must
// be held.
func (c *Cluster) matchIndices(expr string) []string {
	names := make([]string, 0, len(c.indices))
	for name := range c.indices {
		names = append(names, name)
	}
	slices.Sort(names)
	var matched []string
	for _, part := range strings.Split(expr, ",") {
		switch {
		case part == "_all" || part == "*":
			matched = append(matched, names...)
		case strings.HasSuffix(part, "*"):
			prefix := strings.TrimSuffix(part, "*")
			for _, name := range names {
				if strings.HasPrefix(name, prefix) {
					matched = append(matched, name)
				}
			}
		default:
			if _, ok := c.indices[part]; !ok {
				return nil
			}
			matched = append(matched, part)
		}
	}
	slices.Sort(matched)
	return slices.Compact(append([]string{}, matched...))
}

// newMatcher supports match_all and ids queries.
func newMatcher(query jsoniter.RawMessage) (func(Document) bool, error) {
	if len(query) == 0 {
		return func(Document) bool { return true }, nil
	}
	var q struct {
		MatchAll *struct{} `json:"match_all"`
		IDs      *struct {
			Values []string `json:"values"`
		} `json:"ids"`
	}
	if err := json.Unmarshal(query, &q); err != nil {
		return nil, err
	}
	switch {
	case q.MatchAll != nil:
		return func(Document) bool { return true }, nil
	case q.IDs != nil:
		return func(doc Document) bool { return slices.Contains(q.IDs.Values, doc.ID) }, nil
	}
	return nil, fmt.Errorf("unsupported query %s", query)
}

func readBody(r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		body = gz
	}
	return io.ReadAll(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, reason string) {
	cause := map[string]any{"type": errType, "reason": reason}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"root_cause": []any{cause},
			"type":       errType,
			"reason":     reason,
		},
		"status": status,
	})
}

func storeMax(m *atomic.Int64, v int64) {
	for {
		cur := m.Load()
		if v <= cur || m.CompareAndSwap(cur, v) {
			return
		}
	}
}

// NewMockElasticsearchClient returns a client which sends every request to
// handler, wrapped to conform with go-elasticsearch product checking. The
// server is closed via t.Cleanup.
func NewMockElasticsearchClient(t testing.TB, handler http.HandlerFunc) *elasticsearch.Client {
	srv := httptest.NewServer(withProductHeader(handler))
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{srv.URL},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return client
}

// WriteError writes an Elasticsearch error response.
func WriteError(w http.ResponseWriter, status int, errType, reason string) {
	writeError(w, status, errType, reason)
}
