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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
	"go.elastic.co/fastjson"
)

const streamBufferSize = 64 * 1024

// ReaderConfig holds configuration for Reader.
type ReaderConfig struct {
	// BatchSize holds the maximum number of documents per batch.
	//
	// If BatchSize is less than or equal to zero, the default of 500 will be used.
	BatchSize int

	// MaxBatchBytes holds the maximum summed source size of a batch. A single
	// document larger than MaxBatchBytes still forms a batch on its own.
	//
	// If MaxBatchBytes is zero, batches are only bounded by BatchSize.
	MaxBatchBytes int

	// RequireIndex rejects lines without an _index.
	RequireIndex bool

	// RequireSource rejects lines without a _source.
	RequireSource bool

	// GenerateIDs assigns a ULID to documents without an _id, so a repeated
	// bulk request overwrites instead of duplicating them.
	GenerateIDs bool
}

// Reader decodes an NDJSON stream into batches. Gzip compressed input is
// detected on the first call to Next and decompressed transparently.
//
// A malformed line is fatal: Next returns a *DecodeError and discards the
// partially read batch, so no document from an ambiguous region of the input
// is ever written.
type Reader struct {
	config ReaderConfig
	src    io.Reader
	r      *bufio.Reader
	line   int
	carry  *Document
	err    error
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader, cfg ReaderConfig) (*Reader, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatchBytes < 0 {
		return nil, fmt.Errorf("invalid MaxBatchBytes %d", cfg.MaxBatchBytes)
	}
	return &Reader{config: cfg, src: r}, nil
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int {
	return r.line
}

// Next returns the next batch, or io.EOF once the stream is exhausted.
func (r *Reader) Next(ctx context.Context) (Batch, error) {
	if r.err != nil && r.carry == nil {
		return nil, r.err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if r.r == nil {
		// Detection peeks at the input, so it waits for the first call to
		// Next rather than blocking NewReader on an idle stream.
		br, err := decompressReader(r.src)
		if err != nil {
			r.err = err
			return nil, err
		}
		r.r = br
	}
	var batch Batch
	var size int
	if r.carry != nil {
		batch = append(batch, *r.carry)
		size = len(r.carry.Source)
		r.carry = nil
	}
	for r.err == nil && len(batch) < r.config.BatchSize {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.err = io.EOF
				break
			}
			r.err = fmt.Errorf("failed to read line %d: %w", r.line+1, err)
			return nil, r.err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		doc, err := r.decode(line)
		if err != nil {
			r.err = &DecodeError{Line: r.line, Err: err}
			return nil, r.err
		}
		if r.config.MaxBatchBytes > 0 && len(batch) > 0 && size+len(doc.Source) > r.config.MaxBatchBytes {
			r.carry = &doc
			break
		}
		batch = append(batch, doc)
		size += len(doc.Source)
	}
	if len(batch) == 0 {
		return nil, r.err
	}
	return batch, nil
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.r.ReadBytes('\n')
	if len(line) == 0 {
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	r.line++
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, nil
}

func (r *Reader) decode(line []byte) (Document, error) {
	var l documentLine
	if err := jsoniter.Unmarshal(line, &l); err != nil {
		return Document{}, err
	}
	if len(l.Source) == 0 || bytes.Equal(l.Source, []byte("null")) {
		if r.config.RequireSource {
			return Document{}, errMissingSource
		}
		l.Source = nil
	} else if l.Source[0] != '{' {
		return Document{}, errors.New("_source is not an object")
	}
	if r.config.RequireIndex && l.Index == "" {
		return Document{}, errMissingIndex
	}
	doc := l.document()
	if doc.ID == "" && r.config.GenerateIDs {
		doc.ID = ulid.Make().String()
	}
	return doc, nil
}

// decompressReader wraps r with a gzip reader when the stream starts with
// the gzip magic bytes.
func decompressReader(r io.Reader) (*bufio.Reader, error) {
	br := bufio.NewReaderSize(r, streamBufferSize)
	magic, err := br.Peek(2)
	if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
		return br, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return bufio.NewReaderSize(gz, streamBufferSize), nil
}

// Writer encodes batches as NDJSON, one document per line, in the order
// received. Writer is not safe for concurrent use; the Engine serializes
// access to it.
type Writer struct {
	w     *bufio.Writer
	jsonw fastjson.Writer
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, streamBufferSize)}
}

// WriteBatch writes every document of batch and flushes the underlying
// stream, so a batch is never left half buffered.
func (w *Writer) WriteBatch(batch Batch) error {
	for _, doc := range batch {
		appendDocumentLine(&w.jsonw, doc)
		_, err := w.w.Write(w.jsonw.Bytes())
		w.jsonw.Reset()
		if err != nil {
			return fmt.Errorf("failed to write document: %w", err)
		}
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// Consume implements Consumer.
func (w *Writer) Consume(_ context.Context, batch Batch) (BatchOutcome, error) {
	if err := w.WriteBatch(batch); err != nil {
		return BatchOutcome{Failed: int64(len(batch))}, err
	}
	return BatchOutcome{Succeeded: int64(len(batch))}, nil
}
