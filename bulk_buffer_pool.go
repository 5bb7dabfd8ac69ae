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
	"fmt"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// bulkBuffer holds one encoded _bulk request body.
type bulkBuffer struct {
	buf          bytes.Buffer
	jsonw        fastjson.Writer
	writer       io.Writer
	gzipw        *gzip.Writer
	items        int
	uncompressed int
}

func newBulkBuffer(compressionLevel int) *bulkBuffer {
	b := &bulkBuffer{}
	if compressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, compressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b
}

func (b *bulkBuffer) reset() {
	b.items = 0
	b.uncompressed = 0
	b.buf.Reset()
	b.jsonw.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// add encodes the action line for doc and, unless action is a delete, the
// document source line.
func (b *bulkBuffer) add(action Action, index string, doc Document) error {
	b.jsonw.RawString(`{"`)
	b.jsonw.RawString(string(action))
	b.jsonw.RawString(`":{"_index":`)
	b.jsonw.String(index)
	if doc.ID != "" {
		b.jsonw.RawString(`,"_id":`)
		b.jsonw.String(doc.ID)
	}
	if doc.Routing != "" {
		b.jsonw.RawString(`,"routing":`)
		b.jsonw.String(doc.Routing)
	}
	b.jsonw.RawString("}}\n")
	if action != ActionDelete {
		b.jsonw.RawBytes(compactSource(doc.Source))
		b.jsonw.RawByte('\n')
	}
	n, err := b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
	if err != nil {
		return fmt.Errorf("failed to write bulk item: %w", err)
	}
	b.uncompressed += n
	b.items++
	return nil
}

// finish flushes any compressed state; the buffer is ready to be sent.
func (b *bulkBuffer) finish() error {
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}
	return nil
}

// bulkBufferPool leases at most size bulkBuffers at a time, which bounds the
// memory held by encoded requests to roughly size times the batch size.
// Get blocks until a buffer is returned with Put.
type bulkBufferPool struct {
	slots  chan struct{}
	free   chan *bulkBuffer
	leased atomic.Int64

	compressionLevel int
}

func newBulkBufferPool(size, compressionLevel int) *bulkBufferPool {
	return &bulkBufferPool{
		slots:            make(chan struct{}, size),
		free:             make(chan *bulkBuffer, size),
		compressionLevel: compressionLevel,
	}
}

// Get returns an empty buffer, waiting for a slot if all are leased.
func (p *bulkBufferPool) Get(ctx context.Context) (*bulkBuffer, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case p.slots <- struct{}{}:
	}
	p.leased.Add(1)
	select {
	case b := <-p.free:
		return b, nil
	default:
		return newBulkBuffer(p.compressionLevel), nil
	}
}

// Put resets b and releases its slot. b must not be used after Put.
func (p *bulkBufferPool) Put(b *bulkBuffer) {
	if b == nil {
		return
	}
	b.reset()
	select {
	case p.free <- b:
	default:
	}
	p.leased.Add(-1)
	<-p.slots
}

// Leased returns the number of buffers currently in use.
func (p *bulkBufferPool) Leased() int64 {
	return p.leased.Load()
}
