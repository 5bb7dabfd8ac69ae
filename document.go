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
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
)

// Document is a single stored document. Source is carried through untouched,
// apart from compaction of embedded newlines when it is written as a line.
type Document struct {
	Index   string
	ID      string
	Routing string
	Source  []byte
}

// Batch is the unit of one network operation. A batch is never split or
// merged once handed to the Engine.
type Batch []Document

// Bytes returns the summed size of the document sources in b.
func (b Batch) Bytes() int {
	var n int
	for _, doc := range b {
		n += len(doc.Source)
	}
	return n
}

// documentLine is the shape of both a search hit and an NDJSON stream line.
// Query-only hit fields such as _score and sort are dropped by omission.
type documentLine struct {
	Index   string              `json:"_index"`
	ID      string              `json:"_id"`
	Routing string              `json:"_routing"`
	Source  jsoniter.RawMessage `json:"_source"`
}

func (l documentLine) document() Document {
	return Document{
		Index:   l.Index,
		ID:      l.ID,
		Routing: l.Routing,
		Source:  []byte(l.Source),
	}
}

// appendDocumentLine encodes doc as a single NDJSON line, newline included.
func appendDocumentLine(w *fastjson.Writer, doc Document) {
	w.RawString(`{"_index":`)
	w.String(doc.Index)
	if doc.ID != "" {
		w.RawString(`,"_id":`)
		w.String(doc.ID)
	}
	if doc.Routing != "" {
		w.RawString(`,"_routing":`)
		w.String(doc.Routing)
	}
	w.RawString(`,"_source":`)
	if len(doc.Source) == 0 {
		w.RawString("null")
	} else {
		w.RawBytes(compactSource(doc.Source))
	}
	w.RawString("}\n")
}

// compactSource returns src unchanged unless it contains a newline, which
// would break the line-per-document framing of the stream and bulk formats.
func compactSource(src []byte) []byte {
	if bytes.IndexByte(src, '\n') < 0 {
		return src
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, src); err != nil {
		return src
	}
	return buf.Bytes()
}
