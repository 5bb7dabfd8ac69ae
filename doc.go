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

// Package docstream moves documents between an Elasticsearch cluster and a
// newline-delimited JSON byte stream, in either direction.
//
// Export opens a scroll over one or more indices and writes every hit as one
// JSON line, preserving the scroll order. Import reads JSON lines, groups them
// into batches and issues concurrent _bulk requests, retrying transient
// failures per document or per batch.
//
// Both directions are driven by the same Engine, which bounds the number of
// in-flight batches and surfaces the first fatal error once all dispatched
// work has been accounted for.
package docstream
