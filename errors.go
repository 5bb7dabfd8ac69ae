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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCursorExpired is returned when the server no longer knows the scroll
	// context, typically because it was not renewed within its keep-alive.
	ErrCursorExpired = errors.New("scroll context expired")

	// ErrInterrupted is returned when a run was stopped by its context before
	// the producer was exhausted.
	ErrInterrupted = errors.New("transfer interrupted")

	// ErrEngineUsed is returned when Run is called more than once.
	ErrEngineUsed = errors.New("engine already started")

	// ErrProtocol wraps responses that could not be understood. Such a
	// response is never retried.
	ErrProtocol = errors.New("unexpected response")

	errMissingIndex  = errors.New("missing index name")
	errMissingSource = errors.New("missing document source")
	errMissingID     = errors.New("missing document id")
)

// RemoteError is returned for any non-2xx response from Elasticsearch.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("elasticsearch returned %d: %s", e.StatusCode, e.Body)
}

// DecodeError reports a malformed line in an input stream. Line is 1-based.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ShardFailureError is returned when a scroll page was only partially served.
// Continuing would silently drop the documents held by the failed shards.
type ShardFailureError struct {
	Failed  int
	Reasons []string
}

func (e *ShardFailureError) Error() string {
	return fmt.Sprintf("%d shards failed: %s", e.Failed, strings.Join(e.Reasons, "; "))
}

// BatchError is returned by Sink.Write when the whole bulk request failed,
// after Attempts requests.
type BatchError struct {
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("bulk request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
