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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig holds the exponential backoff used between retries.
type RetryConfig struct {
	// InitialInterval is the delay before the first retry.
	//
	// If InitialInterval is zero, the default of 500ms will be used.
	InitialInterval time.Duration

	// MaxInterval caps the delay between two retries.
	//
	// If MaxInterval is zero, the default of 30 seconds will be used.
	MaxInterval time.Duration

	// Multiplier is applied to the delay after every retry.
	//
	// If Multiplier is less than 1, the default of 2 will be used.
	Multiplier float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.Reset()
	return b
}

// sleepContext blocks for d, or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// retryableRequestError reports whether a failed request may be sent again:
// connection level errors and server side statuses, but never cancellation.
func retryableRequestError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrProtocol) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode == http.StatusTooManyRequests || remote.StatusCode >= 500
	}
	return true
}
