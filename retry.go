// Copyright 2026 The Poolvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poolvisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	DefaultRetries = 3
	DefaultExpRate = 2
)

// Retrier holds the policy for Retry.  With ExpRate zero, failed attempts
// are retried immediately.  Otherwise the pause after attempt i (counting
// from one) is ExpRate^i seconds.
type Retrier struct {
	Attempts int
	ExpRate  float64
	Logger   hclog.Logger

	// Sleep pauses between attempts.  It must return early with an error
	// when the context is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier returns the retry policy used for respawning workers.
func NewRetrier(attempts int, expBackoff bool) *Retrier {
	r := &Retrier{Attempts: attempts}
	if expBackoff {
		r.ExpRate = DefaultExpRate
	}
	return r
}

// Delay is the pause that follows the given failed attempt.
func (r *Retrier) Delay(attempt int) time.Duration {
	if r.ExpRate <= 0 {
		return 0
	}
	return time.Duration(math.Pow(r.ExpRate, float64(attempt)) * float64(time.Second))
}

func (r *Retrier) logger() hclog.Logger {
	if r.Logger == nil {
		return hclog.NewNullLogger()
	}
	return r.Logger
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error so that Retry gives up at once and returns the
// wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds or the attempt budget runs out.  Failed
// attempts are logged, not returned; when every attempt fails the result
// wraps ErrRetryExhausted along with the last failure.
func Retry[T any](ctx context.Context, r *Retrier, desc string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var last error
	for i := 1; i <= attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			r.logger().Debug("giving up", "op", desc, "attempt", i, "error", perm.err)
			return zero, perm.err
		}
		last = err
		r.logger().Error("attempt failed", "op", desc, "attempt", i, "of", attempts, "error", err)
		if i == attempts {
			break
		}
		if d := r.Delay(i); d > 0 {
			if err := sleep(ctx, d); err != nil {
				return zero, err
			}
		} else if err := ctx.Err(); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s: %w after %d attempts: %w", desc, ErrRetryExhausted, attempts, last)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
