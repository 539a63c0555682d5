/*
Copyright The MongoDB Backup System Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package robustify wraps operations in a bounded, fixed-interval retry loop
// driven by the retry classifier.
package robustify

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
)

// Options configures a retry loop
type Options struct {
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts uint
	// Interval is the fixed delay between attempts
	Interval time.Duration
	// RetryIf decides whether an attempt's error is worth retrying.
	// Defaults to mbserrors.IsRetriable.
	RetryIf func(error) bool
}

// Do runs fn under the retry policy. The error of the last attempt is
// returned once attempts are exhausted or a non-retriable error is hit.
func Do(ctx context.Context, opts Options, fn func() error) error {
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = mbserrors.IsRetriable
	}

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(opts.MaxAttempts),
		retry.Delay(opts.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warning("retrying after retriable error",
				"attempt", attempt+1, "maxAttempts", opts.MaxAttempts, "error", err.Error())
		}),
	)
}
