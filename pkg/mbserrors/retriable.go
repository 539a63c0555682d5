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

package mbserrors

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/anthrax3/mongodb-backup-system/pkg/log"
)

// IsConnectionException reports whether the error looks like a transient
// network-level failure talking to the database
func IsConnectionException(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"timed out", "refused", "reset", "broken pipe", "Broken pipe", "closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isCloudThrottle reports whether the error is a cloud SDK response worth
// retrying: a 503, or concurrent tag mutation on EC2 resources.
func isCloudThrottle(err error) bool {
	var httpErr interface{ HTTPStatusCode() int }
	if errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 503 {
		return true
	}
	return strings.Contains(err.Error(), "ConcurrentTagAccess")
}

// IsRetriable reports whether re-executing the failed operation has a
// reasonable chance of success
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var dumpErr *DumpError
	if errors.As(err, &dumpErr) {
		return dumpErr.Retriable()
	}

	var marker retriable
	if errors.As(err, &marker) {
		return true
	}

	return IsConnectionException(err) || isCloudThrottle(err)
}

// RaiseIfNotRetriable logs and swallows retriable errors so the caller can
// retry; non-retriable errors are returned unchanged.
func RaiseIfNotRetriable(err error) error {
	if IsRetriable(err) {
		log.Warning("caught a retriable error", "error", err.Error())
		return nil
	}
	return err
}
