/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cloud

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Status classifies the outcome of a cloud operation. OK is the only success value.
type Status int

const (
	// OK means success.
	OK Status = iota
	// AlreadyConnected means Connect was called on a connected container.
	AlreadyConnected
	// NotConnected means the container has no cache.
	NotConnected
	// Detached means the container was detached and is unusable.
	Detached
	// NotPolled means the manifest was never polled.
	NotPolled
	// NotWriteLocked means a write class operation was attempted without holding the write lock.
	NotWriteLocked
	// LockHeld means another holder owns the write lock.
	LockHeld
	// NotFound means the container, database or block does not exist.
	NotFound
	// AlreadyExists means the target database exists.
	AlreadyExists
	// Conflict means the remote manifest changed since it was polled.
	Conflict
	// Timeout means a network call exceeded its deadline.
	Timeout
	// NetworkError means the transport failed.
	NetworkError
	// Stopped means the operation was cancelled by Stop or Disconnect.
	Stopped
	// InvalidArgument means a malformed request.
	InvalidArgument
	// InUse means a resource is still referenced.
	InUse
	// Unauthorized means the access token was rejected.
	Unauthorized
	// IOError means a local storage failure or corrupted content.
	IOError
)

var statusNames = [...]string{
	OK:               "OK",
	AlreadyConnected: "AlreadyConnected",
	NotConnected:     "NotConnected",
	Detached:         "Detached",
	NotPolled:        "NotPolled",
	NotWriteLocked:   "NotWriteLocked",
	LockHeld:         "LockHeld",
	NotFound:         "NotFound",
	AlreadyExists:    "AlreadyExists",
	Conflict:         "Conflict",
	Timeout:          "Timeout",
	NetworkError:     "NetworkError",
	Stopped:          "Stopped",
	InvalidArgument:  "InvalidArgument",
	InUse:            "InUse",
	Unauthorized:     "Unauthorized",
	IOError:          "IOError",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus returns the status with the given name, IOError if unknown.
func ParseStatus(name string) Status {
	for i, n := range statusNames {
		if n == name {
			return Status(i)
		}
	}
	return IOError
}

// Result is the error type of every cloud operation. A nil error means OK.
type Result struct {
	Status  Status
	Message string
	cause   error
}

func newResult(status Status, format string, args ...interface{}) *Result {
	return &Result{Status: status, Message: fmt.Sprintf(format, args...)}
}

// wrapResult classifies err under status unless it already carries a status.
func wrapResult(err error, status Status, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if r, ok := errors.Cause(err).(*Result); ok {
		return &Result{Status: r.Status, Message: msg + ": " + r.Message, cause: r}
	}
	switch errors.Cause(err) {
	case context.DeadlineExceeded:
		status = Timeout
	case context.Canceled:
		status = Stopped
	}
	return &Result{Status: status, Message: msg + ": " + err.Error(), cause: err}
}

func (r *Result) Error() string {
	return r.Status.String() + ": " + r.Message
}

// Unwrap returns the underlying error.
func (r *Result) Unwrap() error {
	return r.cause
}

// StatusOf classifies err. nil is OK; errors which are not results count as IOError.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	if r, ok := err.(*Result); ok {
		return r.Status
	}
	if r, ok := errors.Cause(err).(*Result); ok {
		return r.Status
	}
	switch errors.Cause(err) {
	case context.DeadlineExceeded:
		return Timeout
	case context.Canceled:
		return Stopped
	}
	return IOError
}
