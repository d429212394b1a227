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
	"time"

	"github.com/cenkalti/backoff"
)

// networkRetries bounds the repetitions of a failed manifest poll or block fetch.
const networkRetries = 3

func backoffPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retry runs op until it succeeds, up to retries more times while it fails with one of the
// retryable statuses. Other failures and the end of ctx stop it at once.
func retry(ctx context.Context, retries uint64, op func() error, retryable ...Status) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoffPolicy(), retries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		status := StatusOf(err)
		for _, s := range retryable {
			if s == status {
				return err
			}
		}
		return backoff.Permanent(err)
	}, b)
}
