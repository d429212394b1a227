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
	"sync"
	"time"

	"github.com/CovenantSQL/briefcase/utils/log"
)

const prefetchRetries = 3

// PrefetchStatus is a snapshot of a prefetch.
type PrefetchStatus struct {
	Status  Status
	Message string
	// Outstanding is the number of fetches in flight.
	Outstanding int
	// Demand is the number of blocks not yet requested.
	Demand int
	Done   int
}

// Complete reports whether every block was fetched.
func (s PrefetchStatus) Complete() bool {
	return s.Status == OK && s.Outstanding == 0 && s.Demand == 0
}

// Prefetch fetches blocks of a database ahead of demand. Reads of a block being prefetched
// wait for the in-flight fetch instead of issuing another one.
type Prefetch struct {
	Database string
	// OnBlock is called with the index of every fetched block. It is never called once Stop
	// returned and must not call Stop itself.
	OnBlock func(index int)

	container *Container
	cache     *Cache
	indexes   []int
	names     []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	next        int
	limit       int
	timeout     time.Duration
	outstanding int
	done        int
	err         error
	stopped     bool

	cbLock    sync.Mutex
	cbStopped bool
}

func newPrefetch(c *Container, cache *Cache, db string, indexes []int, names []string) *Prefetch {
	p := &Prefetch{
		Database:  db,
		container: c,
		cache:     cache,
		indexes:   indexes,
		names:     names,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *Prefetch) snapshot() PrefetchStatus {
	s := PrefetchStatus{
		Status:      OK,
		Outstanding: p.outstanding,
		Demand:      len(p.names) - p.next,
		Done:        p.done,
	}
	switch {
	case p.stopped:
		s.Status, s.Message = Stopped, "prefetch was stopped"
	case p.err != nil:
		s.Status, s.Message = StatusOf(p.err), p.err.Error()
	}
	return s
}

// Run starts up to nRequests concurrent fetches, each bounded by timeout, and returns
// without waiting for them. A failure of an earlier fetch is returned by the next Run.
func (p *Prefetch) Run(nRequests int, timeout time.Duration) (PrefetchStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return p.snapshot(), newResult(Stopped, "prefetch of %s was stopped", p.Database)
	}
	if p.err != nil {
		return p.snapshot(), p.err
	}
	if nRequests <= 0 {
		return p.snapshot(), newResult(InvalidArgument, "prefetch needs at least one request, got %d", nRequests)
	}
	if timeout <= 0 {
		timeout = p.cache.cfg.NetworkTimeout
	}
	p.limit, p.timeout = nRequests, timeout
	for p.outstanding < p.limit && p.next < len(p.names) {
		pos := p.next
		p.next++
		p.outstanding++
		p.wg.Add(1)
		go p.worker(pos)
	}
	return p.snapshot(), nil
}

// Status returns a snapshot without starting fetches.
func (p *Prefetch) Status() PrefetchStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

func (p *Prefetch) worker(pos int) {
	defer p.wg.Done()
	for {
		err := p.fetch(pos)
		if err == nil {
			p.notify(p.indexes[pos])
		}

		p.mu.Lock()
		p.outstanding--
		if err != nil {
			if p.err == nil && !p.stopped {
				p.err = err
				log.WithError(err).WithFields(log.Fields{
					"database": p.Database,
					"block":    p.indexes[pos],
				}).Warning("prefetch failed")
			}
			p.mu.Unlock()
			return
		}
		p.done++
		if p.stopped || p.err != nil || p.next >= len(p.names) || p.outstanding >= p.limit {
			p.mu.Unlock()
			return
		}
		pos = p.next
		p.next++
		p.outstanding++
		p.mu.Unlock()
	}
}

// fetch reads a block through the cache. The cache retries transport failures itself, so
// only waits which outlive the prefetch timeout are repeated here.
func (p *Prefetch) fetch(pos int) error {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	return retry(p.ctx, prefetchRetries, func() error {
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()
		_, err := p.cache.get(ctx, p.container.Props, p.names[pos])
		return err
	}, Timeout)
}

func (p *Prefetch) notify(index int) {
	p.cbLock.Lock()
	defer p.cbLock.Unlock()
	if !p.cbStopped && p.OnBlock != nil {
		p.OnBlock(index)
	}
}

// Stop cancels the outstanding fetches and waits for them. It is safe to call while fetches
// are in flight and more than once.
func (p *Prefetch) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cbLock.Lock()
	p.cbStopped = true
	p.cbLock.Unlock()

	p.cancel()
	p.wg.Wait()
	p.container.forget(p)
}
