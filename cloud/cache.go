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

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/CovenantSQL/briefcase/utils/log"
)

const (
	// DefaultMaxBlocks is the default number of clean blocks kept by a cache.
	DefaultMaxBlocks = 1024
	// DefaultNetworkTimeout bounds the on-demand network calls of a cache.
	DefaultNetworkTimeout = 30 * time.Second
	// DefaultUploadConcurrency is the default number of parallel block uploads.
	DefaultUploadConcurrency = 4
)

// CacheConfig configures a cache.
type CacheConfig struct {
	// Dir holds the block store, an empty Dir keeps blocks in memory.
	Dir string `yaml:"Dir"`
	// WorkDir holds the working files of opened databases.
	WorkDir           string        `yaml:"WorkDir"`
	MaxBlocks         int           `yaml:"MaxBlocks"`
	NetworkTimeout    time.Duration `yaml:"NetworkTimeout"`
	UploadConcurrency int           `yaml:"UploadConcurrency"`
	// BlockSize is the block size of databases created through the cache.
	BlockSize int `yaml:"BlockSize"`
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Blocks    int
	Dirty     int
	Pinned    int
	Hits      uint64
	Fetches   uint64
	Shared    uint64
	Evictions uint64
}

type fetchCall struct {
	name    string
	done    chan struct{}
	data    []byte
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Cache owns the local block store and the transport shared by every container connected
// through it. Blocks are content addressed, so a block cached for one container serves all
// of them.
type Cache struct {
	cfg       CacheConfig
	transport Transport
	store     *blockStore

	mu         sync.Mutex
	lru        *simplelru.LRU
	pins       map[string]int
	dirty      map[string]int
	calls      map[string]*fetchCall
	containers map[string]*Container
	closed     bool
	stats      CacheStats
	inflight   sync.WaitGroup
}

func (cfg *CacheConfig) applyDefaults() {
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
}

// NewCache opens the block store and rebuilds the eviction order from it. Dirty markers left
// by an interrupted upload are demoted to clean blocks.
func NewCache(cfg CacheConfig, t Transport) (c *Cache, err error) {
	if t == nil {
		return nil, newResult(InvalidArgument, "cache needs a transport")
	}
	if cfg.WorkDir == "" {
		return nil, newResult(InvalidArgument, "cache needs a working directory")
	}
	cfg.applyDefaults()
	c = &Cache{
		cfg:        cfg,
		transport:  t,
		pins:       make(map[string]int),
		dirty:      make(map[string]int),
		calls:      make(map[string]*fetchCall),
		containers: make(map[string]*Container),
	}
	if c.lru, err = simplelru.NewLRU(cfg.MaxBlocks, c.onEvict); err != nil {
		return nil, wrapResult(err, InvalidArgument, "create block index")
	}
	if c.store, err = openBlockStore(cfg.Dir); err != nil {
		return nil, wrapResult(err, IOError, "open cache")
	}

	clean, dirty, err := c.store.scan()
	if err != nil {
		c.store.close()
		return nil, err
	}
	for _, key := range dirty {
		log.WithField("block", key).Warning("demoting block left dirty by an interrupted upload")
		if err = c.store.markClean(key); err != nil {
			c.store.close()
			return nil, err
		}
		clean = append(clean, key)
	}
	c.mu.Lock()
	for _, key := range clean {
		c.lru.Add(key, struct{}{})
	}
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"dir":    cfg.Dir,
		"blocks": len(clean),
	}).Debug("cloud cache opened")
	return
}

// onEvict runs under c.mu for every key leaving the LRU. Pinned and dirty blocks leave the
// LRU without leaving the store.
func (c *Cache) onEvict(key interface{}, _ interface{}) {
	name := key.(string)
	if c.pins[name] > 0 || c.dirty[name] > 0 {
		return
	}
	if err := c.store.delete(name); err != nil {
		log.WithError(err).WithField("block", name).Warning("evict block failed")
		return
	}
	c.stats.Evictions++
}

// track makes a stored block evictable again once nothing references it. Callers hold c.mu.
func (c *Cache) track(name string) {
	if c.pins[name] == 0 && c.dirty[name] == 0 && c.store.has(name) {
		c.lru.Add(name, struct{}{})
	}
}

func (c *Cache) pin(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newResult(NotConnected, "cache is closed")
	}
	c.pins[name]++
	c.lru.Remove(name)
	return nil
}

func (c *Cache) unpin(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[name]--; c.pins[name] <= 0 {
		delete(c.pins, name)
		if !c.closed {
			c.track(name)
		}
	}
}

// get returns a block, fetching it if it is not stored. The block stays pinned while it is
// read from the store or waited for.
func (c *Cache) get(ctx context.Context, p ContainerProps, name string) (data []byte, err error) {
	if err = c.pin(name); err != nil {
		return
	}
	defer c.unpin(name)

	var ok bool
	if data, ok, err = c.store.get(name); err != nil {
		return
	} else if ok {
		c.mu.Lock()
		c.stats.Hits++
		c.mu.Unlock()
		return
	}
	return c.fetch(ctx, p, name)
}

// fetch joins the in-flight fetch of a block or starts one. The fetch itself is bounded by
// the network timeout and is cancelled once every waiter has gone.
func (c *Cache) fetch(ctx context.Context, p ContainerProps, name string) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newResult(NotConnected, "cache is closed")
	}
	call, ok := c.calls[name]
	if ok {
		c.stats.Shared++
	} else {
		fctx, cancel := context.WithTimeout(context.Background(), c.cfg.NetworkTimeout)
		call = &fetchCall{name: name, done: make(chan struct{}), cancel: cancel}
		c.calls[name] = call
		c.stats.Fetches++
		c.inflight.Add(1)
		go c.runFetch(fctx, call, p, name)
	}
	call.waiters++
	c.mu.Unlock()

	select {
	case <-call.done:
		c.leave(call)
		return call.data, call.err
	case <-ctx.Done():
		c.leave(call)
		return nil, wrapResult(ctx.Err(), Timeout, "wait for block %s", name)
	}
}

func (c *Cache) leave(call *fetchCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call.waiters--; call.waiters == 0 {
		call.cancel()
		if c.calls[call.name] == call {
			delete(c.calls, call.name)
		}
	}
}

func (c *Cache) runFetch(ctx context.Context, call *fetchCall, p ContainerProps, name string) {
	defer c.inflight.Done()
	defer call.cancel()

	var data []byte
	err := retry(ctx, networkRetries, func() (err error) {
		if data, err = c.transport.FetchBlock(ctx, p, name); err != nil {
			return wrapResult(err, NetworkError, "fetch block %s of %s", name, p)
		}
		if BlockName(data) != name {
			return newResult(IOError, "block %s of %s failed verification", name, p)
		}
		return nil
	}, NetworkError, Timeout)
	if err == nil {
		err = c.store.put(name, data, false)
	}

	c.mu.Lock()
	if c.calls[name] == call {
		delete(c.calls, name)
	}
	if err == nil && !c.closed {
		c.track(name)
	}
	c.mu.Unlock()

	if err != nil {
		data = nil
		log.WithError(err).WithField("block", name).Debug("block fetch failed")
	}
	call.data, call.err = data, err
	close(call.done)
}

// stage stores a block pending upload. Staged blocks are never evicted.
func (c *Cache) stage(name string, data []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newResult(NotConnected, "cache is closed")
	}
	c.dirty[name]++
	c.lru.Remove(name)
	if err = c.store.put(name, data, true); err != nil {
		c.release(name)
	}
	return
}

// release drops one staging reference of a block. Callers hold c.mu.
func (c *Cache) release(name string) {
	if c.dirty[name]--; c.dirty[name] > 0 {
		return
	}
	delete(c.dirty, name)
	if err := c.store.markClean(name); err != nil {
		log.WithError(err).WithField("block", name).Warning("mark block clean failed")
	}
	c.track(name)
}

// unstage drops the staging references of uploaded or abandoned blocks. The content stays
// cached since it is verified by its name.
func (c *Cache) unstage(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		c.release(name)
	}
}

func (c *Cache) readStored(name string) ([]byte, error) {
	data, ok, err := c.store.get(name)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, newResult(IOError, "staged block %s is missing", name)
	}
	return data, nil
}

func (c *Cache) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.NetworkTimeout)
}

func (c *Cache) acquireLock(ctx context.Context, p ContainerProps, holder string) (string, error) {
	ctx, cancel := c.networkContext(ctx)
	defer cancel()
	token, err := c.transport.AcquireLock(ctx, p, holder)
	if err != nil {
		return "", wrapResult(err, NetworkError, "acquire write lock of %s", p)
	}
	return token, nil
}

func (c *Cache) releaseLock(ctx context.Context, p ContainerProps, token string) error {
	ctx, cancel := c.networkContext(ctx)
	defer cancel()
	return wrapResult(c.transport.ReleaseLock(ctx, p, token), NetworkError, "release write lock of %s", p)
}

// checkLock verifies that token still owns the write lock of a container.
func (c *Cache) checkLock(ctx context.Context, p ContainerProps, token string) error {
	if token == "" {
		return newResult(NotWriteLocked, "write lock of %s is not held", p)
	}
	ctx, cancel := c.networkContext(ctx)
	defer cancel()
	if err := c.transport.CheckLock(ctx, p, token); err != nil {
		return wrapResult(err, NotWriteLocked, "write lock of %s", p)
	}
	return nil
}

func (c *Cache) pollManifest(ctx context.Context, p ContainerProps) (m *Manifest, err error) {
	err = retry(ctx, networkRetries, func() (err error) {
		nctx, cancel := c.networkContext(ctx)
		defer cancel()
		if m, err = c.transport.PollManifest(nctx, p); err != nil {
			return wrapResult(err, NetworkError, "poll manifest of %s", p)
		}
		return nil
	}, NetworkError, Timeout)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// putBlock uploads a staged block after checking the write lock.
func (c *Cache) putBlock(ctx context.Context, p ContainerProps, token, name string) (err error) {
	if err = c.checkLock(ctx, p, token); err != nil {
		return
	}
	data, err := c.readStored(name)
	if err != nil {
		return
	}
	ctx, cancel := c.networkContext(ctx)
	defer cancel()
	return wrapResult(c.transport.PutBlock(ctx, p, token, name, data), NetworkError, "upload block %s", name)
}

// putManifest publishes a manifest after checking the write lock.
func (c *Cache) putManifest(ctx context.Context, p ContainerProps, token string, m *Manifest) (err error) {
	if err = c.checkLock(ctx, p, token); err != nil {
		return
	}
	ctx, cancel := c.networkContext(ctx)
	defer cancel()
	return wrapResult(c.transport.PutManifest(ctx, p, token, m), NetworkError,
		"publish generation %d of %s", m.Generation, p)
}

func (c *Cache) register(ct *Container) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newResult(NotConnected, "cache is closed")
	}
	key := ct.Props.Key()
	if other, ok := c.containers[key]; ok && other != ct {
		return newResult(InUse, "container %s is already connected through this cache", ct.Props)
	}
	c.containers[key] = ct
	return nil
}

func (c *Cache) unregister(ct *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.containers[ct.Props.Key()] == ct {
		delete(c.containers, ct.Props.Key())
	}
}

// Config returns the effective configuration.
func (c *Cache) Config() CacheConfig {
	return c.cfg
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Blocks = c.lru.Len()
	held := make(map[string]bool)
	for name := range c.pins {
		held[name] = true
	}
	for name := range c.dirty {
		held[name] = true
	}
	for name := range held {
		if !c.closed && c.store.has(name) {
			s.Blocks++
		}
	}
	s.Dirty = len(c.dirty)
	s.Pinned = len(c.pins)
	return s
}

// Close closes the block store. Every container must be disconnected or detached first.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if n := len(c.containers); n > 0 {
		c.mu.Unlock()
		return newResult(InUse, "%d containers are still connected", n)
	}
	c.closed = true
	for _, call := range c.calls {
		call.cancel()
	}
	c.mu.Unlock()

	c.inflight.Wait()
	return c.store.close()
}
