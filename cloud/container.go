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
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CovenantSQL/briefcase/utils"
	"github.com/CovenantSQL/briefcase/utils/log"
	"github.com/CovenantSQL/briefcase/utils/timer"
)

const materializeConcurrency = 8

// workFile records the local working file of a database and the blocks it held when it was
// last synchronized with the container.
type workFile struct {
	Database   string
	Path       string
	Blocks     []string
	Generation uint64
	// Published is false for imported databases which were never uploaded.
	Published bool
}

// Container is a handle on one remote container. A handle moves from disconnected to
// connected, optionally holds the write lock, and returns to disconnected. A detached
// handle is unusable.
type Container struct {
	Props ContainerProps

	mu         sync.Mutex
	cache      *Cache
	detached   bool
	manifest   *Manifest
	token      string
	work       map[string]*workFile
	prefetches map[*Prefetch]struct{}
}

// NewContainer returns a disconnected handle.
func NewContainer(props ContainerProps) *Container {
	return &Container{
		Props:      props,
		work:       make(map[string]*workFile),
		prefetches: make(map[*Prefetch]struct{}),
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}

func sameBlocks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func blockNames(chunks [][]byte) (names []string) {
	for _, chunk := range chunks {
		names = append(names, BlockName(chunk))
	}
	return
}

func (c *Container) connected() (*Cache, error) {
	if c.detached {
		return nil, newResult(Detached, "container %s is detached", c.Props)
	}
	if c.cache == nil {
		return nil, newResult(NotConnected, "container %s is not connected", c.Props)
	}
	return c.cache, nil
}

func (c *Container) polled() (*Cache, *Manifest, error) {
	cache, err := c.connected()
	if err != nil {
		return nil, nil, err
	}
	if c.manifest == nil {
		return nil, nil, newResult(NotPolled, "manifest of %s was not polled", c.Props)
	}
	return cache, c.manifest, nil
}

// writable checks the write lock with the remote side before a write class operation.
func (c *Container) writable(ctx context.Context) (*Cache, *Manifest, error) {
	cache, err := c.connected()
	if err != nil {
		return nil, nil, err
	}
	if c.token == "" {
		return nil, nil, newResult(NotWriteLocked, "write lock of %s is not held", c.Props)
	}
	if c.manifest == nil {
		return nil, nil, newResult(NotPolled, "manifest of %s was not polled", c.Props)
	}
	if err = cache.checkLock(ctx, c.Props, c.token); err != nil {
		return nil, nil, err
	}
	return cache, c.manifest, nil
}

func (c *Container) workKey(db string) string {
	return c.Props.Key() + "/" + db
}

func (c *Container) workPath(cache *Cache, db string) string {
	return filepath.Join(cache.cfg.WorkDir, c.Props.AccountName, c.Props.ContainerID, db)
}

func (c *Container) saveWork(cache *Cache, wf *workFile) error {
	buf, err := utils.EncodeMsgPack(wf)
	if err != nil {
		return wrapResult(err, IOError, "encode working file record of %s", wf.Database)
	}
	if err = cache.store.putWork(c.workKey(wf.Database), buf.Bytes()); err != nil {
		return err
	}
	c.work[wf.Database] = wf
	return nil
}

func (c *Container) dropWork(cache *Cache, db string) error {
	wf, ok := c.work[db]
	if !ok {
		return nil
	}
	delete(c.work, db)
	if err := cache.store.deleteWork(c.workKey(db)); err != nil {
		return err
	}
	if err := os.Remove(wf.Path); err != nil && !os.IsNotExist(err) {
		return wrapResult(err, IOError, "remove working file of %s", db)
	}
	return nil
}

// Connect attaches the container to a cache and restores its working file records.
func (c *Container) Connect(cache *Cache) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return newResult(Detached, "container %s is detached", c.Props)
	}
	if c.cache != nil {
		return newResult(AlreadyConnected, "container %s is already connected", c.Props)
	}
	if cache == nil {
		return newResult(InvalidArgument, "connect %s to a nil cache", c.Props)
	}
	if !validName(c.Props.AccountName) || !validName(c.Props.ContainerID) {
		return newResult(InvalidArgument, "invalid container identity %s", c.Props.Key())
	}
	if err = cache.register(c); err != nil {
		return
	}
	records, err := cache.store.scanWork(c.Props.Key() + "/")
	if err != nil {
		cache.unregister(c)
		return
	}
	work := make(map[string]*workFile, len(records))
	for key, data := range records {
		wf := new(workFile)
		if err = utils.DecodeMsgPack(data, wf); err != nil {
			cache.unregister(c)
			return wrapResult(err, IOError, "decode working file record %s", key)
		}
		work[wf.Database] = wf
	}
	c.cache, c.work = cache, work

	log.WithFields(log.Fields{
		"container": c.Props.String(),
		"working":   len(work),
	}).Info("container connected")
	return
}

// takePrefetches detaches the running prefetches so they can be stopped without c.mu held.
func (c *Container) takePrefetches() (ps []*Prefetch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.prefetches {
		ps = append(ps, p)
	}
	return
}

func (c *Container) forget(p *Prefetch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.prefetches, p)
}

// Disconnect stops the prefetches, releases the write lock and detaches from the cache, in
// that order. The handle is disconnected even if releasing the lock fails.
func (c *Container) Disconnect(ctx context.Context) (err error) {
	for _, p := range c.takePrefetches() {
		p.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cache, err := c.connected()
	if err != nil {
		return
	}
	if c.token != "" {
		if err = cache.releaseLock(ctx, c.Props, c.token); err != nil {
			log.WithError(err).WithField("container", c.Props.String()).Warning("release write lock on disconnect failed")
		}
	}
	cache.unregister(c)
	c.cache, c.manifest, c.token = nil, nil, ""
	c.work = make(map[string]*workFile)

	log.WithField("container", c.Props.String()).Info("container disconnected")
	return
}

// Detach severs the container from its cache without releasing the write lock, so that the
// lock can be adopted by another process. The handle is unusable afterwards.
func (c *Container) Detach() error {
	for _, p := range c.takePrefetches() {
		p.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return newResult(Detached, "container %s is detached", c.Props)
	}
	if c.cache != nil {
		c.cache.unregister(c)
	}
	c.cache, c.manifest, c.token = nil, nil, ""
	c.work = make(map[string]*workFile)
	c.detached = true

	log.WithField("container", c.Props.String()).Info("container detached")
	return nil
}

// PollManifest refreshes the view of the remote databases. No block is transferred.
func (c *Container) PollManifest(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, err := c.connected()
	if err != nil {
		return err
	}
	m, err := cache.pollManifest(ctx, c.Props)
	if err != nil {
		return err
	}
	c.manifest = m
	log.WithFields(log.Fields{
		"container":  c.Props.String(),
		"generation": m.Generation,
		"databases":  len(m.Databases),
	}).Debug("manifest polled")
	return nil
}

// Generation returns the generation of the polled manifest.
func (c *Container) Generation() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, m, err := c.polled()
	if err != nil {
		return 0, err
	}
	return m.Generation, nil
}

// HasDatabase reports whether the polled manifest lists db.
func (c *Container) HasDatabase(db string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, m, err := c.polled()
	if err != nil {
		return false, err
	}
	_, ok := m.Databases[db]
	return ok, nil
}

// Databases lists the databases of the polled manifest.
func (c *Container) Databases() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, m, err := c.polled()
	if err != nil {
		return nil, err
	}
	return m.Names(), nil
}

// AcquireWriteLock takes the write lock of the container for holder.
func (c *Container) AcquireWriteLock(ctx context.Context, holder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, err := c.connected()
	if err != nil {
		return err
	}
	token, err := cache.acquireLock(ctx, c.Props, holder)
	if err != nil {
		return err
	}
	c.token = token
	log.WithFields(log.Fields{"container": c.Props.String(), "holder": holder}).Info("write lock acquired")
	return nil
}

// AdoptWriteLock takes over a write lock handed off by a detached container.
func (c *Container) AdoptWriteLock(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, err := c.connected()
	if err != nil {
		return err
	}
	if err = cache.checkLock(ctx, c.Props, token); err != nil {
		return err
	}
	c.token = token
	return nil
}

// ReleaseWriteLock releases the write lock. A lock revoked by the remote side is forgotten
// and reported.
func (c *Container) ReleaseWriteLock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, err := c.connected()
	if err != nil {
		return err
	}
	if c.token == "" {
		return newResult(NotWriteLocked, "write lock of %s is not held", c.Props)
	}
	err = cache.releaseLock(ctx, c.Props, c.token)
	if err == nil || StatusOf(err) == NotWriteLocked {
		c.token = ""
	}
	if err == nil {
		log.WithField("container", c.Props.String()).Info("write lock released")
	}
	return err
}

// HasWriteLock reports whether this handle believes it holds the write lock. Write class
// operations confirm it with the remote side.
func (c *Container) HasWriteLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// WriteLockToken returns the token of the held write lock, empty if none.
func (c *Container) WriteLockToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Container) entry(db string) (*Cache, *DatabaseEntry, error) {
	cache, m, err := c.polled()
	if err != nil {
		return nil, nil, err
	}
	e, ok := m.Databases[db]
	if !ok {
		return nil, nil, newResult(NotFound, "database %s in %s", db, c.Props)
	}
	return cache, e, nil
}

// ReadBlock returns block index of db from the polled manifest. A missing block is fetched,
// joining a prefetch already fetching it.
func (c *Container) ReadBlock(ctx context.Context, db string, index int) ([]byte, error) {
	c.mu.Lock()
	cache, e, err := c.entry(db)
	if err == nil && (index < 0 || index >= len(e.Blocks)) {
		err = newResult(InvalidArgument, "block %d of %s is out of range [0, %d)", index, db, len(e.Blocks))
	}
	var name string
	if err == nil {
		name = e.Blocks[index]
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return cache.get(ctx, c.Props, name)
}

// OpenDatabase brings the working file of db up to date with the polled manifest and returns
// its path. Blocks already present in the working file are not transferred. Local changes
// are kept unless the database also changed remotely, which is a conflict.
func (c *Container) OpenDatabase(ctx context.Context, db string) (path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, m, err := c.polled()
	if err != nil {
		return
	}
	if !validName(db) {
		return "", newResult(InvalidArgument, "invalid database name %q", db)
	}
	e, ok := m.Databases[db]
	wf := c.work[db]
	if !ok {
		if wf != nil && !wf.Published {
			return wf.Path, nil
		}
		return "", newResult(NotFound, "database %s in %s", db, c.Props)
	}

	var have [][]byte
	if wf != nil {
		data, rerr := ioutil.ReadFile(wf.Path)
		if rerr != nil && !os.IsNotExist(rerr) {
			return "", wrapResult(rerr, IOError, "read working file of %s", db)
		}
		if rerr == nil {
			have = splitBlocks(data, e.BlockSize)
			local := blockNames(have)
			remoteChanged := !sameBlocks(wf.Blocks, e.Blocks)
			switch {
			case !sameBlocks(local, wf.Blocks) && remoteChanged:
				return "", newResult(Conflict, "database %s has local changes and a newer remote version", db)
			case !remoteChanged:
				return wf.Path, nil
			}
		}
	}
	if err = c.materialize(ctx, cache, m, e, have); err != nil {
		return
	}
	return c.work[db].Path, nil
}

// materialize writes the working file of a database entry, reusing the given chunks and
// fetching the other blocks.
func (c *Container) materialize(ctx context.Context, cache *Cache, m *Manifest, e *DatabaseEntry, have [][]byte) error {
	tm := timer.NewTimer()
	reuse := make(map[string][]byte, len(have))
	for _, chunk := range have {
		reuse[BlockName(chunk)] = chunk
	}

	blocks := make([][]byte, len(e.Blocks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeConcurrency)
	fetched := 0
	for i, name := range e.Blocks {
		if data, ok := reuse[name]; ok {
			blocks[i] = data
			continue
		}
		fetched++
		i, name := i, name
		g.Go(func() (err error) {
			blocks[i], err = cache.get(gctx, c.Props, name)
			return
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	tm.Add("fetch")

	path := c.workPath(cache, e.Name)
	data := bytes.Join(blocks, nil)
	if int64(len(data)) != e.Size {
		return newResult(IOError, "database %s has %d bytes, manifest lists %d", e.Name, len(data), e.Size)
	}
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return wrapResult(err, IOError, "write working file of %s", e.Name)
	}
	tm.Add("write")

	if err := c.saveWork(cache, &workFile{
		Database:   e.Name,
		Path:       path,
		Blocks:     append([]string(nil), e.Blocks...),
		Generation: m.Generation,
		Published:  true,
	}); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"container": c.Props.String(),
		"database":  e.Name,
		"blocks":    len(e.Blocks),
		"fetched":   fetched,
	}).WithFields(tm.ToLogFields()).Debug("working file materialized")
	return nil
}

// ImportDatabase copies a local database file into the container as a new database. It is
// published by the next UploadChanges.
func (c *Container) ImportDatabase(ctx context.Context, db, srcPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, m, err := c.polled()
	if err != nil {
		return err
	}
	if !validName(db) {
		return newResult(InvalidArgument, "invalid database name %q", db)
	}
	if _, ok := m.Databases[db]; ok {
		return newResult(AlreadyExists, "database %s in %s", db, c.Props)
	}
	if _, ok := c.work[db]; ok {
		return newResult(AlreadyExists, "database %s is already pending in %s", db, c.Props)
	}
	data, err := ioutil.ReadFile(srcPath)
	if err != nil {
		return wrapResult(err, IOError, "read %s", srcPath)
	}
	path := c.workPath(cache, db)
	if err = utils.WriteFileAtomic(path, data, 0644); err != nil {
		return wrapResult(err, IOError, "write working file of %s", db)
	}
	return c.saveWork(cache, &workFile{Database: db, Path: path})
}

// PendingChanges lists the databases whose working files differ from the container.
func (c *Container) PendingChanges() (dbs []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, err := c.connected()
	if err != nil {
		return
	}
	for db, wf := range c.work {
		if !wf.Published {
			dbs = append(dbs, db)
			continue
		}
		data, rerr := ioutil.ReadFile(wf.Path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue
			}
			return nil, wrapResult(rerr, IOError, "read working file of %s", db)
		}
		blockSize := cache.cfg.BlockSize
		if c.manifest != nil {
			if e, ok := c.manifest.Databases[db]; ok {
				blockSize = e.BlockSize
			}
		}
		if !sameBlocks(blockNames(splitBlocks(data, blockSize)), wf.Blocks) {
			dbs = append(dbs, db)
		}
	}
	sort.Strings(dbs)
	return
}

// UploadChanges publishes every changed working file as the next manifest generation. Only
// the blocks unknown to the container are uploaded. The manifest is replaced in one call, so
// a failure leaves the container unchanged.
func (c *Container) UploadChanges(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, m, err := c.writable(ctx)
	if err != nil {
		return
	}

	tm := timer.NewTimer()
	next := m.Clone()
	next.Generation = m.Generation + 1
	known := m.BlockSet()
	staged := make(map[string]bool)
	var stagedNames []string
	defer func() {
		cache.unstage(stagedNames)
	}()

	changed := make(map[string]*workFile)
	dbs := make([]string, 0, len(c.work))
	for db := range c.work {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)
	for _, db := range dbs {
		wf := c.work[db]
		data, rerr := ioutil.ReadFile(wf.Path)
		if rerr != nil {
			if os.IsNotExist(rerr) && wf.Published {
				continue
			}
			return wrapResult(rerr, IOError, "read working file of %s", db)
		}
		remote, exists := m.Databases[db]
		blockSize := cache.cfg.BlockSize
		if exists {
			blockSize = remote.BlockSize
		}
		chunks := splitBlocks(data, blockSize)
		names := blockNames(chunks)
		if wf.Published && sameBlocks(names, wf.Blocks) {
			continue
		}
		switch {
		case !wf.Published && exists:
			return newResult(AlreadyExists, "database %s was created in %s meanwhile", db, c.Props)
		case wf.Published && !exists:
			return newResult(Conflict, "database %s was deleted from %s meanwhile", db, c.Props)
		case wf.Published && !sameBlocks(wf.Blocks, remote.Blocks):
			return newResult(Conflict, "database %s changed in %s since it was opened", db, c.Props)
		}

		for i, name := range names {
			if known[name] || staged[name] {
				continue
			}
			if err = cache.stage(name, chunks[i]); err != nil {
				return
			}
			staged[name] = true
			stagedNames = append(stagedNames, name)
		}
		next.Databases[db] = &DatabaseEntry{
			Name:      db,
			Size:      int64(len(data)),
			BlockSize: blockSize,
			Blocks:    names,
		}
		changed[db] = wf
	}
	if len(changed) == 0 {
		log.WithField("container", c.Props.String()).Debug("no changes to upload")
		return nil
	}
	tm.Add("stage")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cache.cfg.UploadConcurrency)
	for _, name := range stagedNames {
		name := name
		g.Go(func() error {
			return cache.putBlock(gctx, c.Props, c.token, name)
		})
	}
	if err = g.Wait(); err != nil {
		return
	}
	tm.Add("blocks")

	if err = cache.putManifest(ctx, c.Props, c.token, next); err != nil {
		return
	}
	tm.Add("manifest")
	c.manifest = next

	for db, wf := range changed {
		if err = c.saveWork(cache, &workFile{
			Database:   db,
			Path:       wf.Path,
			Blocks:     next.Databases[db].Blocks,
			Generation: next.Generation,
			Published:  true,
		}); err != nil {
			return
		}
	}

	log.WithFields(log.Fields{
		"container":  c.Props.String(),
		"generation": next.Generation,
		"databases":  len(changed),
		"blocks":     len(stagedNames),
	}).WithFields(tm.ToLogFields()).Info("changes uploaded")
	return nil
}

// RevertChanges discards the local changes of every working file and brings them back to the
// current remote state. Imported databases which were never uploaded are dropped.
func (c *Container) RevertChanges(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, _, err := c.writable(ctx)
	if err != nil {
		return
	}
	m, err := cache.pollManifest(ctx, c.Props)
	if err != nil {
		return
	}
	c.manifest = m

	reverted := 0
	for db, wf := range c.work {
		e, ok := m.Databases[db]
		if !wf.Published || !ok {
			if err = c.dropWork(cache, db); err != nil {
				return
			}
			reverted++
			continue
		}
		var have [][]byte
		if data, rerr := ioutil.ReadFile(wf.Path); rerr == nil {
			have = splitBlocks(data, e.BlockSize)
			if sameBlocks(blockNames(have), e.Blocks) && wf.Generation == m.Generation {
				continue
			}
		}
		if err = c.materialize(ctx, cache, m, e, have); err != nil {
			return
		}
		reverted++
	}
	log.WithFields(log.Fields{
		"container": c.Props.String(),
		"databases": reverted,
	}).Info("changes reverted")
	return nil
}

// CopyDatabase publishes a copy of database from named to. Blocks are shared, so only the
// manifest changes.
func (c *Container) CopyDatabase(ctx context.Context, from, to string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, m, err := c.writable(ctx)
	if err != nil {
		return
	}
	if !validName(to) {
		return newResult(InvalidArgument, "invalid database name %q", to)
	}
	src, ok := m.Databases[from]
	if !ok {
		return newResult(NotFound, "database %s in %s", from, c.Props)
	}
	if _, ok = m.Databases[to]; ok {
		return newResult(AlreadyExists, "database %s in %s", to, c.Props)
	}
	if _, ok = c.work[to]; ok {
		return newResult(AlreadyExists, "database %s is pending in %s", to, c.Props)
	}

	next := m.Clone()
	next.Generation = m.Generation + 1
	next.Databases[to] = &DatabaseEntry{
		Name:      to,
		Size:      src.Size,
		BlockSize: src.BlockSize,
		Blocks:    append([]string(nil), src.Blocks...),
	}
	if err = cache.putManifest(ctx, c.Props, c.token, next); err != nil {
		return
	}
	c.manifest = next
	log.WithFields(log.Fields{
		"container":  c.Props.String(),
		"from":       from,
		"to":         to,
		"generation": next.Generation,
	}).Info("database copied")
	return nil
}

// DeleteDatabase removes db from the container together with its working file.
func (c *Container) DeleteDatabase(ctx context.Context, db string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, m, err := c.writable(ctx)
	if err != nil {
		return
	}
	if _, ok := m.Databases[db]; !ok {
		return newResult(NotFound, "database %s in %s", db, c.Props)
	}

	next := m.Clone()
	next.Generation = m.Generation + 1
	delete(next.Databases, db)
	if err = cache.putManifest(ctx, c.Props, c.token, next); err != nil {
		return
	}
	c.manifest = next
	// the delete is published, a leftover working file only wastes space
	if werr := c.dropWork(cache, db); werr != nil {
		log.WithError(werr).WithFields(log.Fields{
			"container": c.Props.String(),
			"database":  db,
		}).Warning("remove working file of deleted database failed")
	}
	log.WithFields(log.Fields{
		"container":  c.Props.String(),
		"database":   db,
		"generation": next.Generation,
	}).Info("database deleted")
	return nil
}

// NewPrefetch prepares a prefetch of the given blocks of db, all blocks if none are given.
// The prefetch starts with its first Run.
func (c *Container) NewPrefetch(db string, blocks ...int) (*Prefetch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, e, err := c.entry(db)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		for i := range e.Blocks {
			blocks = append(blocks, i)
		}
	}
	names := make([]string, len(blocks))
	for i, index := range blocks {
		if index < 0 || index >= len(e.Blocks) {
			return nil, newResult(InvalidArgument, "block %d of %s is out of range [0, %d)", index, db, len(e.Blocks))
		}
		names[i] = e.Blocks[index]
	}
	p := newPrefetch(c, cache, db, blocks, names)
	c.prefetches[p] = struct{}{}
	return p, nil
}
