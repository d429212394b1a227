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

	uuid "github.com/satori/go.uuid"

	"github.com/CovenantSQL/briefcase/utils/log"
)

type memContainer struct {
	manifest *Manifest
	blocks   map[string][]byte
	token    string
	holder   string
}

// MemoryService is an in-process remote side. It backs the blob server and the tests, and
// counts block fetches so that callers can verify request de-duplication.
type MemoryService struct {
	sync.Mutex
	containers map[string]*memContainer

	fetches       map[string]int
	fetchFailures map[string]int
	putFailures   int
	pollFailures  int
	polls         int
	gate          <-chan struct{}
}

// NewMemoryService returns an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		containers:    make(map[string]*memContainer),
		fetches:       make(map[string]int),
		fetchFailures: make(map[string]int),
	}
}

// CreateContainer creates an empty container if it does not exist.
func (s *MemoryService) CreateContainer(p ContainerProps) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.containers[p.Key()]; !ok {
		s.containers[p.Key()] = &memContainer{
			manifest: NewManifest(p.ContainerID),
			blocks:   make(map[string][]byte),
		}
	}
}

func (s *MemoryService) container(p ContainerProps) (*memContainer, error) {
	c, ok := s.containers[p.Key()]
	if !ok {
		return nil, newResult(NotFound, "container %s", p)
	}
	return c, nil
}

// RevokeLock drops the write lock of a container as a coordinator would.
func (s *MemoryService) RevokeLock(p ContainerProps) {
	s.Lock()
	defer s.Unlock()
	if c, ok := s.containers[p.Key()]; ok {
		log.WithFields(log.Fields{"container": p.String(), "holder": c.holder}).Info("write lock revoked")
		c.token, c.holder = "", ""
	}
}

// LockHolder returns the current holder of the write lock, empty if unlocked.
func (s *MemoryService) LockHolder(p ContainerProps) string {
	s.Lock()
	defer s.Unlock()
	if c, ok := s.containers[p.Key()]; ok {
		return c.holder
	}
	return ""
}

// FetchCount returns how many times a block was fetched.
func (s *MemoryService) FetchCount(p ContainerProps, name string) int {
	s.Lock()
	defer s.Unlock()
	return s.fetches[p.Key()+"/"+name]
}

// TotalFetches returns the number of block fetches of all containers.
func (s *MemoryService) TotalFetches() (n int) {
	s.Lock()
	defer s.Unlock()
	for _, v := range s.fetches {
		n += v
	}
	return
}

// FailFetches makes the next n fetches of a block fail with a network error.
func (s *MemoryService) FailFetches(p ContainerProps, name string, n int) {
	s.Lock()
	defer s.Unlock()
	s.fetchFailures[p.Key()+"/"+name] = n
}

// FailPolls makes the next n manifest polls fail with a network error.
func (s *MemoryService) FailPolls(n int) {
	s.Lock()
	defer s.Unlock()
	s.pollFailures = n
}

// PollCount returns the number of manifest polls served or failed.
func (s *MemoryService) PollCount() int {
	s.Lock()
	defer s.Unlock()
	return s.polls
}

// FailPuts makes the next n block or manifest writes fail with a network error.
func (s *MemoryService) FailPuts(n int) {
	s.Lock()
	defer s.Unlock()
	s.putFailures = n
}

// SetFetchGate holds every block fetch until gate is closed. A nil gate releases fetches
// immediately.
func (s *MemoryService) SetFetchGate(gate <-chan struct{}) {
	s.Lock()
	defer s.Unlock()
	s.gate = gate
}

func (s *MemoryService) failPut() error {
	if s.putFailures > 0 {
		s.putFailures--
		return newResult(NetworkError, "injected write failure")
	}
	return nil
}

func (s *MemoryService) checkToken(c *memContainer, p ContainerProps, token string) error {
	if token == "" || c.token != token {
		return newResult(NotWriteLocked, "container %s is not locked by this token", p)
	}
	return nil
}

// PollManifest implements Transport.
func (s *MemoryService) PollManifest(ctx context.Context, p ContainerProps) (*Manifest, error) {
	s.Lock()
	defer s.Unlock()
	s.polls++
	if s.pollFailures > 0 {
		s.pollFailures--
		return nil, newResult(NetworkError, "injected poll failure")
	}
	c, err := s.container(p)
	if err != nil {
		return nil, err
	}
	return c.manifest.Clone(), nil
}

// FetchBlock implements Transport.
func (s *MemoryService) FetchBlock(ctx context.Context, p ContainerProps, name string) ([]byte, error) {
	key := p.Key() + "/" + name
	s.Lock()
	s.fetches[key]++
	gate := s.gate
	s.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, wrapResult(ctx.Err(), Timeout, "fetch block %s", name)
		}
	}

	s.Lock()
	defer s.Unlock()
	if n := s.fetchFailures[key]; n > 0 {
		s.fetchFailures[key] = n - 1
		return nil, newResult(NetworkError, "injected fetch failure of block %s", name)
	}
	c, err := s.container(p)
	if err != nil {
		return nil, err
	}
	data, ok := c.blocks[name]
	if !ok {
		return nil, newResult(NotFound, "block %s", name)
	}
	return append([]byte(nil), data...), nil
}

// PutBlock implements Transport.
func (s *MemoryService) PutBlock(ctx context.Context, p ContainerProps, token, name string, data []byte) error {
	s.Lock()
	defer s.Unlock()
	c, err := s.container(p)
	if err != nil {
		return err
	}
	if err = s.checkToken(c, p, token); err != nil {
		return err
	}
	if err = s.failPut(); err != nil {
		return err
	}
	if BlockName(data) != name {
		return newResult(InvalidArgument, "block content does not match name %s", name)
	}
	c.blocks[name] = append([]byte(nil), data...)
	return nil
}

// PutManifest implements Transport. Blocks no longer referenced are dropped.
func (s *MemoryService) PutManifest(ctx context.Context, p ContainerProps, token string, m *Manifest) error {
	s.Lock()
	defer s.Unlock()
	c, err := s.container(p)
	if err != nil {
		return err
	}
	if err = s.checkToken(c, p, token); err != nil {
		return err
	}
	if err = s.failPut(); err != nil {
		return err
	}
	if m.Generation != c.manifest.Generation+1 {
		return newResult(Conflict, "manifest generation %d, expected %d",
			m.Generation, c.manifest.Generation+1)
	}
	for name := range m.BlockSet() {
		if _, ok := c.blocks[name]; !ok {
			return newResult(InvalidArgument, "manifest references missing block %s", name)
		}
	}
	next := m.Clone()
	next.Container = p.ContainerID
	live := next.BlockSet()
	for name := range c.blocks {
		if !live[name] {
			delete(c.blocks, name)
		}
	}
	c.manifest = next
	return nil
}

// AcquireLock implements Transport. Acquiring again with the same holder returns the
// existing token.
func (s *MemoryService) AcquireLock(ctx context.Context, p ContainerProps, holder string) (string, error) {
	s.Lock()
	defer s.Unlock()
	c, err := s.container(p)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		if c.holder == holder {
			return c.token, nil
		}
		return "", newResult(LockHeld, "container %s is locked by %s", p, c.holder)
	}
	c.token, c.holder = uuid.Must(uuid.NewV4()).String(), holder
	return c.token, nil
}

// ReleaseLock implements Transport.
func (s *MemoryService) ReleaseLock(ctx context.Context, p ContainerProps, token string) error {
	s.Lock()
	defer s.Unlock()
	c, err := s.container(p)
	if err != nil {
		return err
	}
	if err = s.checkToken(c, p, token); err != nil {
		return err
	}
	c.token, c.holder = "", ""
	return nil
}

// CheckLock implements Transport.
func (s *MemoryService) CheckLock(ctx context.Context, p ContainerProps, token string) error {
	s.Lock()
	defer s.Unlock()
	c, err := s.container(p)
	if err != nil {
		return err
	}
	return s.checkToken(c, p, token)
}
