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
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/sling"
)

const (
	// LockTokenHeader carries the write lock token of write class requests.
	LockTokenHeader = "X-Lock-Token"
	// APIPrefix is the path prefix of the blob service.
	APIPrefix = "/v1"
)

// Envelope is the body of every blob service response.
type Envelope struct {
	Status  string      `json:"status"`
	Success bool        `json:"success"`
	Code    string      `json:"code"`
	Data    interface{} `json:"data"`
}

// BlockBody carries block content.
type BlockBody struct {
	Data []byte `json:"data"`
}

// LockBody carries a lock request or grant.
type LockBody struct {
	Holder string `json:"holder,omitempty"`
	Token  string `json:"token,omitempty"`
}

// HTTPTransport talks to a blob service over HTTP.
type HTTPTransport struct {
	base *sling.Sling
}

// NewHTTPTransport returns a transport for the service at endpoint, such as
// "http://127.0.0.1:4680". A nil client means http.DefaultClient.
func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		base: sling.New().Client(client).Base(strings.TrimRight(endpoint, "/")+APIPrefix+"/").
			Set("Accept", "application/json"),
	}
}

func containerPath(p ContainerProps, parts ...string) string {
	elems := []string{url.PathEscape(p.AccountName), url.PathEscape(p.ContainerID)}
	for _, part := range parts {
		elems = append(elems, url.PathEscape(part))
	}
	return strings.Join(elems, "/")
}

func (t *HTTPTransport) request(p ContainerProps, token string) *sling.Sling {
	s := t.base.New()
	if p.AccessToken != "" {
		s = s.Set("Authorization", "Bearer "+p.AccessToken)
	}
	if token != "" {
		s = s.Set(LockTokenHeader, token)
	}
	return s
}

// do sends the request and decodes the envelope data into data.
func (t *HTTPTransport) do(ctx context.Context, s *sling.Sling, data interface{}, what string) error {
	req, err := s.Request()
	if err != nil {
		return wrapResult(err, InvalidArgument, "build %s request", what)
	}
	ok := &Envelope{Data: data}
	failed := &Envelope{}
	resp, err := s.Do(req.WithContext(ctx), ok, failed)
	if err != nil {
		return wrapResult(err, NetworkError, what)
	}
	if resp.StatusCode >= 300 || !ok.Success {
		env := failed
		if resp.StatusCode < 300 {
			env = ok
		}
		status := ParseStatus(env.Code)
		if env.Code == "" {
			status = NetworkError
		}
		msg := env.Status
		if msg == "" {
			msg = resp.Status
		}
		return newResult(status, "%s: %s", what, msg)
	}
	return nil
}

// PollManifest implements Transport.
func (t *HTTPTransport) PollManifest(ctx context.Context, p ContainerProps) (*Manifest, error) {
	m := new(Manifest)
	if err := t.do(ctx, t.request(p, "").Get(containerPath(p, "manifest")), m, "poll manifest"); err != nil {
		return nil, err
	}
	if m.Databases == nil {
		m.Databases = make(map[string]*DatabaseEntry)
	}
	return m, nil
}

// FetchBlock implements Transport.
func (t *HTTPTransport) FetchBlock(ctx context.Context, p ContainerProps, name string) ([]byte, error) {
	body := new(BlockBody)
	if err := t.do(ctx, t.request(p, "").Get(containerPath(p, "blocks", name)), body, "fetch block"); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// PutBlock implements Transport.
func (t *HTTPTransport) PutBlock(ctx context.Context, p ContainerProps, token, name string, data []byte) error {
	s := t.request(p, token).Put(containerPath(p, "blocks", name)).BodyJSON(&BlockBody{Data: data})
	return t.do(ctx, s, nil, "upload block")
}

// PutManifest implements Transport.
func (t *HTTPTransport) PutManifest(ctx context.Context, p ContainerProps, token string, m *Manifest) error {
	s := t.request(p, token).Put(containerPath(p, "manifest")).BodyJSON(m)
	return t.do(ctx, s, nil, "publish manifest")
}

// AcquireLock implements Transport.
func (t *HTTPTransport) AcquireLock(ctx context.Context, p ContainerProps, holder string) (string, error) {
	grant := new(LockBody)
	s := t.request(p, "").Post(containerPath(p, "lock")).BodyJSON(&LockBody{Holder: holder})
	if err := t.do(ctx, s, grant, "acquire lock"); err != nil {
		return "", err
	}
	return grant.Token, nil
}

// ReleaseLock implements Transport.
func (t *HTTPTransport) ReleaseLock(ctx context.Context, p ContainerProps, token string) error {
	return t.do(ctx, t.request(p, token).Delete(containerPath(p, "lock")), nil, "release lock")
}

// CheckLock implements Transport.
func (t *HTTPTransport) CheckLock(ctx context.Context, p ContainerProps, token string) error {
	return t.do(ctx, t.request(p, token).Get(containerPath(p, "lock")), nil, "check lock")
}

// CreateContainer asks the service to create a container.
func (t *HTTPTransport) CreateContainer(ctx context.Context, p ContainerProps) error {
	return t.do(ctx, t.request(p, "").Put(containerPath(p)), nil, "create container")
}
