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
)

// ContainerProps identifies a remote blob container. The credentials are supplied by an
// external catalog and passed through to the transport unchanged.
type ContainerProps struct {
	StorageType string `json:"storage_type" yaml:"StorageType"`
	AccountName string `json:"account" yaml:"AccountName"`
	ContainerID string `json:"container" yaml:"ContainerID"`
	Alias       string `json:"alias,omitempty" yaml:"Alias"`
	AccessToken string `json:"-" yaml:"AccessToken"`
}

// Key returns the identity used for block keys and remote lookups.
func (p ContainerProps) Key() string {
	return p.AccountName + "/" + p.ContainerID
}

func (p ContainerProps) String() string {
	if p.Alias != "" {
		return p.Alias
	}
	return p.StorageType + ":" + p.Key()
}

// Transport is the network side of the cloud cache. Every error it returns should be a
// *Result. Write class calls carry the lock token, which the remote side checks.
type Transport interface {
	PollManifest(ctx context.Context, p ContainerProps) (*Manifest, error)
	FetchBlock(ctx context.Context, p ContainerProps, name string) ([]byte, error)
	PutBlock(ctx context.Context, p ContainerProps, token, name string, data []byte) error
	// PutManifest replaces the manifest if its generation is exactly one above the current one.
	PutManifest(ctx context.Context, p ContainerProps, token string, m *Manifest) error
	AcquireLock(ctx context.Context, p ContainerProps, holder string) (token string, err error)
	ReleaseLock(ctx context.Context, p ContainerProps, token string) error
	CheckLock(ctx context.Context, p ContainerProps, token string) error
}
