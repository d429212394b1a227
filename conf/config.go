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

package conf

import (
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/CovenantSQL/briefcase/cloud"
	"github.com/CovenantSQL/briefcase/utils/log"
)

// CopyConfig locates the local copy operated on.
type CopyConfig struct {
	Path        string        `yaml:"Path"`
	Mode        string        `yaml:"Mode"`
	BusyTimeout time.Duration `yaml:"BusyTimeout"`
	// WriterID is assigned to a copy without one on first open, 0 leaves it unassigned.
	WriterID uint32 `yaml:"WriterID"`
}

// CloudConfig configures the cloud cache and its remote side.
type CloudConfig struct {
	// Endpoint is the blob server address, such as http://127.0.0.1:4680.
	Endpoint string            `yaml:"Endpoint"`
	Holder   string            `yaml:"Holder"`
	Timeout  time.Duration     `yaml:"Timeout"`
	Cache    cloud.CacheConfig `yaml:"Cache"`
	// Containers maps aliases to container identities.
	Containers []cloud.ContainerProps `yaml:"Containers"`
}

// ServerConfig configures the blob server.
type ServerConfig struct {
	ListenAddr  string                 `yaml:"ListenAddr"`
	AccessToken string                 `yaml:"AccessToken"`
	Containers  []cloud.ContainerProps `yaml:"Containers"`
}

// Config holds all the config read from yaml config file.
type Config struct {
	WorkingRoot string        `yaml:"WorkingRoot"`
	LogLevel    string        `yaml:"LogLevel"`
	Copy        CopyConfig    `yaml:"Copy"`
	Cloud       *CloudConfig  `yaml:"Cloud"`
	BlobServer  *ServerConfig `yaml:"BlobServer"`
}

// GConf is the global config pointer.
var GConf *Config

func absPath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func (c *Config) applyDefaults(configPath string) {
	if c.WorkingRoot == "" {
		c.WorkingRoot = filepath.Dir(configPath)
	}
	c.WorkingRoot = absPath(filepath.Dir(configPath), c.WorkingRoot)
	c.Copy.Path = absPath(c.WorkingRoot, c.Copy.Path)
	if c.Copy.Mode == "" {
		c.Copy.Mode = DefaultCopyMode
	}
	if c.Copy.BusyTimeout <= 0 {
		c.Copy.BusyTimeout = DefaultBusyTimeout
	}
	if c.Cloud != nil {
		if c.Cloud.Cache.Dir == "" {
			c.Cloud.Cache.Dir = DefaultCacheDir
		}
		if c.Cloud.Cache.WorkDir == "" {
			c.Cloud.Cache.WorkDir = DefaultWorkDir
		}
		c.Cloud.Cache.Dir = absPath(c.WorkingRoot, c.Cloud.Cache.Dir)
		c.Cloud.Cache.WorkDir = absPath(c.WorkingRoot, c.Cloud.Cache.WorkDir)
		if c.Cloud.Timeout <= 0 {
			c.Cloud.Timeout = DefaultCloudTimeout
		}
		if c.Cloud.Holder == "" {
			c.Cloud.Holder = DefaultHolder
		}
	}
	if c.BlobServer != nil && c.BlobServer.ListenAddr == "" {
		c.BlobServer.ListenAddr = DefaultListenAddr
	}
}

// Container returns the container props configured under alias.
func (c *CloudConfig) Container(alias string) (p cloud.ContainerProps, err error) {
	for _, p = range c.Containers {
		if p.Alias == alias || (p.Alias == "" && p.Key() == alias) {
			return
		}
	}
	err = errors.Errorf("container %s is not configured", alias)
	return
}

// DefaultConfig returns a config rooted at workingRoot with every default applied.
func DefaultConfig(workingRoot string) *Config {
	c := &Config{WorkingRoot: workingRoot}
	c.applyDefaults(filepath.Join(workingRoot, "config.yaml"))
	return c
}

// LoadConfig loads config from configPath.
func LoadConfig(configPath string) (config *Config, err error) {
	configBytes, err := ioutil.ReadFile(configPath)
	if err != nil {
		log.WithError(err).Error("read config file failed")
		err = errors.Wrap(err, "read config file failed")
		return
	}
	config = &Config{}
	if err = yaml.Unmarshal(configBytes, config); err != nil {
		log.WithError(err).Error("unmarshal config file failed")
		err = errors.Wrap(err, "unmarshal config file failed")
		return nil, err
	}
	config.applyDefaults(configPath)
	return
}
