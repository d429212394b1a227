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

package internal

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/briefcase"
	"github.com/CovenantSQL/briefcase/conf"
	"github.com/CovenantSQL/briefcase/ids"
	"github.com/CovenantSQL/briefcase/sqlite"
	"github.com/CovenantSQL/briefcase/utils"
	"github.com/CovenantSQL/briefcase/utils/log"
)

// These are general flags used by every command.
var (
	configFile string
	logLevel   string

	copyPath string
	copyMode string
)

func addCommonFlags(cmd *Command) {
	cmd.Flag.StringVar(&configFile, "config", "~/.cql-briefcase/config.yaml", "Config file for cql-briefcase")
	cmd.Flag.StringVar(&logLevel, "log-level", "", "Library log level, overrides LogLevel of the config")
}

func addCopyFlags(cmd *Command) {
	cmd.Flag.StringVar(&copyPath, "copy", "", "Briefcase file to operate on, overrides Copy.Path of the config")
	cmd.Flag.StringVar(&copyMode, "mode", "", "Open mode: ReadOnly, ReadWrite or Exclusive")
}

// configInit loads the config file into conf.GConf. A missing config file leaves the defaults
// so that commands can run on flags alone.
func configInit(cmd *Command) {
	configFile = utils.HomeDirExpand(configFile)

	if utils.Exist(configFile) {
		config, err := conf.LoadConfig(configFile)
		if err != nil {
			ConsoleLog.WithError(err).Error("load config file failed")
			SetExitStatus(1)
			Exit()
		}
		conf.GConf = config
	} else {
		wd, err := os.Getwd()
		if err != nil {
			ConsoleLog.WithError(err).Error("get working directory failed")
			SetExitStatus(1)
			Exit()
		}
		ConsoleLog.WithField("config", configFile).Debug("config file not found, using defaults")
		conf.GConf = conf.DefaultConfig(wd)
	}

	level := conf.GConf.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	log.SetOutput(os.Stderr)
	log.SetStringLevel(level, log.WarnLevel)
}

// openCopy opens the configured briefcase file and assigns the configured writer id to a copy
// which has none yet.
func openCopy(ctx context.Context) (c *briefcase.Copy, err error) {
	cfg := conf.GConf.Copy
	if copyPath != "" {
		cfg.Path = copyPath
	}
	if copyMode != "" {
		cfg.Mode = copyMode
	}
	if cfg.Path == "" {
		err = errors.New("no briefcase file, set Copy.Path in the config or use -copy")
		return
	}
	mode, err := sqlite.ParseMode(cfg.Mode)
	if err != nil {
		return
	}
	if c, err = briefcase.Open(cfg.Path, briefcase.Options{
		Mode:        mode,
		BusyTimeout: cfg.BusyTimeout,
	}); err != nil {
		return
	}
	if cfg.WriterID != 0 && mode.Writable() && c.WriterID() == ids.UnassignedWriterID {
		if err = c.AssignWriterID(ctx, ids.WriterID(cfg.WriterID)); err != nil {
			c.Close()
			c = nil
		}
	}
	return
}

// mustOpenCopy opens the copy or exits with status 1.
func mustOpenCopy(ctx context.Context) *briefcase.Copy {
	c, err := openCopy(ctx)
	if err != nil {
		ConsoleLog.WithError(err).Error("open briefcase copy failed")
		SetExitStatus(1)
		Exit()
	}
	AtExit(func() {
		if err := c.Close(); err != nil {
			ConsoleLog.WithError(err).Error("close briefcase copy failed")
		}
	})
	return c
}
