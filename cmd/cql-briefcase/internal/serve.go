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
	"time"

	"github.com/CovenantSQL/briefcase/cloud"
	"github.com/CovenantSQL/briefcase/cloud/blobserver"
	"github.com/CovenantSQL/briefcase/conf"
	"github.com/CovenantSQL/briefcase/utils"
)

// CmdServe is cql-briefcase serve command entity.
var CmdServe = &Command{
	UsageLine: "cql-briefcase serve [common params] [-listen address]",
	Short:     "run an in-memory blob server for cloud containers",
	Long: `
Serve runs a blob server backed by memory, for development and tests of cloud containers. The
containers listed under BlobServer.Containers are created at startup, others are created by
clients. Prometheus metrics are exported on /metrics.
e.g.
    cql-briefcase serve -listen 127.0.0.1:4680
`,
}

var listenAddr string

func init() {
	CmdServe.Run = runServe

	addCommonFlags(CmdServe)
	CmdServe.Flag.StringVar(&listenAddr, "listen", "", "Listen address, overrides BlobServer.ListenAddr of the config")
}

func runServe(cmd *Command, args []string) {
	configInit(cmd)

	cfg := conf.GConf.BlobServer
	if cfg == nil {
		cfg = &conf.ServerConfig{ListenAddr: conf.DefaultListenAddr}
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if cfg.AccessToken == "" {
		ConsoleLog.Warning("BlobServer.AccessToken is empty, every client is accepted")
	}

	svc := cloud.NewMemoryService()
	for _, p := range cfg.Containers {
		svc.CreateContainer(p)
	}
	exitCtx, stop := utils.ExitContext(context.Background())
	defer stop()

	server := blobserver.NewServer(svc, cfg.AccessToken)
	server.Start(cfg.ListenAddr)
	ConsoleLog.Infof("blob server listening on %s", cfg.ListenAddr)

	<-exitCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		ConsoleLog.WithError(err).Error("stop blob server failed")
		SetExitStatus(1)
		return
	}
	ConsoleLog.Info("blob server stopped")
}
