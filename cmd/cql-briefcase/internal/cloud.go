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
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/cloud"
	"github.com/CovenantSQL/briefcase/conf"
)

// CmdCloud is cql-briefcase cloud command entity.
var CmdCloud = &Command{
	UsageLine: "cql-briefcase cloud [common params] [-container alias] [-holder name] command [args]",
	Short:     "work with databases stored in a cloud container",
	Long: `
Cloud manages the databases of a container configured under Cloud.Containers. Databases are
materialized into working files of the cache, which the other commands operate on with -copy.

    list                    poll the container and list its databases
    open db                 materialize a database and print its working file
    import db file          stage a local database file as a new database
    pending                 list databases whose working files have unpublished changes
    upload                  publish every pending change as the next generation
    revert                  drop every pending change
    copy from to            copy a database inside the container
    delete db               delete a database from the container
    prefetch db             fetch every block of a database into the cache

Write operations take the container write lock for their duration.
e.g.
    cql-briefcase cloud -container primary open main
    cql-briefcase writerid -copy ~/.cql-briefcase/work/acct/box/main -assign 0x103
    cql-briefcase cloud -container primary upload
`,
}

var (
	containerAlias string
	lockHolder     string
	prefetchWindow int
)

func init() {
	CmdCloud.Run = runCloud

	addCommonFlags(CmdCloud)
	CmdCloud.Flag.StringVar(&containerAlias, "container", "", "Alias or account/container of the container")
	CmdCloud.Flag.StringVar(&lockHolder, "holder", "", "Write lock holder name, overrides Cloud.Holder of the config")
	CmdCloud.Flag.IntVar(&prefetchWindow, "window", 4, "Concurrent block fetches of prefetch")
}

type cloudCommand struct {
	args  int
	write bool
	run   func(ctx context.Context, ct *cloud.Container, args []string) error
}

var cloudCommands = map[string]cloudCommand{
	"list":     {args: 0, run: cloudList},
	"open":     {args: 1, run: cloudOpen},
	"import":   {args: 2, run: cloudImport},
	"pending":  {args: 0, run: cloudPending},
	"upload":   {args: 0, write: true, run: cloudUpload},
	"revert":   {args: 0, write: true, run: cloudRevert},
	"copy":     {args: 2, write: true, run: cloudCopy},
	"delete":   {args: 1, write: true, run: cloudDelete},
	"prefetch": {args: 1, run: cloudPrefetch},
}

// connectContainer opens the cache and connects the selected container to it.
func connectContainer(ctx context.Context) (ct *cloud.Container, cache *cloud.Cache, err error) {
	cfg := conf.GConf.Cloud
	if cfg == nil {
		err = errors.New("no Cloud section in the config")
		return
	}
	if containerAlias == "" && len(cfg.Containers) == 1 {
		containerAlias = cfg.Containers[0].Alias
		if containerAlias == "" {
			containerAlias = cfg.Containers[0].Key()
		}
	}
	props, err := cfg.Container(containerAlias)
	if err != nil {
		return
	}
	transport := cloud.NewHTTPTransport(cfg.Endpoint, &http.Client{Timeout: cfg.Timeout})
	if cache, err = cloud.NewCache(cfg.Cache, transport); err != nil {
		return
	}
	ct = cloud.NewContainer(props)
	if err = ct.Connect(cache); err == nil {
		err = ct.PollManifest(ctx)
	}
	if err != nil {
		ct.Disconnect(ctx)
		cache.Close()
		ct, cache = nil, nil
	}
	return
}

func runCloud(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	if len(args) == 0 {
		ConsoleLog.Error("cloud command needs a sub command, run 'cql-briefcase help cloud'")
		SetExitStatus(1)
		return
	}
	sub, ok := cloudCommands[args[0]]
	if !ok || len(args)-1 != sub.args {
		ConsoleLog.Errorf("bad cloud command %q, run 'cql-briefcase help cloud'", args[0])
		SetExitStatus(1)
		return
	}

	ct, cache, err := connectContainer(ctx)
	if err != nil {
		ConsoleLog.WithError(err).Error("connect container failed")
		SetExitStatus(1)
		return
	}
	defer func() {
		if err := ct.Disconnect(ctx); err != nil {
			ConsoleLog.WithError(err).Warning("disconnect container failed")
		}
		if err := cache.Close(); err != nil {
			ConsoleLog.WithError(err).Error("close cache failed")
			SetExitStatus(1)
		}
	}()

	if sub.write {
		holder := lockHolder
		if holder == "" {
			holder = conf.GConf.Cloud.Holder
		}
		if err = ct.AcquireWriteLock(ctx, holder); err != nil {
			ConsoleLog.WithError(err).WithField("status", cloud.StatusOf(err)).Error("acquire write lock failed")
			SetExitStatus(1)
			return
		}
	}
	if err = sub.run(ctx, ct, args[1:]); err != nil {
		ConsoleLog.WithError(err).WithField("status", cloud.StatusOf(err)).Errorf("cloud %s failed", args[0])
		SetExitStatus(1)
	}
}

func cloudList(ctx context.Context, ct *cloud.Container, args []string) error {
	gen, err := ct.Generation()
	if err != nil {
		return err
	}
	dbs, err := ct.Databases()
	if err != nil {
		return err
	}
	fmt.Printf("%s generation %d\n", ct.Props.Key(), gen)
	for _, db := range dbs {
		fmt.Println(db)
	}
	return nil
}

func cloudOpen(ctx context.Context, ct *cloud.Container, args []string) error {
	path, err := ct.OpenDatabase(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func cloudImport(ctx context.Context, ct *cloud.Container, args []string) error {
	if err := ct.ImportDatabase(ctx, args[0], args[1]); err != nil {
		return err
	}
	ConsoleLog.Infof("database %s staged, publish it with 'cql-briefcase cloud upload'", args[0])
	return nil
}

func cloudPending(ctx context.Context, ct *cloud.Container, args []string) error {
	dbs, err := ct.PendingChanges()
	for _, db := range dbs {
		fmt.Println(db)
	}
	return err
}

func cloudUpload(ctx context.Context, ct *cloud.Container, args []string) error {
	if err := ct.UploadChanges(ctx); err != nil {
		return err
	}
	gen, err := ct.Generation()
	if err == nil {
		ConsoleLog.Infof("published generation %d", gen)
	}
	return err
}

func cloudRevert(ctx context.Context, ct *cloud.Container, args []string) error {
	return ct.RevertChanges(ctx)
}

func cloudCopy(ctx context.Context, ct *cloud.Container, args []string) error {
	return ct.CopyDatabase(ctx, args[0], args[1])
}

func cloudDelete(ctx context.Context, ct *cloud.Container, args []string) error {
	return ct.DeleteDatabase(ctx, args[0])
}

func cloudPrefetch(ctx context.Context, ct *cloud.Container, args []string) error {
	p, err := ct.NewPrefetch(args[0])
	if err != nil {
		return err
	}
	defer p.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := p.Run(prefetchWindow, 0)
		if err != nil {
			return err
		}
		if status.Complete() {
			ConsoleLog.Infof("prefetched %d blocks of %s", status.Done, args[0])
			return nil
		}
		<-ticker.C
	}
}
