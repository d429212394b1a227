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
)

// CmdLocalValue is cql-briefcase localvalue command entity.
var CmdLocalValue = &Command{
	UsageLine: "cql-briefcase localvalue [common params] [-copy file] [-ns namespace] get|set|del|list [key [value]]",
	Short:     "read and write the local values of a copy",
	Long: `
LocalValue accesses the copy-private key value store, which is never captured in change sets.
e.g.
    cql-briefcase localvalue -copy main.db -ns app set theme dark
    cql-briefcase localvalue -copy main.db -ns app get theme
    cql-briefcase localvalue -copy main.db -ns app list
    cql-briefcase localvalue -copy main.db -ns app del theme
`,
}

var namespace string

func init() {
	CmdLocalValue.Run = runLocalValue

	addCommonFlags(CmdLocalValue)
	addCopyFlags(CmdLocalValue)
	CmdLocalValue.Flag.StringVar(&namespace, "ns", "default", "Local value namespace")
}

func runLocalValue(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	need := map[string]int{"get": 2, "set": 3, "del": 2, "list": 1}
	if len(args) == 0 || need[args[0]] == 0 || len(args) != need[args[0]] {
		ConsoleLog.Error("usage: localvalue get key | set key value | del key | list")
		SetExitStatus(1)
		return
	}

	c := mustOpenCopy(ctx)
	var err error
	switch args[0] {
	case "get":
		var (
			value []byte
			ok    bool
		)
		if value, ok, err = c.GetLocalValue(ctx, namespace, args[1]); err == nil {
			if !ok {
				ConsoleLog.WithField("key", args[1]).Error("local value not found")
				SetExitStatus(1)
				return
			}
			fmt.Println(string(value))
		}
	case "set":
		err = c.SetLocalValue(ctx, namespace, args[1], []byte(args[2]))
	case "del":
		err = c.DeleteLocalValue(ctx, namespace, args[1])
	case "list":
		kvs, lerr := c.ListLocalValues(ctx, namespace)
		for _, kv := range kvs {
			fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
		}
		err = lerr
	}
	if err != nil {
		ConsoleLog.WithError(err).WithField("op", args[0]).Error("local value operation failed")
		SetExitStatus(1)
	}
}
