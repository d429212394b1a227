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
	"os"

	"github.com/CovenantSQL/briefcase/briefcase"
	cs "github.com/CovenantSQL/briefcase/changeset"
)

// CmdApply is cql-briefcase apply command entity.
var CmdApply = &Command{
	UsageLine: "cql-briefcase apply [common params] [-copy file] [-replay-ddl] path...",
	Short:     "merge change set files of other copies into a copy",
	Long: `
Apply reads change set files, or every change set file of a directory, and merges them into a
copy in sequence order. Change sets already merged are skipped. Rows changed on both sides are
reported as conflicts and left untouched.
e.g.
    cql-briefcase apply -copy main.db ./inbox

A change set which changed the schema is refused until the copy has the same schema. Either
patch the copy first or replay the recorded DDL:
    cql-briefcase apply -copy main.db -replay-ddl ./inbox
`,
}

var replayDDL bool

func init() {
	CmdApply.Run = runApply

	addCommonFlags(CmdApply)
	addCopyFlags(CmdApply)
	CmdApply.Flag.BoolVar(&replayDDL, "replay-ddl", false, "Replay the DDL of schema changing sets")
}

func readChangeSets(paths []string) (sets []*cs.ChangeSet, err error) {
	for _, p := range paths {
		var fi os.FileInfo
		if fi, err = os.Stat(p); err != nil {
			return
		}
		if fi.IsDir() {
			var dirSets []*cs.ChangeSet
			if dirSets, err = cs.ReadDir(p); err != nil {
				return
			}
			sets = append(sets, dirSets...)
			continue
		}
		var set *cs.ChangeSet
		if set, err = cs.ReadFile(p); err != nil {
			return
		}
		sets = append(sets, set)
	}
	return
}

func runApply(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	if len(args) == 0 {
		ConsoleLog.Error("apply command needs change set files or directories as params")
		SetExitStatus(1)
		return
	}
	sets, err := readChangeSets(args)
	if err != nil {
		ConsoleLog.WithError(err).Error("read change sets failed")
		SetExitStatus(1)
		return
	}

	c := mustOpenCopy(ctx)
	res, err := c.ApplyChangeSets(ctx, sets, briefcase.MergeOptions{ReplayDDL: replayDDL})
	if res != nil {
		for _, conflict := range res.Conflicts {
			fmt.Println(conflict.String())
		}
		ConsoleLog.WithField("sets", res.Sets).WithField("skipped", res.Skipped).WithField(
			"applied", res.Applied).WithField("conflicts", len(res.Conflicts)).Info("merged change sets")
	}
	if err != nil {
		ConsoleLog.WithError(err).Error("merge change sets failed")
		SetExitStatus(1)
		return
	}
	if len(res.Conflicts) > 0 {
		SetExitStatus(3)
	}
}
