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

// CmdChangeSets is cql-briefcase changesets command entity.
var CmdChangeSets = &Command{
	UsageLine: "cql-briefcase changesets [common params] [-copy file] [-since seq] [-show seq] [-export dir] [-prune seq]",
	Short:     "list, show, export or prune the change sets of a copy",
	Long: `
ChangeSets lists the change sets recorded by a copy after a sequence number.
e.g.
    cql-briefcase changesets -copy main.db -since 10

Show prints every entry of one change set:
    cql-briefcase changesets -copy main.db -show 12

Export writes the listed change sets as files, which 'cql-briefcase apply' replays on another copy:
    cql-briefcase changesets -copy main.db -since 10 -export ./outbox

Prune drops the change sets up to and including a sequence number once every peer merged them:
    cql-briefcase changesets -copy main.db -prune 10
`,
}

var (
	sinceSeq  uint64
	showSeq   uint64
	pruneSeq  uint64
	exportDir string
)

func init() {
	CmdChangeSets.Run = runChangeSets

	addCommonFlags(CmdChangeSets)
	addCopyFlags(CmdChangeSets)
	CmdChangeSets.Flag.Uint64Var(&sinceSeq, "since", 0, "List change sets after this sequence number")
	CmdChangeSets.Flag.Uint64Var(&showSeq, "show", 0, "Print the entries of the change set with this sequence number")
	CmdChangeSets.Flag.StringVar(&exportDir, "export", "", "Directory to export the listed change sets to")
	CmdChangeSets.Flag.Uint64Var(&pruneSeq, "prune", 0, "Drop change sets up to this sequence number")
}

func printChangeSet(set *cs.ChangeSet, verbose bool) {
	schemaFlag := ""
	if set.ContainsSchemaChange {
		schemaFlag = " [schema]"
	}
	fmt.Printf("%d\t%s\t%s\t%d entries%s\t%s\n", set.Seq, set.CreatedAt.Format("2006-01-02 15:04:05"),
		set.Author, len(set.Entries), schemaFlag, set.Description)
	if !verbose {
		return
	}
	for _, ddl := range set.DDL {
		fmt.Printf("    %s\n", ddl)
	}
	for i := range set.Entries {
		fmt.Printf("    %s\n", set.Entries[i].String())
	}
}

func runChangeSets(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	c := mustOpenCopy(ctx)
	switch {
	case pruneSeq > 0:
		n, err := c.PruneChangeSets(ctx, pruneSeq)
		if err != nil {
			ConsoleLog.WithError(err).Error("prune change sets failed")
			SetExitStatus(1)
			return
		}
		ConsoleLog.Infof("pruned %d change sets", n)
	case showSeq > 0:
		set, err := c.ChangeSet(ctx, showSeq)
		if err != nil {
			ConsoleLog.WithError(err).Error("read change set failed")
			SetExitStatus(1)
			return
		}
		printChangeSet(set, true)
	case exportDir != "":
		if err := os.MkdirAll(exportDir, 0755); err != nil {
			ConsoleLog.WithError(err).Error("create export directory failed")
			SetExitStatus(1)
			return
		}
		paths, err := c.ExportChangeSets(ctx, exportDir, sinceSeq)
		if err != nil {
			ConsoleLog.WithError(err).Error("export change sets failed")
			SetExitStatus(1)
			return
		}
		for _, p := range paths {
			fmt.Println(p)
		}
	default:
		listChangeSets(ctx, c)
	}
}

func listChangeSets(ctx context.Context, c *briefcase.Copy) {
	sets, err := c.ChangeSetsSince(ctx, sinceSeq)
	if err != nil {
		ConsoleLog.WithError(err).Error("list change sets failed")
		SetExitStatus(1)
		return
	}
	for _, set := range sets {
		printChangeSet(set, false)
	}
}
