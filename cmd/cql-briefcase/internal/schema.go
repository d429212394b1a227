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

	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/briefcase"
	"github.com/CovenantSQL/briefcase/conf"
	"github.com/CovenantSQL/briefcase/schema"
)

// CmdDiff is cql-briefcase diff command entity.
var CmdDiff = &Command{
	UsageLine: "cql-briefcase diff [common params] [-copy file] reference.db",
	Short:     "print the schema patch bringing a copy to a reference schema",
	Long: `
Diff compares the schema of a copy with the schema of a reference database and prints the DDL
statements which make the copy structurally equal to the reference, one per line.
e.g.
    cql-briefcase diff -copy main.db release.db

Differences the engine cannot express, such as a changed column type, are reported and make the
command exit with status 1. The supported part of the patch is still printed.
`,
}

// CmdPatch is cql-briefcase patch command entity.
var CmdPatch = &Command{
	UsageLine: "cql-briefcase patch [common params] [-copy file] [-ack] [reference.db]",
	Short:     "apply the schema patch bringing a copy to a reference schema",
	Long: `
Patch brings the schema of a copy to the schema of a reference database in one transaction.
e.g.
    cql-briefcase patch -copy main.db release.db

A copy halted by an interrupted patch refuses writes until the operator acknowledges it:
    cql-briefcase patch -copy main.db -ack
`,
}

var ackPatch bool

func init() {
	CmdDiff.Run = runDiff
	CmdPatch.Run = runPatch

	addCommonFlags(CmdDiff)
	addCopyFlags(CmdDiff)

	addCommonFlags(CmdPatch)
	addCopyFlags(CmdPatch)
	CmdPatch.Flag.BoolVar(&ackPatch, "ack", false, "Acknowledge an interrupted schema patch")
}

// schemaPatch returns the patch for c and whether some differences were left out.
func schemaPatch(ctx context.Context, c *briefcase.Copy, refPath string) (
	patch schema.Patch, unsupported *schema.UnsupportedDiffError, err error) {
	ref, err := briefcase.Open(refPath, briefcase.Options{
		Mode:        briefcase.ReadOnly,
		BusyTimeout: conf.GConf.Copy.BusyTimeout,
	})
	if err != nil {
		err = errors.Wrapf(err, "open reference %s", refPath)
		return
	}
	defer ref.Close()

	if patch, err = c.SchemaPatchFor(ctx, ref); err != nil {
		var ok bool
		if unsupported, ok = err.(*schema.UnsupportedDiffError); ok {
			err = nil
		}
	}
	return
}

func printUnsupported(u *schema.UnsupportedDiffError) {
	for _, item := range u.Items {
		ConsoleLog.WithField("table", item.Table).WithField("column", item.Column).Warning(
			"unsupported schema difference: ", item.Reason)
	}
}

func runDiff(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	if len(args) != 1 {
		ConsoleLog.Error("diff command needs the reference database as param")
		SetExitStatus(1)
		return
	}
	c := mustOpenCopy(ctx)
	patch, unsupported, err := schemaPatch(ctx, c, args[0])
	if err != nil {
		ConsoleLog.WithError(err).Error("diff schema failed")
		SetExitStatus(1)
		return
	}
	for _, stmt := range patch {
		fmt.Printf("%s;\n", stmt)
	}
	if unsupported != nil {
		printUnsupported(unsupported)
		SetExitStatus(1)
	}
}

func runPatch(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	c := mustOpenCopy(ctx)
	if ackPatch {
		if err := c.AcknowledgeInterruptedPatch(ctx); err != nil {
			ConsoleLog.WithError(err).Error("acknowledge interrupted patch failed")
			SetExitStatus(1)
			return
		}
		ConsoleLog.Info("interrupted schema patch acknowledged")
		if len(args) == 0 {
			return
		}
	}
	if len(args) != 1 {
		ConsoleLog.Error("patch command needs the reference database as param")
		SetExitStatus(1)
		return
	}

	patch, unsupported, err := schemaPatch(ctx, c, args[0])
	if err != nil {
		ConsoleLog.WithError(err).Error("diff schema failed")
		SetExitStatus(1)
		return
	}
	if unsupported != nil {
		printUnsupported(unsupported)
		ConsoleLog.Error("schema patch refused, the schemas have unsupported differences")
		SetExitStatus(1)
		return
	}
	if err = c.ApplySchemaPatch(ctx, patch); err != nil {
		ConsoleLog.WithError(err).Error("apply schema patch failed")
		SetExitStatus(1)
		return
	}
	ConsoleLog.Infof("applied %d schema statements", len(patch))
}
