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
	"strconv"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/briefcase/ids"
)

// CmdWriterID is cql-briefcase writerid command entity.
var CmdWriterID = &Command{
	UsageLine: "cql-briefcase writerid [common params] [-copy file] [-assign id | -reset id]",
	Short:     "show, assign or reset the writer id of a copy",
	Long: `
WriterID prints the writer id of a briefcase copy, its GUID and the last change set sequence.
e.g.
    cql-briefcase writerid -copy main.db

A copy without a writer id can be given one, ids are decimal or 0x prefixed hex:
    cql-briefcase writerid -copy main.db -assign 0x103

Resetting a writer id wipes the local values of the copy and needs exclusive access:
    cql-briefcase writerid -copy main.db -mode Exclusive -reset 0x104
`,
}

// CmdNextID is cql-briefcase nextid command entity.
var CmdNextID = &Command{
	UsageLine: "cql-briefcase nextid [common params] [-copy file] [-n count]",
	Short:     "allocate distributed ids from a copy",
	Long: `
NextID allocates distributed ids from the writer of a copy and prints them one per line.
e.g.
    cql-briefcase nextid -copy main.db -n 3
`,
}

var (
	assignWriter string
	resetWriter  string
	idCount      int
)

func init() {
	CmdWriterID.Run = runWriterID
	CmdNextID.Run = runNextID

	addCommonFlags(CmdWriterID)
	addCopyFlags(CmdWriterID)
	CmdWriterID.Flag.StringVar(&assignWriter, "assign", "", "Writer id to assign to an unassigned copy")
	CmdWriterID.Flag.StringVar(&resetWriter, "reset", "", "Writer id replacing the current one")

	addCommonFlags(CmdNextID)
	addCopyFlags(CmdNextID)
	CmdNextID.Flag.IntVar(&idCount, "n", 1, "Number of ids to allocate")
}

func parseWriterID(s string) (w ids.WriterID, err error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		err = errors.Wrapf(ids.ErrInvalidWriterID, "parse %q: %v", s, err)
		return
	}
	w = ids.WriterID(v)
	if !w.Valid() {
		err = errors.Wrapf(ids.ErrInvalidWriterID, "writer %s out of range", w)
	}
	return
}

func runWriterID(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	if assignWriter != "" && resetWriter != "" {
		ConsoleLog.Error("-assign and -reset are exclusive")
		SetExitStatus(1)
		return
	}

	c := mustOpenCopy(ctx)
	switch {
	case assignWriter != "":
		w, err := parseWriterID(assignWriter)
		if err == nil {
			err = c.AssignWriterID(ctx, w)
		}
		if err != nil {
			ConsoleLog.WithError(err).Error("assign writer id failed")
			SetExitStatus(1)
			return
		}
	case resetWriter != "":
		w, err := parseWriterID(resetWriter)
		if err == nil {
			err = c.ResetWriterID(ctx, w)
		}
		if err != nil {
			ConsoleLog.WithError(err).Error("reset writer id failed")
			SetExitStatus(1)
			return
		}
	}

	seq, err := c.LastSeq(ctx)
	if err != nil {
		ConsoleLog.WithError(err).Error("read last change set sequence failed")
		SetExitStatus(1)
		return
	}
	fmt.Printf("path:     %s\n", c.Path())
	fmt.Printf("guid:     %s\n", c.GUID())
	fmt.Printf("writer:   %s\n", c.WriterID())
	fmt.Printf("last seq: %d\n", seq)
	if halted, reason := c.Halted(); halted {
		fmt.Printf("halted:   %s\n", reason)
	}
}

func runNextID(cmd *Command, args []string) {
	configInit(cmd)
	ctx := context.Background()

	if idCount <= 0 {
		ConsoleLog.Error("-n must be positive")
		SetExitStatus(1)
		return
	}
	c := mustOpenCopy(ctx)
	for i := 0; i < idCount; i++ {
		id, err := c.NextID(ctx, c.WriterID())
		if err != nil {
			ConsoleLog.WithError(err).Error("allocate id failed")
			SetExitStatus(1)
			return
		}
		fmt.Println(id)
	}
}
