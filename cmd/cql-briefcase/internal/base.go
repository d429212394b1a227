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
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Command is a cql-briefcase sub command.
type Command struct {
	// Run runs the command, args are the arguments left after flag parsing.
	Run func(cmd *Command, args []string)

	// UsageLine is the one-line usage message, the first word after the program name is the
	// command name.
	UsageLine string

	// Short is the short description shown in the command list.
	Short string

	// Long is the long message shown in 'cql-briefcase help <command>'.
	Long string

	// Description is used when Short is empty.
	Description string

	// Flag is a set of flags specific to this command.
	Flag flag.FlagSet
}

var (
	// Commands lists the available commands and help topics, set by main.
	Commands []*Command

	// ConsoleLog is logging for console.
	ConsoleLog *logrus.Logger

	exitMu      sync.Mutex
	exitStatus  int
	atExitFuncs []func()
)

func init() {
	ConsoleLog = logrus.New()
	ConsoleLog.Out = os.Stderr
}

// LongName returns the command's long name: all the words in the usage line between the
// program name and the first flag or argument.
func (c *Command) LongName() string {
	name := c.UsageLine
	if i := strings.Index(name, " ["); i >= 0 {
		name = name[:i]
	}
	if i := strings.Index(name, " -"); i >= 0 {
		name = name[:i]
	}
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return ""
	}
	var words []string
	for _, f := range fields[1:] {
		if strings.ContainsAny(f, "<>[]") {
			break
		}
		words = append(words, f)
	}
	return strings.Join(words, " ")
}

// Name returns the command's short name: the last word of its long name.
func (c *Command) Name() string {
	name := c.LongName()
	if i := strings.LastIndex(name, " "); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Summary returns the text shown next to the command name in the command list.
func (c *Command) Summary() string {
	if c.Short != "" {
		return c.Short
	}
	return c.Description
}

// Usage prints the command usage and exits with status 2.
func (c *Command) Usage() {
	fmt.Fprintf(os.Stderr, "usage: %s\n", c.UsageLine)
	if c.Long != "" {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(c.Long))
	}
	fmt.Fprintln(os.Stderr, "\nParams:")
	c.Flag.SetOutput(os.Stderr)
	c.Flag.PrintDefaults()
	SetExitStatus(2)
	Exit()
}

// Runnable reports whether the command can be run, otherwise it is a documentation
// pseudo-command.
func (c *Command) Runnable() bool {
	return c.Run != nil
}

// AtExit registers f to run before the process exits.
func AtExit(f func()) {
	exitMu.Lock()
	defer exitMu.Unlock()
	atExitFuncs = append(atExitFuncs, f)
}

// SetExitStatus raises the exit status to n.
func SetExitStatus(n int) {
	exitMu.Lock()
	defer exitMu.Unlock()
	if exitStatus < n {
		exitStatus = n
	}
}

// ExitStatus returns the current exit status.
func ExitStatus() int {
	exitMu.Lock()
	defer exitMu.Unlock()
	return exitStatus
}

// Exit runs the registered exit functions and exits with the current status.
func Exit() {
	exitMu.Lock()
	funcs := atExitFuncs
	atExitFuncs = nil
	exitMu.Unlock()
	for _, f := range funcs {
		f()
	}
	os.Exit(ExitStatus())
}

// MainUsage prints the program usage and exits with status 2.
func MainUsage() {
	fmt.Fprintf(os.Stderr, "%s is a tool for local-first briefcase databases.\n\nUsage:\n\n", name)
	fmt.Fprintf(os.Stderr, "    %s <command> [params] [arguments]\n\nThe commands are:\n\n", name)
	for _, cmd := range Commands {
		if !cmd.Runnable() {
			continue
		}
		fmt.Fprintf(os.Stderr, "    %-12s %s\n", cmd.Name(), cmd.Summary())
	}
	fmt.Fprintf(os.Stderr, "\nUse \"%s help <command>\" for more information about a command.\n", name)
	SetExitStatus(2)
	Exit()
}
