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

// Package log wraps logrus with the caller hook and package level filters used by briefcase.
package log

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const modulePrefix = "github.com/CovenantSQL/briefcase/"

const (
	// PanicLevel level, logs and then calls panic.
	PanicLevel logrus.Level = iota
	// FatalLevel level, logs and then calls `os.Exit(1)`.
	FatalLevel
	// ErrorLevel level, used for errors that should definitely be noted.
	ErrorLevel
	// WarnLevel level, non-critical entries that deserve eyes.
	WarnLevel
	// InfoLevel level, general operational entries.
	InfoLevel
	// DebugLevel level, very verbose logging.
	DebugLevel
)

var (
	// PkgDebugLogFilter drops entries of the named packages which are more verbose than the
	// mapped level.
	PkgDebugLogFilter = map[string]logrus.Level{
		"cloud/blobserver": InfoLevel,
	}
	// SimpleLog is the flag of simple log format, "Y" for true, "N" for false.
	// Defined in `go build`.
	SimpleLog = "N"
)

// Discard formats every entry to nothing and swallows every write.
type Discard struct{}

// Format drops the entry.
func (Discard) Format(*logrus.Entry) ([]byte, error) { return nil, nil }

// Write drops p.
func (Discard) Write(p []byte) (int, error) { return len(p), nil }

var discardLogger = &logrus.Logger{
	Out:       Discard{},
	Formatter: Discard{},
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}

// Fields defines the field map to pass to `WithFields`.
type Fields logrus.Fields

// Entry wraps logrus entry type.
type Entry logrus.Entry

// CallerHook defines caller awareness hook for logrus.
type CallerHook struct {
	StackLevels []logrus.Level
}

// StandardCallerHook returns a caller hook which attaches stacks for panic, fatal and error
// entries.
func StandardCallerHook() *CallerHook {
	if SimpleLog == "Y" {
		return &CallerHook{}
	}
	return &CallerHook{
		StackLevels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel},
	}
}

// Fire defines hook event handler.
func (hook *CallerHook) Fire(entry *logrus.Entry) error {
	pkg, caller := hook.caller(entry)
	if level, ok := PkgDebugLogFilter[pkg]; ok && entry.Level > level {
		entry.Logger = discardLogger
		return nil
	}
	if caller != "" {
		entry.Data["caller"] = caller
	}
	return nil
}

// Levels define hook applicable level.
func (hook *CallerHook) Levels() []logrus.Level {
	if SimpleLog == "Y" {
		return []logrus.Level{}
	}
	return logrus.AllLevels
}

func (hook *CallerHook) caller(entry *logrus.Entry) (pkg, caller string) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(4, pcs)
	if n == 0 {
		return
	}
	var (
		frames      = runtime.CallersFrames(pcs[:n])
		stacks      []string
		foundCaller bool
	)
	for {
		f, more := frames.Next()
		isLogFrame := strings.Contains(f.File, "sirupsen/logrus") ||
			strings.HasSuffix(f.File, "logwrapper.go")
		if !foundCaller && !isLogFrame {
			rel := strings.TrimPrefix(f.Function, modulePrefix)
			slash := strings.LastIndex(rel, "/")
			if i := strings.Index(rel[slash+1:], "."); i > 0 {
				pkg = rel[:slash+1+i]
			}
			caller = fmt.Sprintf("%s:%d %s", filepath.Base(f.File), f.Line, rel)
			foundCaller = true
		}
		if foundCaller && f.Line > 0 {
			stacks = append(stacks, fmt.Sprintf("#%d %s@%s:%d",
				len(stacks), strings.TrimPrefix(f.Function, modulePrefix), filepath.Base(f.File), f.Line))
		}
		if !more {
			break
		}
	}
	for _, level := range hook.StackLevels {
		if entry.Level == level {
			entry.Data["stack"] = stacks
			break
		}
	}
	return
}

func init() {
	logrus.AddHook(StandardCallerHook())
}

// SetOutput sets the standard logger output.
func SetOutput(out io.Writer) {
	logrus.SetOutput(out)
}

// SetLevel sets the standard logger level.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// GetLevel returns the standard logger level.
func GetLevel() logrus.Level {
	return logrus.GetLevel()
}

// SetStringLevel enforces the log level from string, falls back to defaultLevel on parse errors.
func SetStringLevel(lvl string, defaultLevel logrus.Level) {
	if l, err := logrus.ParseLevel(lvl); err != nil {
		SetLevel(defaultLevel)
	} else {
		SetLevel(l)
	}
}

// WithError creates an entry from the standard logger and adds an error to it.
func WithError(err error) *Entry {
	return (*Entry)(logrus.WithError(err))
}

// WithField creates an entry from the standard logger and adds a field to it.
func WithField(key string, value interface{}) *Entry {
	return (*Entry)(logrus.WithField(key, value))
}

// WithFields creates an entry from the standard logger and adds multiple fields to it.
func WithFields(fields Fields) *Entry {
	return (*Entry)(logrus.WithFields(logrus.Fields(fields)))
}

// Debug logs a message at level Debug on the standard logger.
func Debug(args ...interface{}) { logrus.Debug(args...) }

// Debugf logs a message at level Debug on the standard logger.
func Debugf(format string, args ...interface{}) { logrus.Debugf(format, args...) }

// Info logs a message at level Info on the standard logger.
func Info(args ...interface{}) { logrus.Info(args...) }

// Infof logs a message at level Info on the standard logger.
func Infof(format string, args ...interface{}) { logrus.Infof(format, args...) }

// Warning logs a message at level Warn on the standard logger.
func Warning(args ...interface{}) { logrus.Warning(args...) }

// Warningf logs a message at level Warn on the standard logger.
func Warningf(format string, args ...interface{}) { logrus.Warningf(format, args...) }

// Error logs a message at level Error on the standard logger.
func Error(args ...interface{}) { logrus.Error(args...) }

// Errorf logs a message at level Error on the standard logger.
func Errorf(format string, args ...interface{}) { logrus.Errorf(format, args...) }

// Fatal logs a message at level Fatal on the standard logger.
func Fatal(args ...interface{}) { logrus.Fatal(args...) }

// WithError adds an error as single field to the log entry.
func (e *Entry) WithError(err error) *Entry {
	return (*Entry)((*logrus.Entry)(e).WithError(err))
}

// WithField adds a single field to the log entry.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return (*Entry)((*logrus.Entry)(e).WithField(key, value))
}

// WithFields adds a map of fields to the log entry.
func (e *Entry) WithFields(fields Fields) *Entry {
	return (*Entry)((*logrus.Entry)(e).WithFields(logrus.Fields(fields)))
}

// Debug logs a message at level Debug.
func (e *Entry) Debug(args ...interface{}) { (*logrus.Entry)(e).Debug(args...) }

// Debugf logs a message at level Debug.
func (e *Entry) Debugf(format string, args ...interface{}) { (*logrus.Entry)(e).Debugf(format, args...) }

// Info logs a message at level Info.
func (e *Entry) Info(args ...interface{}) { (*logrus.Entry)(e).Info(args...) }

// Infof logs a message at level Info.
func (e *Entry) Infof(format string, args ...interface{}) { (*logrus.Entry)(e).Infof(format, args...) }

// Warning logs a message at level Warn.
func (e *Entry) Warning(args ...interface{}) { (*logrus.Entry)(e).Warning(args...) }

// Error logs a message at level Error.
func (e *Entry) Error(args ...interface{}) { (*logrus.Entry)(e).Error(args...) }

// Fatal logs a message at level Fatal.
func (e *Entry) Fatal(args ...interface{}) { (*logrus.Entry)(e).Fatal(args...) }
