/*
Authmilter - Mail authentication gateway for MTAs.
Copyright © 2024 The authmilter developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log implements a minimalistic logging library used by all
// authmilter components.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/authmilter/authmilter/framework/exterrors"
	"go.uber.org/zap"
)

// Logger writes formatted messages to the underlying log.Output object.
//
// Logger is stateless and can be copied freely. The underlying log.Output
// is shared between copies.
//
// Each message is prefixed with the logger name. Timestamp and debug flag
// formatting is the responsibility of log.Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Additional fields that will be added to every Msg output.
	Fields map[string]interface{}
}

// Zap returns a *zap.Logger that forwards messages to this Logger.
//
// It is used to plug libraries that expect a zap logger into the
// authmilter logging pipeline.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapBridge{l: l})
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event log message with key-value pairs built from the
// fields slice:
//
//	name: msg	key="value" key2="value2"
//
// The fields slice contains key strings followed by the corresponding
// values. Values implementing LogFormatter, fmt.Stringer or error are
// stringified accordingly.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message describing the handling of err.
// Fields attached to err via exterrors are merged into the message.
//
// msg indicates the top-level context in which the error is handled,
// e.g. "eom failed" if the error leads to a tempfail response at
// end-of-message.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	allFields := make(map[string]interface{}, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

type LogFormatter interface {
	FormatLog() string
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprint("field", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func formatValue(val interface{}) string {
	switch val := val.(type) {
	case LogFormatter:
		return val.FormatLog()
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	case time.Time:
		return val.UTC().Format("2006-01-02T15:04:05.000Z")
	default:
		return fmt.Sprint(val)
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	formatted := strings.Builder{}
	formatted.WriteString(msg)

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			fields[k] = v
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		formatted.WriteRune('\t')
		for i, k := range keys {
			if i != 0 {
				formatted.WriteRune(' ')
			}
			fmt.Fprintf(&formatted, "%s=%q", k, formatValue(fields[k]))
		}
	}

	return formatted.String()
}

// Write implements io.Writer, all bytes sent to it will be written as
// separate log messages. No line buffering is done.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns a writer that will act like Logger.Write but will
// mark messages as debug. If Logger.Debug is false, writes are discarded.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	l.Debug = true
	return &l
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
		return
	}

	// Logging is disabled - do nothing.
}

// DefaultLogger is the global Logger object used by package-level logging
// functions and as the fallback sink for Loggers without an Out.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
