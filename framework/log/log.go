/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

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

// Package log implements the structured logging used across every OutFlow
// component (queues, dispatcher, ingress, admin API).
package log

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/outflowmta/outflow/framework/errs"
	"go.uber.org/zap"
)

// Logger writes formatted output to the underlying Output.
//
// Logger is stateless and can be copied freely. Each log message is prefixed
// with the logger name; timestamp and debug-flag formatting is the Output's
// responsibility. Logger itself provides no serialization, so goroutine
// safety depends on the Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are added to every Msg/Error call made through this Logger.
	Fields map[string]interface{}
}

// Zap adapts this Logger to a *zap.Logger so third-party libraries that
// expect one can log through the same pipeline as the rest of the server.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{L: l})
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

// Msg writes an event log message with structured key/value fields:
//
//	name: msg	{"key":"value","key2":"value2"}
//
// fields must be a flat key,value,key,value,... list.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message describing a failure. If err carries
// fields (via errs.Fields), they are merged in; a "reason" field is
// populated from err.Error() unless the error already supplied one.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := errs.Fields(err)
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

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprint("field", i)] = key
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	formatted := strings.Builder{}
	formatted.WriteString(msg)
	formatted.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrderedJSON(&formatted, fields); err != nil {
			return fmt.Sprintf("[broken field formatting: %v] %v %+v", err, msg, fields)
		}
	}

	return formatted.String()
}

// LogFormatter lets a value control how it is rendered inside a Msg field.
type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer; every call is emitted as one log message with
// no line buffering.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns an io.Writer that writes through Write. If l.Debug is
// false, the returned writer discards everything. Messages it does write go
// out through Write and so are not marked as debug messages to the Output.
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
	}
}

// DefaultLogger is the process-wide fallback used by the package-level
// logging functions and by Loggers with a nil Out.
var DefaultLogger = Logger{Out: StderrOutput(true)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
