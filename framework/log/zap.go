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

package log

import (
	"go.uber.org/zap/zapcore"
)

type zapBridge struct {
	l Logger
}

func (z zapBridge) Enabled(level zapcore.Level) bool {
	if z.l.Debug {
		return true
	}
	return level > zapcore.DebugLevel
}

func (z zapBridge) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	newF := make(map[string]interface{}, len(z.l.Fields)+len(enc.Fields))
	for k, v := range z.l.Fields {
		newF[k] = v
	}
	for k, v := range enc.Fields {
		newF[k] = v
	}
	z.l.Fields = newF
	return z
}

func (z zapBridge) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if z.Enabled(entry.Level) {
		return ce.AddCore(entry, z)
	}
	return ce
}

func (z zapBridge) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	if entry.LoggerName != "" {
		z.l.Name += "/" + entry.LoggerName
	}
	z.l.log(entry.Level == zapcore.DebugLevel, z.l.formatMsg(entry.Message, enc.Fields))
	return nil
}

func (zapBridge) Sync() error {
	return nil
}
