// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logger is the agent's internal printf-style logger. Subsystems log
// through the package-level functions; hosts that embed the agent can lower
// the level to silence it entirely.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders message severities, lowest first
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const stampLayout = "2006/01/02 15:04:05"

// levelTags maps each level to its line tag and ANSI color
var levelTags = map[Level]struct {
	tag   string
	color string
}{
	LevelDebug: {"DEBUG", "\033[90m"},
	LevelInfo:  {"", ""}, // info lines carry no tag
	LevelWarn:  {"WARN", "\033[33m"},
	LevelError: {"ERROR", "\033[31m"},
}

const colorOff = "\033[0m"

// ParseLevel maps a config string onto a Level, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes tagged, timestamped lines above its configured level
type Logger struct {
	mu     sync.Mutex
	min    Level
	prefix string
	out    io.Writer
	color  bool
}

// Global is the process-wide logger the package functions write through
var Global = &Logger{min: LevelInfo, out: os.Stdout, color: stdoutIsTerminal()}

// Init sets the global logger's level from its config string
func Init(level string) {
	Global.SetLevel(level)
}

// NewLogger creates a logger at the given level writing to stdout
func NewLogger(level, prefix string) *Logger {
	return &Logger{
		min:    ParseLevel(level),
		prefix: prefix,
		out:    os.Stdout,
		color:  stdoutIsTerminal(),
	}
}

// SetLevel changes the minimum emitted level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = ParseLevel(level)
}

// SetOutput redirects the logger, disabling color
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
	l.color = false
}

// WithPrefix derives a child logger whose lines carry [prefix]
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{min: l.min, prefix: prefix, out: l.out, color: l.color}
}

// emit renders and writes one line if level clears the floor
func (l *Logger) emit(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.min {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(stampLayout))
	if t := levelTags[level]; t.tag != "" {
		if l.color {
			fmt.Fprintf(&b, " %s[%s]%s", t.color, t.tag, colorOff)
		} else {
			fmt.Fprintf(&b, " [%s]", t.tag)
		}
	}
	if l.prefix != "" {
		fmt.Fprintf(&b, " [%s]", l.prefix)
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *Logger) Debug(format string, args ...interface{}) { l.emit(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.emit(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.emit(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.emit(LevelError, format, args...) }

// Package-level shorthands writing through Global

func Debug(format string, args ...interface{}) { Global.Debug(format, args...) }
func Info(format string, args ...interface{})  { Global.Info(format, args...) }
func Warn(format string, args ...interface{})  { Global.Warn(format, args...) }
func Error(format string, args ...interface{}) { Global.Error(format, args...) }

// stdoutIsTerminal reports whether stdout is a character device; the
// FORCE_LOG_COLOR escape hatch keeps colors in captured CI output
func stdoutIsTerminal() bool {
	if os.Getenv("FORCE_LOG_COLOR") == "1" {
		return true
	}
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
