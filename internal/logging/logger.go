/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

// Package logging holds the process-wide structured logger used by the transport packages.
//
// The level defaults to warn and can be changed with SetLevel or the PCIPC_LOG_LEVEL
// environment variable (debug, info, warn, error). PCIPC_LOG_DEV switches to colored
// console output.
package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLevel = "PCIPC_LOG_LEVEL"
	envDev   = "PCIPC_LOG_DEV"
)

var (
	level  = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	global atomic.Pointer[zap.Logger]
)

func init() {
	if v := os.Getenv(envLevel); v != "" {
		_ = SetLevelString(v)
	}
	global.Store(build(os.Getenv(envDev) != ""))
}

// L returns the process logger.
func L() *zap.Logger {
	return global.Load()
}

// Named returns a child of the process logger.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// SetLevel changes the level of every logger handed out by this package.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// SetLevelString parses l ("debug", "info", ...) and applies it.
func SetLevelString(l string) error {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(l)); err != nil {
		return err
	}
	level.SetLevel(lv)
	return nil
}

// Level returns the current level.
func Level() zapcore.Level {
	return level.Level()
}

// SetDevelopment switches between JSON and console encoding.
func SetDevelopment(dev bool) {
	global.Store(build(dev))
}

// Replace installs l as the process logger and returns a func restoring the previous one.
func Replace(l *zap.Logger) func() {
	prev := global.Swap(l)
	return func() { global.Store(prev) }
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

func build(dev bool) *zap.Logger {
	cfg := zap.Config{
		Level:             level,
		Development:       dev,
		Encoding:          "json",
		EncoderConfig:     encoderConfig(dev),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !dev,
	}
	if dev {
		cfg.Encoding = "console"
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		return zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	}
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
