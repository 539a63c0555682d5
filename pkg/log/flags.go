/*
Copyright The MongoDB Backup System Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// log level names accepted by --log-level
const (
	ErrorLevelString = "error"
	InfoLevelString  = "info"
	DebugLevelString = "debug"

	DefaultLevelString = InfoLevelString
)

// Flags carries the logging configuration of the agent commands
type Flags struct {
	logLevel       string
	logDestination string
}

// AddFlags binds the logging flags to a flagset
func (l *Flags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&l.logLevel, "log-level", DefaultLevelString,
		"the desired log level, one of error, info and debug")
	flags.StringVar(&l.logDestination, "log-destination", "",
		"where the log stream will be written, defaults to standard error")
}

// ConfigureLogging builds the process logger honoring the flags passed from
// the user and installs it as the package logger
func (l *Flags) ConfigureLogging() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(getLogLevel(l.logLevel))
	if l.logDestination != "" {
		cfg.OutputPaths = []string{l.logDestination}
		cfg.ErrorOutputPaths = []string{l.logDestination}
	}

	zapLogger, err := cfg.Build()
	if err != nil {
		zapLogger = zap.NewNop()
	}
	logger := zapr.NewLogger(zapLogger)
	if l.logLevel != ErrorLevelString && l.logLevel != InfoLevelString && l.logLevel != DebugLevelString {
		logger.Info("Invalid log level, defaulting",
			"level", l.logLevel, "default", DefaultLevelString)
	}
	SetLogger(logger)
}

func getLogLevel(level string) zapcore.Level {
	switch level {
	case ErrorLevelString:
		return zapcore.ErrorLevel
	case DebugLevelString:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
