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

// Package log contains the logging subsystem of the backup system
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Log is the logger that will be used in this package
var Log logr.Logger = zapr.NewLogger(zap.NewNop())

// SetLogger will set the backing logr implementation for the backup system
func SetLogger(logger logr.Logger) {
	Log = logger
}

// NewDevelopmentLogger builds a zap-backed logger suitable for interactive use
func NewDevelopmentLogger() (logr.Logger, error) {
	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLogger), nil
}

// NewProductionLogger builds the JSON zap-backed logger used by the agent
func NewProductionLogger() (logr.Logger, error) {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLogger), nil
}

// WithName returns a logger with the given name appended to Log
func WithName(name string) logr.Logger {
	return Log.WithName(name)
}

// WithValues returns a logger with the given key/value pairs appended to Log
func WithValues(keysAndValues ...interface{}) logr.Logger {
	return Log.WithValues(keysAndValues...)
}

// Info logs an informational message using the package logger
func Info(msg string, keysAndValues ...interface{}) {
	Log.Info(msg, keysAndValues...)
}

// Warning logs a message at the conventional warning verbosity
func Warning(msg string, keysAndValues ...interface{}) {
	Log.WithValues("severity", "warning").Info(msg, keysAndValues...)
}

// Error logs an error message using the package logger
func Error(err error, msg string, keysAndValues ...interface{}) {
	Log.Error(err, msg, keysAndValues...)
}
