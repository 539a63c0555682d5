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

package execlog

import (
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// LogWriter implements the Writer interface using the logger.
// It uses "Info" as logging level.
type LogWriter struct {
	Logger logr.Logger
}

// Write logs the given slice of bytes using the provided Logger
func (w *LogWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.Logger.Info(string(p))
	}

	return len(p), nil
}

// LineRecorder is a line sink that remembers the last non-empty line it saw
// and forwards every line to an optional next writer. Safe for concurrent
// use, the stdout and stderr pipes write from separate goroutines.
type LineRecorder struct {
	Next interface {
		Write(p []byte) (int, error)
	}

	mu       sync.Mutex
	lastLine string
}

// Write implements io.Writer, one line per call
func (r *LineRecorder) Write(p []byte) (int, error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		r.mu.Lock()
		r.lastLine = line
		r.mu.Unlock()
	}
	if r.Next != nil {
		return r.Next.Write(p)
	}
	return len(p), nil
}

// LastLine returns the last non-empty line written so far
func (r *LineRecorder) LastLine() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLine
}

// FileLineWriter appends each line it receives to an opened log file,
// restoring the newline the pipe scanner stripped
type FileLineWriter struct {
	File interface {
		WriteString(s string) (int, error)
	}

	mu sync.Mutex
}

// Write implements io.Writer, one line per call
func (w *FileLineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.File.WriteString(string(p) + "\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}
