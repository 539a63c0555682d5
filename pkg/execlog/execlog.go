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

// Package execlog handles stdout and stderr pipes of started commands,
// streaming them line by line into the provided writers. Tool invocations
// carry credentials on the command line, so nothing here ever logs the
// command arguments themselves.
package execlog

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/go-logr/logr"

	"github.com/anthrax3/mongodb-backup-system/pkg/log"
)

const (
	// PipeKey is the key for the pipe the log refers to
	PipeKey = "pipe"
	// StdOut is the PipeKey value for stdout
	StdOut = "stdout"
	// StdErr is the PipeKey value for stderr
	StdErr = "stderr"
)

// RunStreaming executes the command redirecting its stdout and stderr to the
// given writers, waits for it to terminate and returns its exit code
func RunStreaming(cmd *exec.Cmd, cmdName string, stdoutWriter, stderrWriter io.Writer) (int, error) {
	if err := RunStreamingNoWait(cmd, cmdName, stdoutWriter, stderrWriter); err != nil {
		return -1, err
	}

	err := cmd.Wait()
	return ExitCode(err), err
}

// ExitCode extracts the process exit code from a Wait error; 0 for success,
// -1 when the process did not run
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// RunStreamingNoWait executes the command redirecting its stdout and stderr
// to the corresponding writers. This function does not wait for the command
// to terminate.
func RunStreamingNoWait(cmd *exec.Cmd, cmdName string, stdoutWriter, stderrWriter io.Writer) error {
	logger := log.WithName(cmdName)

	stdoutPipeRead, stdoutPipeWrite, err := os.Pipe()
	if err != nil {
		return err
	}

	stderrPipeRead, stderrPipeWrite, err := os.Pipe()
	if err != nil {
		return err
	}

	cmd.Stdout = stdoutPipeWrite
	cmd.Stderr = stderrPipeWrite
	if err := cmd.Start(); err != nil {
		return err
	}

	if err := stdoutPipeWrite.Close(); err != nil {
		return err
	}
	if err := stderrPipeWrite.Close(); err != nil {
		return err
	}

	go copyPipe(stdoutWriter, stdoutPipeRead, logger)
	go copyPipe(stderrWriter, stderrPipeRead, logger)

	return nil
}

// copyPipe copies the content of an io.Reader into an io.Writer one line at
// a time
func copyPipe(dst io.Writer, src io.ReadCloser, logger logr.Logger) {
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error(err, "error closing src pipe")
		}
	}()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := dst.Write(line); err != nil {
			logger.Error(err, "can't write to dst writer")
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error(err, "can't scan from src pipe")
	}
}
