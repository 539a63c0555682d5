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

package assistant

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/execlog"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

const (
	mongodumpName    = "mongodump"
	mongorestoreName = "mongorestore"
	tarName          = "tar"
)

// LocalBackupAssistant performs task I/O on the host the agent runs on
type LocalBackupAssistant struct {
	workspaceRoot string
	hostname      string
}

// NewLocalBackupAssistant builds an assistant rooted at workspaceRoot
func NewLocalBackupAssistant(workspaceRoot string) *LocalBackupAssistant {
	hostname, _ := os.Hostname()
	return &LocalBackupAssistant{workspaceRoot: workspaceRoot, hostname: hostname}
}

// CreateTaskWorkspace implements BackupAssistant
func (a *LocalBackupAssistant) CreateTaskWorkspace(task *v1.Task) error {
	if task.Workspace == "" {
		task.Workspace = filepath.Join(a.workspaceRoot, task.ID)
	}
	if err := os.MkdirAll(task.Workspace, 0o700); err != nil {
		return mbserrors.NewWorkspaceCreationError(task.Workspace, err)
	}
	return nil
}

// DeleteTaskWorkspace implements BackupAssistant
func (a *LocalBackupAssistant) DeleteTaskWorkspace(task *v1.Task) error {
	if task.Workspace == "" {
		return nil
	}
	if err := os.RemoveAll(task.Workspace); err != nil {
		return errors.Wrapf(err, "failed to delete workspace '%s'", task.Workspace)
	}
	return nil
}

// IsConnectorLocalToAssistant implements BackupAssistant
func (a *LocalBackupAssistant) IsConnectorLocalToAssistant(conn connector.Connector) bool {
	host := conn.Address()
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	switch host {
	case "localhost", "127.0.0.1", a.hostname:
		return true
	}
	return false
}

// SuspendIO implements BackupAssistant
func (a *LocalBackupAssistant) SuspendIO(ctx context.Context, _ *v1.Backup,
	conn connector.Server, cbs source.CloudBlockStorage,
) error {
	log.Info("suspending io", "server", conn.Address(), "mountPoint", cbs.MountPoint())
	return cbs.SuspendIO(ctx)
}

// ResumeIO implements BackupAssistant
func (a *LocalBackupAssistant) ResumeIO(ctx context.Context, _ *v1.Backup,
	conn connector.Server, cbs source.CloudBlockStorage,
) error {
	log.Info("resuming io", "server", conn.Address(), "mountPoint", cbs.MountPoint())
	return cbs.ResumeIO(ctx)
}

// DumpBackup implements BackupAssistant. The command line carries
// credentials: neither the arguments nor the tool stderr may end up in the
// returned error, only the exit code and the last log line.
func (a *LocalBackupAssistant) DumpBackup(ctx context.Context, backup *v1.Backup,
	uri string, destinationDir, logFileName string, options []string,
) error {
	destinationPath := filepath.Join(backup.Workspace, destinationDir)
	args := append([]string{uri, "-o", destinationPath}, options...)
	args = toolArgs(args)

	returnCode, lastLine, err := a.runLoggedTool(ctx, mongodumpName, args, backup.Workspace, logFileName)
	if err != nil {
		var workspaceErr *mbserrors.WorkspaceCreationError
		if errors.As(err, &workspaceErr) {
			return err
		}
		return mbserrors.ClassifyDumpError(returnCode, lastLine)
	}
	return nil
}

// TarBackup implements BackupAssistant
func (a *LocalBackupAssistant) TarBackup(ctx context.Context, backup *v1.Backup,
	dumpDir, tarFileName string,
) error {
	cmd := exec.CommandContext(ctx, tarName, "-czf", tarFileName, dumpDir)
	cmd.Dir = backup.Workspace
	logger := log.WithName(tarName)
	stdout := &execlog.LogWriter{Logger: logger.WithValues(execlog.PipeKey, execlog.StdOut)}
	stderr := &execlog.LogWriter{Logger: logger.WithValues(execlog.PipeKey, execlog.StdErr)}
	if _, err := execlog.RunStreaming(cmd, tarName, stdout, stderr); err != nil {
		return mbserrors.NewArchiveError(err)
	}
	return nil
}

// UploadBackup implements BackupAssistant: all targets are uploaded to
// simultaneously and the first failure aborts the rest
func (a *LocalBackupAssistant) UploadBackup(ctx context.Context, backup *v1.Backup,
	fileName string, targets []target.Target, destinationPath string,
) ([]*target.FileReference, error) {
	localPath := filepath.Join(backup.Workspace, fileName)

	refs := make([]*target.FileReference, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, tgt := range targets {
		i, tgt := i, tgt
		group.Go(func() error {
			ref, err := tgt.PutFile(groupCtx, localPath, destinationPath)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// UploadBackupLogFile implements BackupAssistant
func (a *LocalBackupAssistant) UploadBackupLogFile(ctx context.Context, task *v1.Task,
	logFileName string, tgt target.Target, destinationPath string,
) (*target.FileReference, error) {
	localPath := filepath.Join(task.Workspace, logFileName)
	return tgt.PutFile(ctx, localPath, destinationPath)
}

// DownloadRestoreSourceBackup implements BackupAssistant
func (a *LocalBackupAssistant) DownloadRestoreSourceBackup(ctx context.Context,
	restore *v1.Restore,
) (string, error) {
	sourceBackup := restore.SourceBackup
	fileRef := sourceBackup.TargetReference.File()
	if fileRef == nil {
		return "", mbserrors.NewConfigurationError(
			"backup '%s' has no file artifact to restore from", sourceBackup.ID)
	}
	localPath, err := sourceBackup.Target.GetFile(ctx, fileRef, restore.Workspace)
	if err != nil {
		return "", err
	}
	return filepath.Base(localPath), nil
}

// ExtractRestoreSourceBackup implements BackupAssistant
func (a *LocalBackupAssistant) ExtractRestoreSourceBackup(ctx context.Context,
	restore *v1.Restore, fileName string,
) error {
	cmd := exec.CommandContext(ctx, tarName, "-xzf", fileName)
	cmd.Dir = restore.Workspace
	logger := log.WithName(tarName)
	stdout := &execlog.LogWriter{Logger: logger.WithValues(execlog.PipeKey, execlog.StdOut)}
	stderr := &execlog.LogWriter{Logger: logger.WithValues(execlog.PipeKey, execlog.StdErr)}
	if _, err := execlog.RunStreaming(cmd, tarName, stdout, stderr); err != nil {
		return mbserrors.NewExtractError(err)
	}
	return nil
}

// RunMongoRestore implements BackupAssistant
func (a *LocalBackupAssistant) RunMongoRestore(ctx context.Context, restore *v1.Restore,
	destinationURI, dumpDir, sourceDatabase, logFileName string,
	deleteOldAdminUsersFile, deleteOldUsersFile bool, options []string,
) error {
	dumpPath := filepath.Join(restore.Workspace, dumpDir)
	if sourceDatabase != "" {
		dumpPath = filepath.Join(dumpPath, sourceDatabase)
	}

	if deleteOldAdminUsersFile {
		a.removeSystemUsersFiles(filepath.Join(restore.Workspace, dumpDir, "admin"))
	}
	if deleteOldUsersFile {
		a.removeSystemUsersFiles(dumpPath)
	}

	args := append([]string{destinationURI}, options...)
	args = append(args, dumpPath)
	args = toolArgs(args)

	returnCode, lastLine, err := a.runLoggedTool(ctx, mongorestoreName, args, restore.Workspace, logFileName)
	if err != nil {
		var workspaceErr *mbserrors.WorkspaceCreationError
		if errors.As(err, &workspaceErr) {
			return err
		}
		return mbserrors.NewRestoreError(returnCode, lastLine)
	}
	return nil
}

// removeSystemUsersFiles drops pre-2.6 system.users dump files that newer
// destinations refuse to load
func (a *LocalBackupAssistant) removeSystemUsersFiles(dir string) {
	for _, name := range []string{"system.users.bson", "system.users.metadata.json"} {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warning("failed to remove system users file", "path", path, "error", err.Error())
		} else if err == nil {
			log.Info("removed system users file", "path", path)
		}
	}
}

// runLoggedTool runs a tool subprocess, teeing its output into the named
// workspace log file and retaining the last output line
func (a *LocalBackupAssistant) runLoggedTool(ctx context.Context, toolName string,
	args []string, workspace, logFileName string,
) (int, string, error) {
	logPath := filepath.Join(workspace, logFileName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return -1, "", mbserrors.NewWorkspaceCreationError(workspace, err)
	}
	defer func() { _ = logFile.Close() }()

	fileSink := &execlog.FileLineWriter{File: logFile}
	recorder := &execlog.LineRecorder{Next: fileSink}

	cmd := exec.CommandContext(ctx, toolName, args...)
	returnCode, runErr := execlog.RunStreaming(cmd, toolName, recorder, recorder)
	return returnCode, recorder.LastLine(), runErr
}

// toolArgs prefixes the connection string argument so tools that require an
// explicit flag accept it
func toolArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	return append([]string{"--uri", args[0]}, args[1:]...)
}
