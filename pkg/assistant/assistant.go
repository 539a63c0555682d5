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

// Package assistant abstracts the host that performs backup I/O: scratch
// workspaces, the dump and restore tool subprocesses, archiving, and
// object-storage transfers. Strategies never touch the filesystem or spawn
// processes directly.
package assistant

import (
	"context"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// BackupAssistant is the host performing the I/O of a task
type BackupAssistant interface {
	// CreateTaskWorkspace creates the task's scratch directory
	CreateTaskWorkspace(task *v1.Task) error
	// DeleteTaskWorkspace removes the task's scratch directory
	DeleteTaskWorkspace(task *v1.Task) error
	// IsConnectorLocalToAssistant reports whether the connector points at
	// this host
	IsConnectorLocalToAssistant(conn connector.Connector) bool

	// SuspendIO freezes the filesystem under the connector through the
	// block storage
	SuspendIO(ctx context.Context, backup *v1.Backup, conn connector.Server, cbs source.CloudBlockStorage) error
	// ResumeIO unfreezes the filesystem under the connector
	ResumeIO(ctx context.Context, backup *v1.Backup, conn connector.Server, cbs source.CloudBlockStorage) error

	// DumpBackup runs the dump tool against uri into the named directory
	// under the task workspace, teeing tool output into logFileName
	DumpBackup(ctx context.Context, backup *v1.Backup, uri string, destinationDir, logFileName string,
		options []string) error
	// TarBackup archives the dump directory into tarFileName (tar+gzip)
	TarBackup(ctx context.Context, backup *v1.Backup, dumpDir, tarFileName string) error
	// UploadBackup uploads the named workspace file to every given target
	// simultaneously, returning the references in target order
	UploadBackup(ctx context.Context, backup *v1.Backup, fileName string, targets []target.Target,
		destinationPath string) ([]*target.FileReference, error)
	// UploadBackupLogFile uploads the dump tool log to the target
	UploadBackupLogFile(ctx context.Context, task *v1.Task, logFileName string, tgt target.Target,
		destinationPath string) (*target.FileReference, error)

	// DownloadRestoreSourceBackup downloads the restore's source artifact
	// into the workspace and returns the local file name
	DownloadRestoreSourceBackup(ctx context.Context, restore *v1.Restore) (string, error)
	// ExtractRestoreSourceBackup unpacks the downloaded artifact
	ExtractRestoreSourceBackup(ctx context.Context, restore *v1.Restore, fileName string) error
	// RunMongoRestore runs the restore tool. The system-user file flags
	// drop pre-2.6 user files that newer servers refuse to load.
	RunMongoRestore(ctx context.Context, restore *v1.Restore, destinationURI, dumpDir, sourceDatabase,
		logFileName string, deleteOldAdminUsersFile, deleteOldUsersFile bool, options []string) error
}
