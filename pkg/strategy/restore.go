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

package strategy

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/metrics"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

const restoreLogPrefix = "RESTORE_"

// runRestore is the shared restore flow: download the source artifact,
// unpack it, replay it into the destination. Like backups, every phase
// short-circuits when its END_* event is already logged.
func (b *base) runRestore(ctx context.Context, restore *v1.Restore) (err error) {
	started := time.Now()
	metrics.RecordRun("restore", b.strategyLabel())

	defer func() {
		metrics.RecordDuration("restore", b.strategyLabel(), time.Since(started).Seconds())
		if err != nil {
			b.handleRestoreFailure(ctx, restore, err)
		}
		b.cleanupRestoreWorkspace(ctx, restore)
	}()

	if restore.StartDate.IsZero() {
		restore.StartDate = time.Now().UTC()
		if err := b.Store.UpdateRestore(ctx, restore, persistence.Properties("startDate")); err != nil {
			return err
		}
	}

	sourceBackup, err := b.restoreSourceBackup(ctx, restore)
	if err != nil {
		return err
	}
	fileRef := sourceBackup.TargetReference.File()
	if fileRef == nil {
		return mbserrors.NewConfigurationError(
			"backup '%s' has no file artifact to restore from", sourceBackup.ID)
	}

	if err := b.Assistant.CreateTaskWorkspace(&restore.Task); err != nil {
		return err
	}
	if err := b.Store.UpdateRestore(ctx, restore, persistence.Properties("workspace")); err != nil {
		return err
	}
	if err := b.setRestoreName(ctx, restore, sourceBackup); err != nil {
		return err
	}

	fileName := fileRef.FileName
	if !restore.IsEventLogged(v1.EventEndDownloadBackup) {
		if fileName, err = b.downloadPhase(ctx, restore); err != nil {
			return err
		}
	}
	if !restore.IsEventLogged(v1.EventEndExtractBackup) {
		if err := b.extractPhase(ctx, restore, fileName); err != nil {
			return err
		}
	}
	if !restore.IsEventLogged(v1.EventEndRestoreDump) {
		if err := b.restoreDumpPhase(ctx, restore, sourceBackup); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) strategyLabel() string {
	if b.cfg != nil && b.cfg.Type != "" {
		return b.cfg.Type
	}
	return v1.DumpStrategyType
}

// restoreSourceBackup resolves the backup the restore reads from, loading
// it when the caller did not attach it
func (b *base) restoreSourceBackup(ctx context.Context, restore *v1.Restore) (*v1.Backup, error) {
	if restore.SourceBackup != nil {
		return restore.SourceBackup, nil
	}
	backup, err := b.Store.GetBackup(ctx, restore.SourceBackupID)
	if err != nil {
		return nil, err
	}
	restore.SourceBackup = backup
	return backup, nil
}

func (b *base) setRestoreName(ctx context.Context, restore *v1.Restore, sourceBackup *v1.Backup) error {
	var changed []string
	if name := "restore-" + sourceBackup.Name; name != restore.Name {
		restore.Name = name
		changed = append(changed, "name")
	}
	if description := "Restore of backup '" + sourceBackup.ID + "'"; description != restore.Description {
		restore.Description = description
		changed = append(changed, "description")
	}
	if len(changed) == 0 {
		return nil
	}
	return b.Store.UpdateRestore(ctx, restore, persistence.Properties(changed...))
}

// handleRestoreFailure computes and persists reschedulability before the
// error leaves the strategy
func (b *base) handleRestoreFailure(ctx context.Context, restore *v1.Restore, cause error) {
	retriable := mbserrors.IsRetriable(cause)
	restore.Reschedulable = restore.TryCount < v1.MaxRetries && retriable
	metrics.RecordFailure("restore", b.strategyLabel(), retriable)

	update := persistence.Update{
		Properties: []string{"reschedulable"},
		EventName:  "ERROR",
		EventType:  v1.EventTypeError,
		Message:    "restore failed",
		Details:    cause.Error(),
	}
	if persistErr := b.Store.UpdateRestore(ctx, restore, update); persistErr != nil {
		log.Error(persistErr, "failed to persist restore failure", "restoreId", restore.ID)
		b.Notifier.SendErrorNotification("restore failure not persisted",
			"restore '"+restore.ID+"'", persistErr)
	}
}

func (b *base) cleanupRestoreWorkspace(ctx context.Context, restore *v1.Restore) {
	if restore.Workspace == "" {
		return
	}
	if err := b.Assistant.DeleteTaskWorkspace(&restore.Task); err != nil {
		log.Error(err, "failed to clean up workspace", "restoreId", restore.ID)
		return
	}
	if err := b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventCleanup, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log cleanup event", "restoreId", restore.ID)
	}
}

func (b *base) downloadPhase(ctx context.Context, restore *v1.Restore) (string, error) {
	if err := b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventStartDownloadBackup, v1.EventTypeInfo)); err != nil {
		return "", err
	}
	fileName, err := b.Assistant.DownloadRestoreSourceBackup(ctx, restore)
	if err != nil {
		return "", err
	}
	return fileName, b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventEndDownloadBackup, v1.EventTypeInfo))
}

func (b *base) extractPhase(ctx context.Context, restore *v1.Restore, fileName string) error {
	if err := b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventStartExtractBackup, v1.EventTypeInfo)); err != nil {
		return err
	}
	if err := b.Assistant.ExtractRestoreSourceBackup(ctx, restore, fileName); err != nil {
		return err
	}
	return b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventEndExtractBackup, v1.EventTypeInfo))
}

// restoreDumpPhase replays the extracted dump into the destination, then
// records the destination's stats
func (b *base) restoreDumpPhase(ctx context.Context, restore *v1.Restore, sourceBackup *v1.Backup) error {
	if err := b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventStartRestoreDump, v1.EventTypeInfo)); err != nil {
		return err
	}

	sourceDatabase := restoreSourceDatabase(restore, sourceBackup)
	destinationURI, err := b.destinationURI(restore, sourceDatabase)
	if err != nil {
		return err
	}
	destConn, err := buildConnector(ctx, destinationURI)
	if err != nil {
		return err
	}
	destVersion, err := destConn.GetMongoVersion(ctx)
	if err != nil {
		return err
	}
	sourceVersion := restoreSourceVersion(sourceBackup)

	options := b.restoreOptions(restore, sourceBackup, destConn, destVersion, sourceDatabase)
	b.grantRestoreRole(ctx, destConn, destVersion)

	// pre-2.6 dumps carry system.users files that 2.6+ servers refuse to
	// load; they are dropped from the dump before the tool runs
	crossVersionUpgrade := !sourceVersion.IsZero() &&
		sourceVersion.Before(version.V26) && destVersion.AtLeast(version.V26)
	sameNewVersions := !sourceVersion.IsZero() &&
		sourceVersion.AtLeast(version.V26) && destVersion.AtLeast(version.V26)
	deleteOldAdminUsersFile := crossVersionUpgrade
	deleteOldUsersFile := crossVersionUpgrade || sameNewVersions

	logFileName := restoreLogPrefix + sourceBackup.Name + ".log"
	restoreErr := b.Assistant.RunMongoRestore(ctx, restore, destinationURI, sourceBackup.Name,
		sourceDatabase, logFileName, deleteOldAdminUsersFile, deleteOldUsersFile, options)
	b.uploadRestoreLogFile(ctx, restore, sourceBackup, logFileName)
	if restoreErr != nil {
		return restoreErr
	}

	if err := b.computeDestinationStats(ctx, restore, destConn); err != nil {
		return err
	}
	return b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventEndRestoreDump, v1.EventTypeInfo))
}

// destinationURI appends the destination database when the URI itself does
// not name one, falling back to the database the dump was scoped to so a
// database-level restore never replays without a target database
func (b *base) destinationURI(restore *v1.Restore, sourceDatabase string) (string, error) {
	parsed, err := mongouri.Parse(restore.Destination.URI)
	if err != nil {
		return "", mbserrors.NewConfigurationError("invalid destination uri: %v", err)
	}
	database := restore.Destination.DatabaseName
	if database == "" {
		database = sourceDatabase
	}
	return parsed.WithDatabase(database), nil
}

func restoreSourceVersion(sourceBackup *v1.Backup) version.Version {
	if sourceBackup.SourceStats == nil || sourceBackup.SourceStats.Version == "" {
		return version.Version{}
	}
	v, err := version.Parse(sourceBackup.SourceStats.Version)
	if err != nil {
		log.Warning("could not parse source backup version",
			"backupId", sourceBackup.ID, "version", sourceBackup.SourceStats.Version)
		return version.Version{}
	}
	return v
}

// restoreSourceDatabase resolves the database the dump was scoped to:
// explicit override first, then the source's own scope, then the recorded
// source stats
func restoreSourceDatabase(restore *v1.Restore, sourceBackup *v1.Backup) string {
	if restore.SourceDatabaseName != "" {
		return restore.SourceDatabaseName
	}
	if sourceBackup.Source != nil {
		if database := sourceBackup.Source.DatabaseName(); database != "" {
			return database
		}
	}
	if sourceBackup.SourceStats != nil {
		return sourceBackup.SourceStats.DatabaseName
	}
	return ""
}

// restoreOptions assembles the restore tool options from the destination's
// version and the shape of the dump
func (b *base) restoreOptions(restore *v1.Restore, sourceBackup *v1.Backup,
	destConn connector.Connector, destVersion version.Version, sourceDatabase string,
) []string {
	var options []string

	// whole-deployment dumps of replica members carry an oplog to replay
	if sourceDatabase == "" && sourceBackup.SourceStats != nil && sourceBackup.SourceStats.Repl != nil {
		options = append(options, "--oplogReplay")
	}

	if destVersion.AtLeast(version.V24) && hasAdminCredentials(destConn) {
		options = append(options, "--authenticationDatabase", "admin")
	}
	if destVersion.AtLeast(version.V26) && sourceDatabase != "" {
		options = append(options, "--restoreDbUsersAndRoles")
	}
	if b.cfg != nil && b.cfg.NoIndexRestore {
		options = append(options, "--noIndexRestore")
	}
	return options
}

// grantRestoreRole grants the destination user the restore role so user and
// role collections can be written, best effort
func (b *base) grantRestoreRole(ctx context.Context, destConn connector.Connector,
	destVersion version.Version,
) {
	if destVersion.Before(version.V26) {
		return
	}
	server, ok := destConn.(connector.Server)
	if !ok || server.Username() == "" {
		return
	}
	cmd := bson.D{
		{Key: "grantRolesToUser", Value: server.Username()},
		{Key: "roles", Value: bson.A{bson.D{
			{Key: "role", Value: "restore"},
			{Key: "db", Value: "admin"},
		}}},
	}
	if err := server.AdminCommand(ctx, cmd); err != nil {
		log.Warning("could not grant restore role to destination user",
			"server", server.Address(), "error", err.Error())
	}
}

// uploadRestoreLogFile ships the restore tool log next to the source
// backup's artifacts, best effort
func (b *base) uploadRestoreLogFile(ctx context.Context, restore *v1.Restore,
	sourceBackup *v1.Backup, logFileName string,
) {
	if sourceBackup.Target == nil {
		return
	}
	if err := b.Store.UpdateRestore(ctx, restore,
		persistence.Event(v1.EventStartUploadLogFile, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log restore log upload", "restoreId", restore.ID)
	}

	ref, err := b.Assistant.UploadBackupLogFile(ctx, &restore.Task, logFileName,
		sourceBackup.Target, logFileName)
	if err != nil {
		log.Error(err, "failed to upload restore log file", "restoreId", restore.ID)
		return
	}
	restore.LogTargetReference = ref

	if err := b.Store.UpdateRestore(ctx, restore, persistence.Update{
		Properties: []string{"logTargetReference"},
		EventName:  v1.EventEndUploadLogFile,
		EventType:  v1.EventTypeInfo,
	}); err != nil {
		log.Error(err, "failed to persist restore log reference", "restoreId", restore.ID)
	}
}

func (b *base) computeDestinationStats(ctx context.Context, restore *v1.Restore,
	destConn connector.Connector,
) error {
	stats, err := destConn.GetStats(ctx, restore.Destination.DatabaseName)
	if err != nil {
		log.Warning("could not compute destination stats after restore", "restoreId", restore.ID)
		return nil
	}
	restore.DestinationStats = stats
	return b.Store.UpdateRestore(ctx, restore, persistence.Properties("destinationStats"))
}
