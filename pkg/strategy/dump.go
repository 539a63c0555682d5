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

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/metrics"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/robustify"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

const (
	dumpMaxAttempts = 3

	failedArtifactPrefix = "FAILED_"
)

// dumpRetryInterval is a variable so tests can shrink the retry pacing
var dumpRetryInterval = 30 * time.Second

// DumpStrategy backs up by running the dump tool against the selected
// member, archiving the output and uploading it
type DumpStrategy struct {
	base
}

// NewDumpStrategy builds a dump strategy from its config
func NewDumpStrategy(cfg *v1.StrategyConfig, c MbsContext) *DumpStrategy {
	return &DumpStrategy{base: base{MbsContext: c, cfg: cfg}}
}

// Name implements Strategy
func (s *DumpStrategy) Name() string { return v1.DumpStrategyType }

// RunBackup implements Strategy
func (s *DumpStrategy) RunBackup(ctx context.Context, backup *v1.Backup) error {
	return s.runBackup(ctx, backup, s)
}

// RunRestore implements Strategy
func (s *DumpStrategy) RunRestore(ctx context.Context, restore *v1.Restore) error {
	return s.runRestore(ctx, restore)
}

// a resumed task whose extraction already finished keeps its member and
// stats
func (s *DumpStrategy) needsNewMemberSelection(backup *v1.Backup) bool {
	return !backup.IsEventLogged(v1.EventEndExtract)
}

func (s *DumpStrategy) needsNewSourceStats(backup *v1.Backup) bool {
	return !backup.IsEventLogged(v1.EventEndExtract)
}

// doBackup walks extract, archive, upload; each phase short-circuits when
// its END_* event is already logged
func (s *DumpStrategy) doBackup(ctx context.Context, backup *v1.Backup, conn connector.Connector) error {
	dumpDir := backup.Name
	logFileName := backup.Name + ".log"
	tarFileName := backup.Name + ".tgz"

	if !backup.IsEventLogged(v1.EventEndExtract) {
		if err := s.extractPhase(ctx, backup, conn, dumpDir, logFileName); err != nil {
			return err
		}
	}

	if !backup.IsEventLogged(v1.EventEndArchive) {
		if err := s.archivePhase(ctx, backup, dumpDir, tarFileName); err != nil {
			return err
		}
	}

	if !backup.IsEventLogged(v1.EventEndUpload) {
		if err := s.uploadPhase(ctx, backup, tarFileName); err != nil {
			return err
		}
	}
	return nil
}

// extractPhase runs the dump tool with inline retries. The dump log is
// uploaded after every attempt, success or failure; a failed dump directory
// is additionally archived and uploaded under a FAILED_ prefix.
func (s *DumpStrategy) extractPhase(ctx context.Context, backup *v1.Backup,
	conn connector.Connector, dumpDir, logFileName string,
) error {
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStartExtract, v1.EventTypeInfo)); err != nil {
		return err
	}

	options, err := s.dumpOptions(ctx, backup, conn)
	if err != nil {
		return err
	}
	uri, err := s.dumpURI(backup, conn)
	if err != nil {
		return err
	}

	attempt := 0
	err = robustify.Do(ctx, robustify.Options{
		MaxAttempts: dumpMaxAttempts,
		Interval:    dumpRetryInterval,
	}, func() error {
		attempt++
		if attempt > 1 {
			metrics.RecordPhaseRetry("extract")
		}
		dumpErr := s.Assistant.DumpBackup(ctx, backup, uri, dumpDir, logFileName, options)
		s.uploadDumpLogFile(ctx, backup, logFileName)
		if dumpErr != nil {
			s.uploadFailedDump(ctx, backup, dumpDir)
		}
		return dumpErr
	})
	if err != nil {
		return err
	}

	return s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventEndExtract, v1.EventTypeInfo))
}

// dumpURI is the member URI, with the backup's database appended when the
// source URI does not already carry it
func (s *DumpStrategy) dumpURI(backup *v1.Backup, conn connector.Connector) (string, error) {
	parsed, err := mongouri.Parse(conn.URI())
	if err != nil {
		return "", err
	}
	return parsed.WithDatabase(backup.DatabaseName()), nil
}

// dumpOptions assembles the dump tool options from the connector's role and
// version
func (s *DumpStrategy) dumpOptions(ctx context.Context, backup *v1.Backup,
	conn connector.Connector,
) ([]string, error) {
	var options []string

	server, isServer := conn.(connector.Server)

	if isServer {
		isConfig, err := server.IsConfigServer(ctx)
		if err != nil {
			return nil, err
		}
		if isConfig {
			options = append(options, "--journal")
		}
	}

	if backup.DatabaseName() == "" {
		if s.cfg.ForceTableScan {
			options = append(options, "--forceTableScan")
		}
		if isServer {
			isReplica, err := server.IsReplicaMember(ctx)
			if err != nil {
				return nil, err
			}
			if isReplica {
				options = append(options, "--oplog")
			}
		}
	}

	mongoVersion, err := conn.GetMongoVersion(ctx)
	if err != nil {
		return nil, err
	}

	_, isSharded := conn.(connector.ShardedCluster)
	if mongoVersion.AtLeast(version.V24) && !isSharded && hasAdminCredentials(conn) {
		options = append(options, "--authenticationDatabase", "admin")
	}
	if mongoVersion.AtLeast(version.V26) && backup.DatabaseName() != "" && s.cfg.IsDumpUsers() {
		options = append(options, "--dumpDbUsersAndRoles")
	}

	return options, nil
}

func hasAdminCredentials(conn connector.Connector) bool {
	parsed, err := mongouri.Parse(conn.URI())
	if err != nil {
		return false
	}
	return parsed.Username != ""
}

// uploadDumpLogFile ships the dump tool log to the primary target, best
// effort
func (s *DumpStrategy) uploadDumpLogFile(ctx context.Context, backup *v1.Backup, logFileName string) {
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStartUploadLogFile, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log dump log upload", "backupId", backup.ID)
	}

	ref, err := s.Assistant.UploadBackupLogFile(ctx, &backup.Task, logFileName, backup.Target, logFileName)
	if err != nil {
		log.Error(err, "failed to upload dump log file", "backupId", backup.ID)
		return
	}
	backup.LogTargetReference = ref

	if err := s.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"logTargetReference"},
		EventName:  v1.EventEndUploadLogFile,
		EventType:  v1.EventTypeInfo,
	}); err != nil {
		log.Error(err, "failed to persist dump log reference", "backupId", backup.ID)
	}
}

// uploadFailedDump archives whatever the failed dump produced and uploads it
// for diagnosis, best effort
func (s *DumpStrategy) uploadFailedDump(ctx context.Context, backup *v1.Backup, dumpDir string) {
	failedTarName := failedArtifactPrefix + backup.Name + ".tgz"

	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventErrorHandlingStartTar, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log failed-dump archiving", "backupId", backup.ID)
	}
	if err := s.Assistant.TarBackup(ctx, backup, dumpDir, failedTarName); err != nil {
		log.Error(err, "failed to archive failed dump", "backupId", backup.ID)
		return
	}
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventErrorHandlingEndTar, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log failed-dump archiving", "backupId", backup.ID)
	}

	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventErrorHandlingStartUpload, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log failed-dump upload", "backupId", backup.ID)
	}
	if _, err := s.Assistant.UploadBackup(ctx, backup, failedTarName,
		[]target.Target{backup.Target}, failedTarName); err != nil {
		log.Error(err, "failed to upload failed dump", "backupId", backup.ID)
		return
	}
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventErrorHandlingEndUpload, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log failed-dump upload", "backupId", backup.ID)
	}
}

// archivePhase tars and gzips the dump directory
func (s *DumpStrategy) archivePhase(ctx context.Context, backup *v1.Backup, dumpDir, tarFileName string) error {
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStartArchive, v1.EventTypeInfo)); err != nil {
		return err
	}
	if err := s.Assistant.TarBackup(ctx, backup, dumpDir, tarFileName); err != nil {
		return err
	}
	return s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventEndArchive, v1.EventTypeInfo))
}

// uploadPhase ships the archive to the primary and secondary targets
// simultaneously; a stale artifact from a previous failed upload is deleted
// after the new references are recorded
func (s *DumpStrategy) uploadPhase(ctx context.Context, backup *v1.Backup, tarFileName string) error {
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStartUpload, v1.EventTypeInfo)); err != nil {
		return err
	}

	staleRef := backup.TargetReference.File()

	targets := append([]target.Target{backup.Target}, backup.SecondaryTargets...)
	refs, err := s.Assistant.UploadBackup(ctx, backup, tarFileName, targets, tarFileName)
	if err != nil {
		return err
	}

	backup.TargetReference = target.NewStoredReference(refs[0])
	backup.SecondaryTargetReferences = nil
	for _, ref := range refs[1:] {
		backup.SecondaryTargetReferences = append(backup.SecondaryTargetReferences,
			target.NewStoredReference(ref))
	}

	if err := s.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"targetReference", "secondaryTargetReferences"},
		EventName:  v1.EventEndUpload,
		EventType:  v1.EventTypeInfo,
	}); err != nil {
		return err
	}

	if staleRef != nil && staleRef.FileName != refs[0].FileName {
		if err := backup.Target.DeleteFile(ctx, staleRef); err != nil {
			log.Error(err, "failed to delete stale upload artifact",
				"backupId", backup.ID, "fileName", staleRef.FileName)
		}
	}
	return nil
}
