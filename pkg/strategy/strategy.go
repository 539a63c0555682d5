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

// Package strategy contains the backup and restore executors: dump,
// block-storage snapshot, and the hybrid that picks between them. A strategy
// walks its phase sequence, appending events to the task log and persisting
// after each durable milestone; the event log is what lets a rescheduled
// task resume where it stopped.
package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/assistant"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/metrics"
	"github.com/anthrax3/mongodb-backup-system/pkg/notification"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
)

// Namer renders backup names and descriptions from the configured schemes.
// Template rendering lives outside this module; DefaultNamer is the
// fallback.
type Namer interface {
	BackupName(backup *v1.Backup) string
	BackupDescription(backup *v1.Backup) string
}

// DefaultNamer names backups from their id and start date
type DefaultNamer struct{}

// BackupName implements Namer
func (DefaultNamer) BackupName(backup *v1.Backup) string {
	date := backup.StartDate
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return fmt.Sprintf("backup-%s-%s", date.Format("20060102T150405"), backup.ID)
}

// BackupDescription implements Namer
func (DefaultNamer) BackupDescription(backup *v1.Backup) string {
	if backup.PlanID != "" {
		return fmt.Sprintf("Backup for plan '%s' occurrence '%s'",
			backup.PlanID, backup.PlanOccurrence.Format(time.RFC3339))
	}
	return "One-off backup"
}

// MbsContext bundles the collaborators every strategy needs
type MbsContext struct {
	Store     persistence.TaskStore
	Notifier  notification.Notifier
	Assistant assistant.BackupAssistant
	Namer     Namer
}

func (c MbsContext) namer() Namer {
	if c.Namer != nil {
		return c.Namer
	}
	return DefaultNamer{}
}

// Strategy executes backup and restore tasks
type Strategy interface {
	// Name returns the strategy's type discriminator
	Name() string
	// RunBackup executes the backup, persisting progress through the store
	RunBackup(ctx context.Context, backup *v1.Backup) error
	// RunRestore executes a restore from one of this strategy's backups
	RunRestore(ctx context.Context, restore *v1.Restore) error
}

// backupImpl is the strategy-specific part of the shared backup flow
type backupImpl interface {
	Strategy
	// needsNewMemberSelection reports whether a rerun must re-select the
	// source member instead of reusing the recorded one
	needsNewMemberSelection(backup *v1.Backup) bool
	// needsNewSourceStats reports whether a rerun must recompute stats
	needsNewSourceStats(backup *v1.Backup) bool
	// doBackup runs the strategy's phase sequence against the selected
	// connector
	doBackup(ctx context.Context, backup *v1.Backup, conn connector.Connector) error
}

// New builds the strategy described by the config
func New(cfg *v1.StrategyConfig, c MbsContext) (Strategy, error) {
	switch cfg.Type {
	case v1.DumpStrategyType:
		return NewDumpStrategy(cfg, c), nil
	case v1.SnapshotStrategyType:
		return NewSnapshotStrategy(cfg, c), nil
	case v1.HybridStrategyType:
		return NewHybridStrategy(cfg, c)
	default:
		return nil, mbserrors.NewConfigurationError("unknown strategy type '%s'", cfg.Type)
	}
}

// base carries the shared flow of all backup strategies
type base struct {
	MbsContext
	cfg *v1.StrategyConfig
}

// runBackup is the shared outer flow: workspace, member selection, stats,
// size validation, naming, the strategy body, rate computation, cleanup. On
// failure the task's reschedulable flag is computed and persisted before the
// error propagates.
func (b *base) runBackup(ctx context.Context, backup *v1.Backup, impl backupImpl) (err error) {
	started := time.Now()
	metrics.RecordRun("backup", impl.Name())

	defer func() {
		metrics.RecordDuration("backup", impl.Name(), time.Since(started).Seconds())
		if err != nil {
			b.handleBackupFailure(ctx, backup, impl, err)
		}
		b.cleanupWorkspace(ctx, backup)
	}()

	if backup.StartDate.IsZero() {
		backup.StartDate = time.Now().UTC()
		if err := b.Store.UpdateBackup(ctx, backup, persistence.Properties("startDate")); err != nil {
			return err
		}
	}

	if err := b.Assistant.CreateTaskWorkspace(&backup.Task); err != nil {
		return err
	}
	if err := b.Store.UpdateBackup(ctx, backup, persistence.Properties("workspace")); err != nil {
		return err
	}

	conn, err := b.selectBackupConnector(ctx, backup, impl)
	if err != nil {
		return err
	}

	if err := b.computeSourceStats(ctx, backup, impl, conn); err != nil {
		return err
	}
	if err := b.validateMaxDataSize(backup); err != nil {
		return err
	}
	if err := b.setBackupNameAndDescription(ctx, backup); err != nil {
		return err
	}

	if err := impl.doBackup(ctx, backup, conn); err != nil {
		return err
	}

	return b.computeBackupRate(ctx, backup, started)
}

// handleBackupFailure computes and persists reschedulability before the
// error leaves the strategy
func (b *base) handleBackupFailure(ctx context.Context, backup *v1.Backup, impl backupImpl, cause error) {
	retriable := mbserrors.IsRetriable(cause)
	backup.Reschedulable = backup.TryCount < v1.MaxRetries && retriable
	metrics.RecordFailure("backup", impl.Name(), retriable)

	update := persistence.Update{
		Properties: []string{"reschedulable"},
		EventName:  "ERROR",
		EventType:  v1.EventTypeError,
		Message:    "backup failed",
		Details:    cause.Error(),
	}
	if persistErr := b.Store.UpdateBackup(ctx, backup, update); persistErr != nil {
		log.Error(persistErr, "failed to persist backup failure", "backupId", backup.ID)
		b.Notifier.SendErrorNotification("backup failure not persisted",
			"backup '"+backup.ID+"'", persistErr)
	}
}

// cleanupWorkspace deletes the scratch directory, best effort
func (b *base) cleanupWorkspace(ctx context.Context, backup *v1.Backup) {
	if backup.Workspace == "" {
		return
	}
	if err := b.Assistant.DeleteTaskWorkspace(&backup.Task); err != nil {
		log.Error(err, "failed to clean up workspace", "backupId", backup.ID)
		return
	}
	if err := b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventCleanup, v1.EventTypeInfo)); err != nil {
		log.Error(err, "failed to log cleanup event", "backupId", backup.ID)
	}
}

// computeSourceStats records the stats of the selected source; a connection
// failure flips the backup to offline mode when that is allowed
func (b *base) computeSourceStats(ctx context.Context, backup *v1.Backup,
	impl backupImpl, conn connector.Connector,
) error {
	if backup.SourceStats != nil && !impl.needsNewSourceStats(backup) {
		return nil
	}

	stats, err := conn.GetStats(ctx, backup.DatabaseName())
	if err != nil {
		if b.cfg.AllowOfflineBackups && mbserrors.IsRetriable(err) {
			return b.switchToOfflineMode(ctx, backup)
		}
		return err
	}

	backup.SourceStats = stats
	return b.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"sourceStats"},
		EventName:  v1.EventComputedSourceStats,
		EventType:  v1.EventTypeInfo,
		Message:    fmt.Sprintf("data size %d bytes", stats.DataSize),
	})
}

func (b *base) switchToOfflineMode(ctx context.Context, backup *v1.Backup) error {
	log.Warning("source unreachable, switching backup to offline mode", "backupId", backup.ID)
	b.cfg.BackupMode = v1.BackupModeOffline
	backup.Strategy.BackupMode = v1.BackupModeOffline
	return b.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"strategy"},
		EventName:  v1.EventSetBackupMode,
		EventType:  v1.EventTypeWarning,
		Message:    "backup mode set to OFFLINE",
	})
}

// validateMaxDataSize fails terminally when the source outgrew the
// configured ceiling
func (b *base) validateMaxDataSize(backup *v1.Backup) error {
	if b.cfg.MaxDataSize <= 0 || backup.SourceStats == nil {
		return nil
	}
	if backup.SourceStats.DataSize > b.cfg.MaxDataSize {
		return mbserrors.NewSourceDataSizeExceedsLimits(
			backup.SourceStats.DataSize, b.cfg.MaxDataSize, backup.DatabaseName())
	}
	return nil
}

// setBackupNameAndDescription renders and persists the task name and
// description, only writing fields that changed
func (b *base) setBackupNameAndDescription(ctx context.Context, backup *v1.Backup) error {
	var changed []string
	if name := b.namer().BackupName(backup); name != backup.Name {
		backup.Name = name
		changed = append(changed, "name")
	}
	if description := b.namer().BackupDescription(backup); description != backup.Description {
		backup.Description = description
		changed = append(changed, "description")
	}
	if len(changed) == 0 {
		return nil
	}
	return b.Store.UpdateBackup(ctx, backup, persistence.Properties(changed...))
}

// computeBackupRate persists the observed throughput after a successful run
func (b *base) computeBackupRate(ctx context.Context, backup *v1.Backup, started time.Time) error {
	if backup.SourceStats == nil {
		return nil
	}
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return nil
	}
	dataSizeMB := float64(backup.SourceStats.DataSize) / (1024 * 1024)
	backup.BackupRateInMBPS = math.Round(dataSizeMB/elapsed*100) / 100
	metrics.RecordBackupRate(backup.BackupRateInMBPS)
	return b.Store.UpdateBackup(ctx, backup, persistence.Properties("backupRateInMBPS"))
}
