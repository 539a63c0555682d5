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
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/robustify"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

const (
	pendingPollInterval  = 5 * time.Second
	terminalPollInterval = 60 * time.Second

	shareMaxAttempts   = 5
	shareRetryInterval = 5 * time.Second
)

// SnapshotStrategy backs up by snapshotting the block storage under the
// selected member, quiescing the source for the capture moment
type SnapshotStrategy struct {
	base
}

// NewSnapshotStrategy builds a snapshot strategy from its config
func NewSnapshotStrategy(cfg *v1.StrategyConfig, c MbsContext) *SnapshotStrategy {
	return &SnapshotStrategy{base: base{MbsContext: c, cfg: cfg}}
}

// Name implements Strategy
func (s *SnapshotStrategy) Name() string { return v1.SnapshotStrategyType }

// RunBackup implements Strategy
func (s *SnapshotStrategy) RunBackup(ctx context.Context, backup *v1.Backup) error {
	return s.runBackup(ctx, backup, s)
}

// RunRestore implements Strategy: block-storage artifacts are restored by
// infrastructure tooling, not by this executor
func (s *SnapshotStrategy) RunRestore(_ context.Context, restore *v1.Restore) error {
	return mbserrors.NewConfigurationError(
		"restore from a block storage snapshot is not supported (restore '%s')", restore.ID)
}

func (s *SnapshotStrategy) needsNewMemberSelection(backup *v1.Backup) bool {
	return !backup.IsEventLogged(v1.EventEndKickoffSnapshot)
}

func (s *SnapshotStrategy) needsNewSourceStats(backup *v1.Backup) bool {
	return !backup.IsEventLogged(v1.EventEndKickoffSnapshot)
}

// quiesceTarget pairs a member with the block storage under it
type quiesceTarget struct {
	server connector.Server
	cbs    source.CloudBlockStorage
}

// doBackup kicks off the snapshot inside the quiescence protocol, then
// waits for the cloud provider to report a terminal state
func (s *SnapshotStrategy) doBackup(ctx context.Context, backup *v1.Backup, conn connector.Connector) error {
	if !backup.IsEventLogged(v1.EventStartBlockStorageSnapshot) {
		if err := s.Store.UpdateBackup(ctx, backup,
			persistence.Event(v1.EventStartBlockStorageSnapshot, v1.EventTypeInfo)); err != nil {
			return err
		}
	}

	targets, err := s.quiesceTargets(backup, conn)
	if err != nil {
		return err
	}
	storage := s.snapshotStorage(targets)

	if s.needsKickoff(backup) {
		if err := s.kickoffSnapshot(ctx, backup, conn, targets, storage); err != nil {
			return err
		}
	}

	if err := s.waitForSnapshotStatus(ctx, backup, storage,
		terminalPollInterval, target.SnapshotStatusCompleted, target.SnapshotStatusError); err != nil {
		return err
	}
	if status := backup.TargetReference.SnapshotStatus(); status == target.SnapshotStatusError {
		return mbserrors.NewSnapshotDidNotSucceedError(string(status))
	}

	return s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventEndBlockStorageSnapshot, v1.EventTypeInfo))
}

// needsKickoff: kickoff runs once, unless the previous attempt left an
// errored snapshot behind
func (s *SnapshotStrategy) needsKickoff(backup *v1.Backup) bool {
	if !backup.IsEventLogged(v1.EventEndKickoffSnapshot) {
		return true
	}
	return backup.TargetReference.SnapshotStatus() == target.SnapshotStatusError
}

// quiesceTargets resolves the members to quiesce and the block storage
// under each of them
func (s *SnapshotStrategy) quiesceTargets(backup *v1.Backup, conn connector.Connector) ([]quiesceTarget, error) {
	var servers []connector.Server
	switch typed := conn.(type) {
	case connector.ShardedCluster:
		servers = typed.SelectedShardSecondaries()
	case connector.Server:
		servers = []connector.Server{typed}
	default:
		return nil, mbserrors.NewConfigurationError(
			"snapshot backups need a concrete member, got %s", conn.Info())
	}

	targets := make([]quiesceTarget, 0, len(servers))
	for _, server := range servers {
		cbs := backup.Source.BlockStorage(server.Address())
		if cbs == nil {
			return nil, mbserrors.NewConfigurationError(
				"no cloud block storage configured for '%s'", server.Address())
		}
		targets = append(targets, quiesceTarget{server: server, cbs: cbs})
	}
	return targets, nil
}

// snapshotStorage folds the per-member storages into one: a single member
// uses its storage directly, a sharded set gets a fan-out composite
func (s *SnapshotStrategy) snapshotStorage(targets []quiesceTarget) source.CloudBlockStorage {
	if len(targets) == 1 {
		return targets[0].cbs
	}
	constituents := make([]source.CloudBlockStorage, len(targets))
	for i, t := range targets {
		constituents[i] = t.cbs
	}
	return &shardSetStorage{constituents: constituents}
}

// kickoffSnapshot is the critical section: quiesce, create, wait for the
// snapshot to become visible, release. Cleanup runs on every exit path and
// never masks the original error.
func (s *SnapshotStrategy) kickoffSnapshot(ctx context.Context, backup *v1.Backup,
	conn connector.Connector, targets []quiesceTarget, storage source.CloudBlockStorage,
) (err error) {
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStartKickoffSnapshot, v1.EventTypeInfo)); err != nil {
		return err
	}

	for _, t := range targets {
		if err := s.ensureUnlockedAndResumed(ctx, backup, t.server, t.cbs); err != nil {
			return err
		}
	}
	if err := s.deleteStaleSnapshot(ctx, backup, storage); err != nil {
		return err
	}

	sharded, _ := conn.(connector.ShardedCluster)
	needToResumeBalancer := false
	if sharded != nil {
		needToResumeBalancer, err = s.stopBalancerIfActive(ctx, backup, sharded)
		if err != nil {
			return err
		}
		sharded.StartBalancerActivityMonitor(ctx)
	}

	useLock, useSuspend, err := s.quiescenceFlags(ctx, backup, conn)
	if err != nil {
		return err
	}

	var locked, suspended []quiesceTarget
	defer func() {
		err = s.releaseQuiescence(ctx, backup, storage, suspended, locked,
			sharded, needToResumeBalancer, err)
	}()

	if useLock {
		for _, t := range targets {
			if lockErr := s.fsynclockSource(ctx, backup, t.server); lockErr != nil {
				return lockErr
			}
			locked = append(locked, t)
		}
	}
	if useSuspend {
		for _, t := range targets {
			if suspendErr := s.suspendIOSource(ctx, backup, t.server, t.cbs); suspendErr != nil {
				return suspendErr
			}
			suspended = append(suspended, t)
		}
	}

	if err := s.createSnapshot(ctx, backup, storage); err != nil {
		return err
	}

	// the source stays quiesced only until the snapshot is visible at the
	// provider, not until it completes
	return s.waitForSnapshotStatus(ctx, backup, storage, pendingPollInterval,
		target.SnapshotStatusPending, target.SnapshotStatusCompleted, target.SnapshotStatusError)
}

// releaseQuiescence is the single cleanup path: resume io, unlock, verify
// the balancer stayed quiet, resume it. Each step is independently caught;
// a cleanup error never overwrites the original one.
func (s *SnapshotStrategy) releaseQuiescence(ctx context.Context, backup *v1.Backup,
	storage source.CloudBlockStorage, suspended, locked []quiesceTarget,
	sharded connector.ShardedCluster, needToResumeBalancer bool, original error,
) error {
	err := original

	for _, t := range suspended {
		if resumeErr := s.resumeIOSource(ctx, backup, t.server, t.cbs); resumeErr != nil {
			log.Error(resumeErr, "failed to resume io during cleanup", "server", t.server.Address())
			if err == nil {
				err = resumeErr
			}
		}
	}
	for _, t := range locked {
		if unlockErr := s.fsyncunlockSource(ctx, backup, t.server); unlockErr != nil {
			log.Error(unlockErr, "failed to unlock during cleanup", "server", t.server.Address())
			if err == nil {
				err = unlockErr
			}
		}
	}

	if sharded != nil {
		sharded.StopBalancerActivityMonitor()
		if sharded.BalancerActiveDuringMonitor() && err == nil {
			err = mbserrors.NewBalancerActiveError(
				"balancer was active during the snapshot critical section")
		}
		if needToResumeBalancer {
			if resumeErr := s.resumeBalancerSource(ctx, backup, sharded); resumeErr != nil {
				log.Error(resumeErr, "failed to resume balancer during cleanup", "backupId", backup.ID)
				if err == nil {
					err = resumeErr
				}
			}
		}
	}

	if err != nil {
		return err
	}
	return s.finishKickoff(ctx, backup, storage)
}

// finishKickoff shares the snapshot when configured and closes the kickoff
// phase
func (s *SnapshotStrategy) finishKickoff(ctx context.Context, backup *v1.Backup,
	storage source.CloudBlockStorage,
) error {
	if err := s.shareSnapshot(ctx, backup, storage); err != nil {
		return err
	}
	return s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventEndKickoffSnapshot, v1.EventTypeInfo))
}

// quiescenceFlags decides whether this run locks and suspends; an offline
// source is captured as-is
func (s *SnapshotStrategy) quiescenceFlags(ctx context.Context, backup *v1.Backup,
	conn connector.Connector,
) (useLock, useSuspend bool, err error) {
	offline := s.cfg.BackupMode == v1.BackupModeOffline || !conn.IsOnline(ctx)
	if offline {
		if err := s.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
			v1.EventNotLocked, v1.EventTypeWarning,
			"source is offline, snapshotting without lock or io suspension")); err != nil {
			return false, false, err
		}
		return false, false, nil
	}
	return s.cfg.IsUseFsynclock(), s.cfg.IsUseSuspendIO(), nil
}

// deleteStaleSnapshot removes the snapshot left behind by a failed earlier
// attempt before a new one is created
func (s *SnapshotStrategy) deleteStaleSnapshot(ctx context.Context, backup *v1.Backup,
	storage source.CloudBlockStorage,
) error {
	ref := backup.TargetReference.Ref()
	if ref == nil {
		return nil
	}
	if _, isFile := ref.(*target.FileReference); isFile {
		return nil
	}
	log.Info("deleting stale snapshot from previous attempt", "backupId", backup.ID)
	if _, err := storage.DeleteSnapshot(ctx, ref); err != nil {
		return err
	}
	backup.TargetReference = nil
	return s.Store.UpdateBackup(ctx, backup, persistence.Properties("targetReference"))
}

// createSnapshot kicks off the snapshot and records its reference. The
// sourceWasLocked flag captures whether the lock actually held for the
// capture moment.
func (s *SnapshotStrategy) createSnapshot(ctx context.Context, backup *v1.Backup,
	storage source.CloudBlockStorage,
) error {
	if err := s.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStartCreateSnapshot, v1.EventTypeInfo)); err != nil {
		return err
	}

	ref, err := storage.CreateSnapshot(ctx, backup.Name, backup.Description)
	if err != nil {
		return err
	}

	sourceWasLocked := backup.IsEventLogged(v1.EventFsynclockEnd)
	switch typed := ref.(type) {
	case *target.SnapshotReference:
		typed.SourceWasLocked = sourceWasLocked
	case *target.CompositeSnapshotReference:
		typed.SourceWasLocked = sourceWasLocked
	}

	backup.TargetReference = target.NewStoredReference(ref)
	return s.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"targetReference"},
		EventName:  v1.EventEndCreateSnapshot,
		EventType:  v1.EventTypeInfo,
	})
}

// waitForSnapshotStatus polls the provider until the recorded reference
// reaches one of the wanted statuses, persisting every observed change
func (s *SnapshotStrategy) waitForSnapshotStatus(ctx context.Context, backup *v1.Backup,
	storage source.CloudBlockStorage, interval time.Duration, wanted ...target.SnapshotStatus,
) error {
	for {
		status := backup.TargetReference.SnapshotStatus()
		for _, w := range wanted {
			if status == w {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		newRef, err := storage.CheckSnapshotUpdates(ctx, backup.TargetReference.Ref())
		if err != nil {
			return err
		}
		if newRef == nil {
			continue
		}

		s.logSnapshotDiff(backup, newRef)
		backup.TargetReference = target.NewStoredReference(newRef)
		if err := s.Store.UpdateBackup(ctx, backup,
			persistence.Properties("targetReference")); err != nil {
			return err
		}
	}
}

func (s *SnapshotStrategy) logSnapshotDiff(backup *v1.Backup, newRef target.Reference) {
	oldSnapshot := backup.TargetReference.Snapshot()
	newSnapshot, ok := newRef.(*target.SnapshotReference)
	if oldSnapshot == nil || !ok {
		log.Info("snapshot updated", "backupId", backup.ID)
		return
	}
	if diff := oldSnapshot.Diff(newSnapshot); diff != "" {
		log.Info("snapshot updated", "backupId", backup.ID, "diff", diff)
	}
}

// shareSnapshot grants the configured accounts access to the snapshot, with
// retries; composite refs share every constituent
func (s *SnapshotStrategy) shareSnapshot(ctx context.Context, backup *v1.Backup,
	storage source.CloudBlockStorage,
) error {
	if len(s.cfg.ShareUsers) == 0 && len(s.cfg.ShareGroups) == 0 {
		return nil
	}
	status := backup.TargetReference.SnapshotStatus()
	if status != target.SnapshotStatusPending && status != target.SnapshotStatusCompleted {
		return nil
	}
	sharer, ok := storage.(source.SnapshotSharer)
	if !ok {
		return mbserrors.NewConfigurationError(
			"block storage for backup '%s' does not support snapshot sharing", backup.ID)
	}

	err := robustify.Do(ctx, robustify.Options{
		MaxAttempts: shareMaxAttempts,
		Interval:    shareRetryInterval,
	}, func() error {
		_, shareErr := sharer.ShareSnapshot(ctx, backup.TargetReference.Ref(),
			s.cfg.ShareUsers, s.cfg.ShareGroups)
		return shareErr
	})
	if err != nil {
		return err
	}

	return s.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventShareSnapshot, v1.EventTypeInfo, "snapshot shared with configured accounts"))
}
