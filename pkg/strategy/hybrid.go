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
	"fmt"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
)

// HybridStrategy picks between a dump and a snapshot child per backup: small
// sources get dumped, large ones get snapshotted. The choice is persisted on
// the strategy document so a rescheduled run replays the same child.
type HybridStrategy struct {
	base
	dump     *DumpStrategy
	snapshot *SnapshotStrategy
}

// NewHybridStrategy builds a hybrid strategy; both children must be
// configured
func NewHybridStrategy(cfg *v1.StrategyConfig, c MbsContext) (*HybridStrategy, error) {
	if cfg.DumpStrategy == nil || cfg.CloudBlockStorageStrategy == nil {
		return nil, mbserrors.NewConfigurationError(
			"hybrid strategy needs both a dump and a block storage child")
	}
	cfg.DumpStrategy.Type = v1.DumpStrategyType
	cfg.CloudBlockStorageStrategy.Type = v1.SnapshotStrategyType
	cfg.Propagate(cfg.DumpStrategy)
	cfg.Propagate(cfg.CloudBlockStorageStrategy)

	return &HybridStrategy{
		base:     base{MbsContext: c, cfg: cfg},
		dump:     NewDumpStrategy(cfg.DumpStrategy, c),
		snapshot: NewSnapshotStrategy(cfg.CloudBlockStorageStrategy, c),
	}, nil
}

// Name implements Strategy
func (s *HybridStrategy) Name() string { return v1.HybridStrategyType }

// RunBackup implements Strategy
func (s *HybridStrategy) RunBackup(ctx context.Context, backup *v1.Backup) error {
	return s.runBackup(ctx, backup, s)
}

// RunRestore implements Strategy: the artifact shape tells which child made
// the backup
func (s *HybridStrategy) RunRestore(ctx context.Context, restore *v1.Restore) error {
	sourceBackup, err := s.restoreSourceBackup(ctx, restore)
	if err != nil {
		return err
	}
	if sourceBackup.TargetReference.File() != nil {
		return s.dump.RunRestore(ctx, restore)
	}
	return s.snapshot.RunRestore(ctx, restore)
}

// a rerun re-selects only when both children would
func (s *HybridStrategy) needsNewMemberSelection(backup *v1.Backup) bool {
	return s.dump.needsNewMemberSelection(backup) && s.snapshot.needsNewMemberSelection(backup)
}

func (s *HybridStrategy) needsNewSourceStats(backup *v1.Backup) bool {
	return s.dump.needsNewSourceStats(backup) && s.snapshot.needsNewSourceStats(backup)
}

// doBackup resolves the child for this backup and delegates the phase
// sequence to it
func (s *HybridStrategy) doBackup(ctx context.Context, backup *v1.Backup, conn connector.Connector) error {
	child, err := s.selectChild(ctx, backup, conn)
	if err != nil {
		return err
	}
	return child.doBackup(ctx, backup, conn)
}

// selectChild reuses the persisted choice when there is one, otherwise
// applies the predicate and records the outcome
func (s *HybridStrategy) selectChild(ctx context.Context, backup *v1.Backup,
	conn connector.Connector,
) (backupImpl, error) {
	if backup.Strategy != nil && backup.Strategy.SelectedStrategyType != "" {
		return s.childByType(backup.Strategy.SelectedStrategyType)
	}

	selected, reason := s.applyPredicate(backup, conn)
	if backup.Strategy != nil {
		backup.Strategy.SelectedStrategyType = selected
	}
	s.cfg.SelectedStrategyType = selected

	if err := s.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"strategy"},
		EventName:  v1.EventSelectStrategy,
		EventType:  v1.EventTypeInfo,
		Message:    fmt.Sprintf("selected %s: %s", selected, reason),
	}); err != nil {
		return nil, err
	}
	return s.childByType(selected)
}

func (s *HybridStrategy) childByType(strategyType string) (backupImpl, error) {
	switch strategyType {
	case v1.DumpStrategyType:
		return s.dump, nil
	case v1.SnapshotStrategyType:
		return s.snapshot, nil
	default:
		return nil, mbserrors.NewConfigurationError(
			"unknown selected strategy type '%s'", strategyType)
	}
}

// applyPredicate decides dump vs snapshot: an offline source can only be
// snapshotted, a source below the size boundary is dumped, and a member
// without block storage falls back to a dump regardless of size
func (s *HybridStrategy) applyPredicate(backup *v1.Backup, conn connector.Connector) (string, string) {
	if s.cfg.BackupMode == v1.BackupModeOffline {
		return v1.SnapshotStrategyType, "source is offline"
	}

	maxSize := s.cfg.Predicate.MaxSize()
	if backup.SourceStats != nil && backup.SourceStats.DataSize < maxSize {
		return v1.DumpStrategyType,
			fmt.Sprintf("data size %d bytes is below the %d byte boundary",
				backup.SourceStats.DataSize, maxSize)
	}

	if backup.Source.BlockStorage(conn.Address()) == nil {
		log.Warning("source is above the dump size boundary but has no block storage",
			"backupId", backup.ID, "address", conn.Address())
		return v1.DumpStrategyType, "no block storage configured for the selected member"
	}
	return v1.SnapshotStrategyType,
		fmt.Sprintf("data size is at or above the %d byte boundary", maxSize)
}
