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
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
)

// shardedMaxLagSeconds bounds the staleness of shard secondaries picked for
// sharded backups
const shardedMaxLagSeconds = 5

// connector construction is indirected so tests can substitute fakes
var (
	buildConnector     = connector.Build
	newServerConnector = func(ctx context.Context, uri string) (connector.Connector, error) {
		return connector.NewMongoServer(ctx, uri)
	}
)

// selectBackupConnector picks the concrete member the backup operates on.
// A rerun whose extraction phase already finished reuses the member it was
// pointed at instead of selecting again.
func (b *base) selectBackupConnector(ctx context.Context, backup *v1.Backup,
	impl backupImpl,
) (connector.Connector, error) {
	if !impl.needsNewMemberSelection(backup) {
		if address := backup.SelectedSourceAddress(); address != "" {
			return b.rebuildSelectedConnector(ctx, backup, address)
		}
	}

	conn, err := buildConnector(ctx, backup.Source.URI())
	if err != nil {
		return nil, err
	}

	var selected connector.Connector
	switch typed := conn.(type) {
	case connector.ShardedCluster:
		if err := b.selectShardedSources(ctx, typed); err != nil {
			return nil, err
		}
		selected = typed
	case connector.Cluster:
		member, err := b.selectClusterMember(ctx, backup, typed)
		if err != nil {
			return nil, err
		}
		selected = member
	default:
		selected = conn
	}

	if err := b.validateSelection(ctx, backup, selected); err != nil {
		return nil, err
	}
	if err := b.persistSelectedSources(ctx, backup, selected); err != nil {
		return nil, err
	}
	return selected, nil
}

// rebuildSelectedConnector rebuilds the member connector a previous run was
// pointed at, from the recorded stats plus the source URI credentials
func (b *base) rebuildSelectedConnector(ctx context.Context, backup *v1.Backup,
	address string,
) (connector.Connector, error) {
	parsed, err := mongouri.Parse(backup.Source.URI())
	if err != nil {
		return nil, mbserrors.NewConfigurationError("invalid source uri: %v", err)
	}
	log.Info("reusing previously selected member", "backupId", backup.ID, "address", address)
	return newServerConnector(ctx, parsed.WithHost(address))
}

// maxLagSeconds resolves the freshness bound: strategy override first, then
// the plan schedule, else unconstrained
func (b *base) maxLagSeconds(backup *v1.Backup) int64 {
	if b.cfg.MaxLagSeconds > 0 {
		return b.cfg.MaxLagSeconds
	}
	if backup.Plan != nil && backup.Plan.Schedule != nil && !backup.PlanOccurrence.IsZero() {
		lag, err := backup.Plan.Schedule.MaxAcceptableLag(backup.PlanOccurrence)
		if err != nil {
			log.Error(err, "failed to compute acceptable lag from plan", "planId", backup.PlanID)
			return 0
		}
		return int64(lag.Seconds())
	}
	return 0
}

// selectClusterMember applies the member preference to a replica set
func (b *base) selectClusterMember(ctx context.Context, backup *v1.Backup,
	cluster connector.Cluster,
) (connector.Server, error) {
	maxLag := b.maxLagSeconds(backup)
	preference := b.cfg.MemberPreference
	if preference == "" {
		preference = v1.PreferenceBest
	}

	if preference == v1.PreferencePrimaryOnly {
		primary, err := cluster.PrimaryMember(ctx)
		if err != nil {
			return nil, err
		}
		return primary, nil
	}

	secondary, err := cluster.BestSecondary(ctx, maxLag)
	if err != nil {
		return nil, err
	}

	if secondary != nil {
		// a lag-bounded selection must not steal a priority-0 member's role:
		// when the set has P0 members they are the designated backup targets
		if maxLag > 0 {
			hasP0, err := cluster.HasP0Members(ctx)
			if err != nil {
				return nil, err
			}
			if hasP0 && secondary.Priority() != 0 {
				return nil, mbserrors.NewNoEligibleMembersFound(
					mongouri.Mask(cluster.URI()),
					"cluster has priority-0 members but none within the lag bound")
			}
		}
		if secondary.TooStale() {
			if err := b.Store.UpdateBackup(ctx, backup, persistence.Update{
				EventName: v1.EventUsingTooStaleWarning,
				EventType: v1.EventTypeWarning,
				Message: fmt.Sprintf("member '%s' is lagging %d seconds behind",
					secondary.Address(), secondary.LagSeconds()),
			}); err != nil {
				return nil, err
			}
		}
		return secondary, nil
	}

	if preference == v1.PreferenceBest {
		primary, err := cluster.PrimaryMember(ctx)
		if err != nil {
			return nil, err
		}
		if err := b.Store.UpdateBackup(ctx, backup, persistence.Update{
			EventName: v1.EventUsingPrimaryWarning,
			EventType: v1.EventTypeWarning,
			Message:   fmt.Sprintf("no eligible secondary found, using primary '%s'", primary.Address()),
		}); err != nil {
			return nil, err
		}
		return primary, nil
	}

	return nil, mbserrors.NewNoEligibleMembersFound(mongouri.Mask(cluster.URI()),
		fmt.Sprintf("no secondary within %d seconds lag and preference is %s", maxLag, preference))
}

// selectShardedSources picks the best secondary of every shard and verifies
// each of them is reachable
func (b *base) selectShardedSources(ctx context.Context, sharded connector.ShardedCluster) error {
	if err := sharded.SelectShardBestSecondaries(ctx, shardedMaxLagSeconds); err != nil {
		return err
	}
	for _, secondary := range sharded.SelectedShardSecondaries() {
		if !secondary.IsOnline(ctx) {
			return mbserrors.NewNoEligibleMembersFound(mongouri.Mask(sharded.URI()),
				fmt.Sprintf("selected shard secondary '%s' is offline", secondary.Address()))
		}
	}
	return nil
}

// validateSelection verifies the chosen connector is usable: an offline
// member is acceptable only when offline backups are allowed or the backup
// is already in offline mode
func (b *base) validateSelection(ctx context.Context, backup *v1.Backup, conn connector.Connector) error {
	if server, ok := conn.(connector.Server); ok && b.cfg.MemberPreference == v1.PreferenceNotPrimary {
		isPrimary, err := server.IsPrimary(ctx)
		if err == nil && isPrimary {
			return mbserrors.NewNoEligibleMembersFound(mongouri.Mask(conn.URI()),
				"selected member is primary and preference is NOT_PRIMARY")
		}
	}

	if b.cfg.EnsureLocalhost && !b.Assistant.IsConnectorLocalToAssistant(conn) {
		return mbserrors.NewBackupNotOnLocalhost(
			fmt.Sprintf("selected source '%s' is not local to the backup host", conn.Address()), "")
	}

	if conn.IsOnline(ctx) {
		return nil
	}
	if b.cfg.BackupMode == v1.BackupModeOffline {
		return nil
	}
	if b.cfg.AllowOfflineBackups {
		return b.switchToOfflineMode(ctx, backup)
	}
	return mbserrors.NewNoEligibleMembersFound(mongouri.Mask(conn.URI()),
		fmt.Sprintf("selected source '%s' is offline", conn.Address()))
}

// persistSelectedSources records the concrete members the backup will read
// from
func (b *base) persistSelectedSources(ctx context.Context, backup *v1.Backup,
	conn connector.Connector,
) error {
	var addresses []string
	if sharded, ok := conn.(connector.ShardedCluster); ok {
		for _, secondary := range sharded.SelectedShardSecondaries() {
			addresses = append(addresses, secondary.Address())
		}
	} else {
		addresses = []string{conn.Address()}
	}
	backup.SelectedSources = addresses

	return b.Store.UpdateBackup(ctx, backup, persistence.Update{
		Properties: []string{"selectedSources"},
		EventName:  v1.EventSelectSources,
		EventType:  v1.EventTypeInfo,
		Message:    fmt.Sprintf("selected %s", conn.Info()),
	})
}
