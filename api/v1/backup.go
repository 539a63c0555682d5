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

package v1

import (
	"time"

	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/plan"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// task type discriminators
const (
	BackupTaskType  = "Backup"
	RestoreTaskType = "Restore"
)

// Backup is a backup task. The source and targets are runtime collaborators
// attached by the embedding application; only their references persist.
type Backup struct {
	Task `bson:",inline"`

	Source           source.BackupSource `bson:"-"`
	Target           target.Target       `bson:"-"`
	SecondaryTargets []target.Target     `bson:"-"`

	Strategy *StrategyConfig `bson:"strategy,omitempty"`

	PlanID         string     `bson:"plan,omitempty"`
	PlanOccurrence time.Time  `bson:"planOccurrence,omitempty"`
	Plan           *plan.Plan `bson:"-"`

	SourceStats     *connector.Stats `bson:"sourceStats,omitempty"`
	SelectedSources []string         `bson:"selectedSources,omitempty"`

	TargetReference           *target.StoredReference   `bson:"targetReference,omitempty"`
	SecondaryTargetReferences []*target.StoredReference `bson:"secondaryTargetReferences,omitempty"`
	LogTargetReference        *target.FileReference     `bson:"logTargetReference,omitempty"`

	BackupRateInMBPS float64 `bson:"backupRateInMBPS,omitempty"`
}

// NewBackup builds a backup task with a fresh id
func NewBackup(src source.BackupSource, tgt target.Target, strategy *StrategyConfig) *Backup {
	return &Backup{
		Task: Task{
			ID:       NewTaskID(),
			TypeName: BackupTaskType,
		},
		Source:   src,
		Target:   tgt,
		Strategy: strategy,
	}
}

// DatabaseName returns the database the backup is scoped to, empty for
// whole-deployment backups
func (b *Backup) DatabaseName() string {
	if b.Source == nil {
		return ""
	}
	return b.Source.DatabaseName()
}

// SelectedSourceAddress returns the address of the member the backup was
// pointed at, from sourceStats
func (b *Backup) SelectedSourceAddress() string {
	if b.SourceStats == nil {
		return ""
	}
	if b.SourceStats.Repl != nil && b.SourceStats.Repl.Me != "" {
		return b.SourceStats.Repl.Me
	}
	return b.SourceStats.Host
}
