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

// strategy type discriminators, stored as the strategy's "_type"
const (
	DumpStrategyType     = "DumpStrategy"
	SnapshotStrategyType = "CloudBlockStorageStrategy"
	HybridStrategyType   = "HybridStrategy"
)

// MemberPreference is the policy for which replica-set role may serve as the
// backup source
type MemberPreference string

// member preferences
const (
	PreferenceBest          MemberPreference = "BEST"
	PreferencePrimaryOnly   MemberPreference = "PRIMARY_ONLY"
	PreferenceSecondaryOnly MemberPreference = "SECONDARY_ONLY"
	PreferenceNotPrimary    MemberPreference = "NOT_PRIMARY"
)

// BackupMode says whether the source is expected to be serving traffic
type BackupMode string

// backup modes
const (
	BackupModeOnline  BackupMode = "ONLINE"
	BackupModeOffline BackupMode = "OFFLINE"
)

// DumpMaxDataSize is the default predicate boundary between dump and
// snapshot backups
const DumpMaxDataSize = int64(50) * 1024 * 1024 * 1024

// PredicateConfig configures the hybrid strategy's dump-vs-snapshot decision
type PredicateConfig struct {
	Type            string `bson:"_type"`
	DumpMaxDataSize int64  `bson:"dumpMaxDataSize,omitempty"`
}

// MaxSize returns the configured boundary, falling back to the default
func (p *PredicateConfig) MaxSize() int64 {
	if p == nil || p.DumpMaxDataSize <= 0 {
		return DumpMaxDataSize
	}
	return p.DumpMaxDataSize
}

// StrategyConfig is the persisted strategy document embedded in a backup
// task. It is mutable across retries and therefore lives on the task, so a
// rescheduled run sees the same configuration.
type StrategyConfig struct {
	Type string `bson:"_type"`

	MemberPreference    MemberPreference `bson:"memberPreference,omitempty"`
	BackupMode          BackupMode       `bson:"backupMode,omitempty"`
	EnsureLocalhost     bool             `bson:"ensureLocalhost,omitempty"`
	MaxDataSize         int64            `bson:"maxDataSize,omitempty"`
	MaxLagSeconds       int64            `bson:"maxLagSeconds,omitempty"`
	UseFsynclock        *bool            `bson:"useFsynclock,omitempty"`
	UseSuspendIO        *bool            `bson:"useSuspendIO,omitempty"`
	AllowOfflineBackups bool             `bson:"allowOfflineBackups,omitempty"`

	BackupNameScheme        string `bson:"backupNameScheme,omitempty"`
	BackupDescriptionScheme string `bson:"backupDescriptionScheme,omitempty"`

	// dump options
	ForceTableScan bool  `bson:"forceTableScan,omitempty"`
	DumpUsers      *bool `bson:"dumpUsers,omitempty"`

	// restore options
	NoIndexRestore bool `bson:"noIndexRestore,omitempty"`

	// snapshot sharing
	ShareUsers  []string `bson:"shareUsers,omitempty"`
	ShareGroups []string `bson:"shareGroups,omitempty"`

	// hybrid composition
	SelectedStrategyType      string           `bson:"selectedStrategyType,omitempty"`
	DumpStrategy              *StrategyConfig  `bson:"dumpStrategy,omitempty"`
	CloudBlockStorageStrategy *StrategyConfig  `bson:"cloudBlockStorageStrategy,omitempty"`
	Predicate                 *PredicateConfig `bson:"predicate,omitempty"`
}

// IsUseFsynclock reports whether the snapshot path locks the source; locking
// defaults to on
func (c *StrategyConfig) IsUseFsynclock() bool {
	return c.UseFsynclock == nil || *c.UseFsynclock
}

// IsUseSuspendIO reports whether the snapshot path suspends filesystem IO;
// suspension requires locking
func (c *StrategyConfig) IsUseSuspendIO() bool {
	return (c.UseSuspendIO == nil || *c.UseSuspendIO) && c.IsUseFsynclock()
}

// IsDumpUsers reports whether database-level dumps carry users and roles;
// defaults to on
func (c *StrategyConfig) IsDumpUsers() bool {
	return c.DumpUsers == nil || *c.DumpUsers
}

// Propagate copies the shared settings onto a child strategy config. Used by
// the hybrid strategy when it hands control to the selected child.
func (c *StrategyConfig) Propagate(child *StrategyConfig) {
	child.MemberPreference = c.MemberPreference
	child.BackupMode = c.BackupMode
	child.EnsureLocalhost = c.EnsureLocalhost
	child.MaxDataSize = c.MaxDataSize
	child.MaxLagSeconds = c.MaxLagSeconds
	child.UseSuspendIO = c.UseSuspendIO
	if c.UseFsynclock != nil {
		child.UseFsynclock = c.UseFsynclock
	}
	child.AllowOfflineBackups = c.AllowOfflineBackups
	if child.BackupNameScheme == "" {
		child.BackupNameScheme = c.BackupNameScheme
	}
	if child.BackupDescriptionScheme == "" {
		child.BackupDescriptionScheme = c.BackupDescriptionScheme
	}
}
