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

// Package backup implements the "backup" subcommand of the agent: it builds
// the task collaborators from flags, records the task, and runs the selected
// strategy to completion.
package backup

import (
	"github.com/spf13/cobra"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/internal/cmd/taskenv"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/strategy"
)

type flags struct {
	env taskenv.Flags

	sourceURI    string
	strategyType string
	resumeID     string

	memberPreference    string
	allowOfflineBackups bool
	ensureLocalhost     bool
	forceTableScan      bool
	maxLagSeconds       int64
	maxDataSize         int64
}

// NewCmd builds the backup subcommand
func NewCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "backup",
		Short:         "Run a backup task",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	f.env.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&f.sourceURI, "source-uri", "",
		"the MongoDB connection string of the deployment to back up")
	cmd.Flags().StringVar(&f.strategyType, "strategy", v1.DumpStrategyType,
		"the backup strategy type")
	cmd.Flags().StringVar(&f.resumeID, "resume", "",
		"resume the backup task with this id instead of creating a new one")
	cmd.Flags().StringVar(&f.memberPreference, "member-preference", string(v1.PreferenceBest),
		"which replica set role may serve as the backup source")
	cmd.Flags().BoolVar(&f.allowOfflineBackups, "allow-offline-backups", false,
		"permit snapshotting an unreachable source")
	cmd.Flags().BoolVar(&f.ensureLocalhost, "ensure-localhost", false,
		"require the selected member to run on this host")
	cmd.Flags().BoolVar(&f.forceTableScan, "force-table-scan", false,
		"pass --forceTableScan to the dump tool")
	cmd.Flags().Int64Var(&f.maxLagSeconds, "max-lag-seconds", 0,
		"maximum acceptable replication lag of the selected member")
	cmd.Flags().Int64Var(&f.maxDataSize, "max-data-size", 0,
		"fail when the source holds more than this many bytes")

	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	ctx := cmd.Context()

	env, err := taskenv.Build(ctx, f.env)
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	backup, cfg, err := resolveBackup(cmd, f, env)
	if err != nil {
		return err
	}
	backup.Source = source.NewMongoSource(f.sourceURI)
	backup.Target = env.Target

	strat, err := strategy.New(cfg, strategy.MbsContext{
		Store:     env.Store,
		Notifier:  env.Notifier,
		Assistant: env.Assistant,
	})
	if err != nil {
		return err
	}

	log.Info("running backup", "backupId", backup.ID, "strategy", strat.Name())
	return strat.RunBackup(ctx, backup)
}

// resolveBackup either loads the task being resumed or records a fresh one
func resolveBackup(cmd *cobra.Command, f flags, env *taskenv.Env) (*v1.Backup, *v1.StrategyConfig, error) {
	ctx := cmd.Context()

	if f.resumeID != "" {
		backup, err := env.Store.GetBackup(ctx, f.resumeID)
		if err != nil {
			return nil, nil, err
		}
		backup.TryCount++
		if err := env.Store.UpdateBackup(ctx, backup, persistence.Properties("tryCount")); err != nil {
			return nil, nil, err
		}
		return backup, backup.Strategy, nil
	}

	cfg := &v1.StrategyConfig{
		Type:                f.strategyType,
		MemberPreference:    v1.MemberPreference(f.memberPreference),
		AllowOfflineBackups: f.allowOfflineBackups,
		EnsureLocalhost:     f.ensureLocalhost,
		ForceTableScan:      f.forceTableScan,
		MaxLagSeconds:       f.maxLagSeconds,
		MaxDataSize:         f.maxDataSize,
	}
	backup := v1.NewBackup(source.NewMongoSource(f.sourceURI), env.Target, cfg)
	if err := env.Store.CreateBackup(ctx, backup); err != nil {
		return nil, nil, err
	}
	return backup, cfg, nil
}
