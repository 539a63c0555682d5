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

// Package restore implements the "restore" subcommand of the agent
package restore

import (
	"github.com/spf13/cobra"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/internal/cmd/taskenv"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/strategy"
)

type flags struct {
	env taskenv.Flags

	backupID            string
	destinationURI      string
	destinationDatabase string
	sourceDatabase      string
	noIndexRestore      bool
}

// NewCmd builds the restore subcommand
func NewCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "restore",
		Short:         "Restore a finished backup into a destination deployment",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	f.env.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&f.backupID, "backup-id", "",
		"the id of the backup to restore from")
	cmd.Flags().StringVar(&f.destinationURI, "destination-uri", "",
		"the MongoDB connection string of the restore destination")
	cmd.Flags().StringVar(&f.destinationDatabase, "destination-database", "",
		"the database to restore into when the destination uri names none")
	cmd.Flags().StringVar(&f.sourceDatabase, "source-database", "",
		"override the database the dump was scoped to")
	cmd.Flags().BoolVar(&f.noIndexRestore, "no-index-restore", false,
		"pass --noIndexRestore to the restore tool")

	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	ctx := cmd.Context()
	if f.backupID == "" {
		return mbserrors.NewConfigurationError("a backup id is required")
	}
	if f.destinationURI == "" {
		return mbserrors.NewConfigurationError("a destination uri is required")
	}

	env, err := taskenv.Build(ctx, f.env)
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	sourceBackup, err := env.Store.GetBackup(ctx, f.backupID)
	if err != nil {
		return err
	}
	sourceBackup.Target = env.Target

	cfg := sourceBackup.Strategy
	if cfg == nil {
		cfg = &v1.StrategyConfig{Type: v1.DumpStrategyType}
	}
	cfg.NoIndexRestore = cfg.NoIndexRestore || f.noIndexRestore

	strat, err := strategy.New(cfg, strategy.MbsContext{
		Store:     env.Store,
		Notifier:  env.Notifier,
		Assistant: env.Assistant,
	})
	if err != nil {
		return err
	}

	restore := v1.NewRestore(sourceBackup, &v1.RestoreDestination{
		URI:          f.destinationURI,
		DatabaseName: f.destinationDatabase,
	}, f.sourceDatabase)
	if err := env.Store.CreateRestore(ctx, restore); err != nil {
		return err
	}

	log.Info("running restore", "restoreId", restore.ID, "backupId", sourceBackup.ID)
	return strat.RunRestore(ctx, restore)
}
