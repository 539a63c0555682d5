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

/*
The mbs-agent command runs backup and restore tasks on the host holding the
data.
*/
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/anthrax3/mongodb-backup-system/internal/cmd/backup"
	"github.com/anthrax3/mongodb-backup-system/internal/cmd/restore"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
)

func main() {
	logFlags := &log.Flags{}

	cmd := &cobra.Command{
		Use:          "mbs-agent [cmd]",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logFlags.ConfigureLogging()
		},
	}

	logFlags.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(backup.NewCmd())
	cmd.AddCommand(restore.NewCmd())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
