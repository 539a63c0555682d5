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
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// RestoreDestination is the deployment a restore writes into
type RestoreDestination struct {
	URI string `bson:"uri"`
	// DatabaseName is appended to the destination URI when the URI itself
	// carries no database
	DatabaseName string `bson:"databaseName,omitempty"`
}

// Restore is a restore task reading from a finished backup
type Restore struct {
	Task `bson:",inline"`

	SourceBackupID string              `bson:"sourceBackupId"`
	SourceBackup   *Backup             `bson:"-"`
	Destination    *RestoreDestination `bson:"destination"`

	// SourceDatabaseName overrides the database to restore from; falls back
	// to the source's database then the recorded sourceStats
	SourceDatabaseName string `bson:"sourceDatabaseName,omitempty"`

	DestinationStats   *connector.Stats      `bson:"destinationStats,omitempty"`
	LogTargetReference *target.FileReference `bson:"logTargetReference,omitempty"`
}

// NewRestore builds a restore task with a fresh id
func NewRestore(sourceBackup *Backup, destination *RestoreDestination, sourceDatabaseName string) *Restore {
	return &Restore{
		Task: Task{
			ID:       NewTaskID(),
			TypeName: RestoreTaskType,
		},
		SourceBackupID:     sourceBackup.ID,
		SourceBackup:       sourceBackup,
		Destination:        destination,
		SourceDatabaseName: sourceDatabaseName,
	}
}
