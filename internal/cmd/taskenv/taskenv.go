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

// Package taskenv wires the collaborators shared by the agent subcommands:
// the task store, the object storage target, and the local assistant.
package taskenv

import (
	"context"

	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/anthrax3/mongodb-backup-system/pkg/assistant"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/notification"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// Flags carries the shared configuration of the agent subcommands
type Flags struct {
	StoreURI      string
	StoreDatabase string
	Workspace     string

	Bucket      string
	Region      string
	EndpointURL string
	AccessKey   string
	SecretKey   string
}

// AddFlags binds the shared flags to a flagset
func (f *Flags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.StoreURI, "store-uri", "mongodb://localhost:27017",
		"the MongoDB connection string of the task store")
	flags.StringVar(&f.StoreDatabase, "store-database", "mbs",
		"the task store database name")
	flags.StringVar(&f.Workspace, "workspace", "/var/lib/mbs/workspace",
		"the root directory for task scratch space")
	flags.StringVar(&f.Bucket, "bucket", "", "the S3 bucket backups are written to")
	flags.StringVar(&f.Region, "region", "", "the S3 bucket region")
	flags.StringVar(&f.EndpointURL, "endpoint-url", "",
		"a custom S3 endpoint, for S3-compatible stores")
	flags.StringVar(&f.AccessKey, "access-key", "", "the S3 access key id")
	flags.StringVar(&f.SecretKey, "secret-key", "", "the S3 secret access key")
}

// Env bundles the built collaborators
type Env struct {
	Store     *persistence.MongoStore
	Target    *target.S3Target
	Assistant *assistant.LocalBackupAssistant
	Notifier  notification.Notifier

	client *mongo.Client
}

// Build connects to the task store and constructs the collaborators
func Build(ctx context.Context, f Flags) (*Env, error) {
	if !mongouri.IsValid(f.StoreURI) {
		return nil, mbserrors.NewConfigurationError(
			"invalid task store uri '%s'", mongouri.Mask(f.StoreURI))
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(f.StoreURI))
	if err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(f.StoreURI), err)
	}

	tgt, err := target.NewS3Target(ctx, target.S3Config{
		Bucket:      f.Bucket,
		Region:      f.Region,
		EndpointURL: f.EndpointURL,
		AccessKey:   f.AccessKey,
		SecretKey:   f.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	notifier := notification.LogNotifier{}
	return &Env{
		Store:     persistence.NewMongoStore(client.Database(f.StoreDatabase), notifier),
		Target:    tgt,
		Assistant: assistant.NewLocalBackupAssistant(f.Workspace),
		Notifier:  notifier,
		client:    client,
	}, nil
}

// Close disconnects from the task store
func (e *Env) Close(ctx context.Context) {
	if err := e.client.Disconnect(ctx); err != nil {
		log.Error(err, "failed to disconnect from the task store")
	}
}
