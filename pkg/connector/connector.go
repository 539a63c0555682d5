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

// Package connector offers a typed view of the MongoDB deployment a backup
// or restore operates on: a single server, a replica set, or a sharded
// cluster. Connectors are transient and created per run.
package connector

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

const connectTimeout = 10 * time.Second

// ReplStats is the replication block of the source stats, taken from the
// isMaster reply of the selected member
type ReplStats struct {
	Me        string   `bson:"me,omitempty"`
	SetName   string   `bson:"setName,omitempty"`
	IsMaster  bool     `bson:"ismaster"`
	Secondary bool     `bson:"secondary"`
	Hosts     []string `bson:"hosts,omitempty"`
}

// Stats describes the backup source at selection time. It is persisted on
// the task document as sourceStats.
type Stats struct {
	DataSize     int64      `bson:"dataSize"`
	DatabaseName string     `bson:"databaseName,omitempty"`
	Version      string     `bson:"version,omitempty"`
	Host         string     `bson:"host,omitempty"`
	Repl         *ReplStats `bson:"repl,omitempty"`
}

// Connector is the capability set common to every topology
type Connector interface {
	// URI returns the raw connection string. It may contain credentials and
	// must never be logged unmasked.
	URI() string
	// Address returns the host:port this connector points at (the mongos
	// address for sharded clusters)
	Address() string
	// Info returns a loggable, credential-free description
	Info() string
	// IsOnline reports whether the deployment currently answers pings
	IsOnline(ctx context.Context) bool
	// GetMongoVersion returns the server version
	GetMongoVersion(ctx context.Context) (version.Version, error)
	// GetStats computes source stats, scoped to onlyForDB when non-empty
	GetStats(ctx context.Context, onlyForDB string) (*Stats, error)
}

// Server is a connector to a single mongod
type Server interface {
	Connector

	IsPrimary(ctx context.Context) (bool, error)
	IsSecondary(ctx context.Context) (bool, error)
	IsReplicaMember(ctx context.Context) (bool, error)
	IsConfigServer(ctx context.Context) (bool, error)

	Fsynclock(ctx context.Context) error
	Fsyncunlock(ctx context.Context) error
	IsServerLocked(ctx context.Context) (bool, error)

	// Priority is the member's replica-set priority, NaN-free; standalone
	// servers report 1.
	Priority() float64
	// LagSeconds is the replication lag observed at selection time
	LagSeconds() int64
	// TooStale reports whether the member is lagging beyond the advisory
	// threshold (stale members may still serve backups, with a warning)
	TooStale() bool

	// AdminCommand runs a command against the authenticated admin database
	AdminCommand(ctx context.Context, cmd bson.D) error
	// Username returns the user the connector authenticates as
	Username() string
}

// Cluster is a connector to a replica set
type Cluster interface {
	Connector

	PrimaryMember(ctx context.Context) (Server, error)
	// BestSecondary returns the freshest eligible secondary within
	// maxLagSeconds (0 means no lag constraint), or nil when none qualifies
	BestSecondary(ctx context.Context, maxLagSeconds int64) (Server, error)
	// HasP0Members reports whether any member has priority zero
	HasP0Members(ctx context.Context) (bool, error)
}

// ShardedCluster is a connector to a mongos and its shards
type ShardedCluster interface {
	Connector

	SelectShardBestSecondaries(ctx context.Context, maxLagSeconds int64) error
	SelectedShardSecondaries() []Server

	IsBalancerActive(ctx context.Context) (bool, error)
	StopBalancer(ctx context.Context) error
	ResumeBalancer(ctx context.Context) error

	StartBalancerActivityMonitor(ctx context.Context)
	StopBalancerActivityMonitor()
	BalancerActiveDuringMonitor() bool
}

// Build connects to uri and returns the connector matching the topology
// behind it
func Build(ctx context.Context, uri string) (Connector, error) {
	parsed, err := mongouri.Parse(uri)
	if err != nil {
		return nil, mbserrors.NewConfigurationError("invalid source uri '%s': %v", mongouri.Mask(uri), err)
	}

	if len(parsed.Hosts) > 1 {
		return newMongoCluster(uri, parsed), nil
	}

	client, err := dial(ctx, uri, true)
	if err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(uri), err)
	}

	var isMaster isMasterReply
	res := client.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}})
	if err := res.Decode(&isMaster); err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(uri), err)
	}

	if isMaster.Msg == "isdbgrid" {
		return newShardedClusterConnector(uri, parsed, client), nil
	}

	return newMongoServerWithClient(uri, parsed, client), nil
}

// isMasterReply is the subset of the isMaster command reply we consume
type isMasterReply struct {
	IsMaster  bool     `bson:"ismaster"`
	Secondary bool     `bson:"secondary"`
	SetName   string   `bson:"setName,omitempty"`
	Hosts     []string `bson:"hosts,omitempty"`
	Me        string   `bson:"me,omitempty"`
	Msg       string   `bson:"msg,omitempty"`
	ConfigSvr int      `bson:"configsvr,omitempty"`
}

func dial(ctx context.Context, uri string, direct bool) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout)
	if direct {
		opts = opts.SetDirect(true)
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return mongo.Connect(dialCtx, opts)
}
