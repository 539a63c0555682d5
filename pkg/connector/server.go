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

package connector

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

// tooStaleLagSeconds is the advisory staleness threshold: members lagging
// beyond it may still serve backups but the task records a warning
const tooStaleLagSeconds = 5 * 3600

// MongoServer is a connector to a single mongod, always dialed directly
type MongoServer struct {
	uri    string
	parsed *mongouri.URI
	client *mongo.Client

	// member descriptors filled in by the owning cluster at selection time
	priority    float64
	lagSeconds  int64
	hidden      bool
	memberState int
}

// NewMongoServer builds a direct connector to a single mongod
func NewMongoServer(ctx context.Context, uri string) (*MongoServer, error) {
	parsed, err := mongouri.Parse(uri)
	if err != nil {
		return nil, mbserrors.NewConfigurationError("invalid server uri '%s': %v", mongouri.Mask(uri), err)
	}
	client, err := dial(ctx, uri, true)
	if err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(uri), err)
	}
	return newMongoServerWithClient(uri, parsed, client), nil
}

func newMongoServerWithClient(uri string, parsed *mongouri.URI, client *mongo.Client) *MongoServer {
	return &MongoServer{uri: uri, parsed: parsed, client: client, priority: 1}
}

// URI implements Connector
func (s *MongoServer) URI() string { return s.uri }

// Address implements Connector
func (s *MongoServer) Address() string {
	if len(s.parsed.Hosts) > 0 {
		return s.parsed.Hosts[0]
	}
	return ""
}

// Info implements Connector
func (s *MongoServer) Info() string {
	return fmt.Sprintf("MongoServer(%s)", s.Address())
}

// Username implements Server
func (s *MongoServer) Username() string { return s.parsed.Username }

// IsOnline implements Connector
func (s *MongoServer) IsOnline(ctx context.Context) bool {
	return s.client.Ping(ctx, nil) == nil
}

func (s *MongoServer) isMaster(ctx context.Context) (*isMasterReply, error) {
	var reply isMasterReply
	res := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}})
	if err := res.Decode(&reply); err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(s.uri), err)
	}
	return &reply, nil
}

// IsPrimary implements Server
func (s *MongoServer) IsPrimary(ctx context.Context) (bool, error) {
	reply, err := s.isMaster(ctx)
	if err != nil {
		return false, err
	}
	return reply.IsMaster && reply.SetName != "", nil
}

// IsSecondary implements Server
func (s *MongoServer) IsSecondary(ctx context.Context) (bool, error) {
	reply, err := s.isMaster(ctx)
	if err != nil {
		return false, err
	}
	return reply.Secondary, nil
}

// IsReplicaMember implements Server
func (s *MongoServer) IsReplicaMember(ctx context.Context) (bool, error) {
	reply, err := s.isMaster(ctx)
	if err != nil {
		return false, err
	}
	return reply.SetName != "", nil
}

// IsConfigServer implements Server
func (s *MongoServer) IsConfigServer(ctx context.Context) (bool, error) {
	reply, err := s.isMaster(ctx)
	if err != nil {
		return false, err
	}
	return reply.ConfigSvr > 0, nil
}

// GetMongoVersion implements Connector
func (s *MongoServer) GetMongoVersion(ctx context.Context) (version.Version, error) {
	var buildInfo struct {
		Version string `bson:"version"`
	}
	res := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
	if err := res.Decode(&buildInfo); err != nil {
		return version.Version{}, mbserrors.NewConnectionError(mongouri.Mask(s.uri), err)
	}
	return version.Parse(buildInfo.Version)
}

// GetStats implements Connector
func (s *MongoServer) GetStats(ctx context.Context, onlyForDB string) (*Stats, error) {
	stats := &Stats{DatabaseName: onlyForDB}

	if onlyForDB != "" {
		var dbStats struct {
			DataSize float64 `bson:"dataSize"`
		}
		res := s.client.Database(onlyForDB).RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}})
		if err := res.Decode(&dbStats); err != nil {
			return nil, mbserrors.NewConnectionError(mongouri.Mask(s.uri), err)
		}
		stats.DataSize = int64(dbStats.DataSize)
	} else {
		listed, err := s.client.ListDatabases(ctx, bson.D{})
		if err != nil {
			return nil, mbserrors.NewConnectionError(mongouri.Mask(s.uri), err)
		}
		stats.DataSize = listed.TotalSize
	}

	mongoVersion, err := s.GetMongoVersion(ctx)
	if err != nil {
		return nil, err
	}
	stats.Version = mongoVersion.String()

	reply, err := s.isMaster(ctx)
	if err != nil {
		return nil, err
	}
	stats.Host = s.Address()
	if reply.SetName != "" {
		me := reply.Me
		if me == "" {
			me = s.Address()
		}
		stats.Repl = &ReplStats{
			Me:        me,
			SetName:   reply.SetName,
			IsMaster:  reply.IsMaster,
			Secondary: reply.Secondary,
			Hosts:     reply.Hosts,
		}
	}

	return stats, nil
}

// Fsynclock implements Server: flush and hold writes until Fsyncunlock
func (s *MongoServer) Fsynclock(ctx context.Context) error {
	res := s.client.Database("admin").RunCommand(ctx,
		bson.D{{Key: "fsync", Value: 1}, {Key: "lock", Value: true}})
	if err := res.Err(); err != nil {
		return mbserrors.NewMongoLockError(fmt.Sprintf("fsynclock failed on '%s'", s.Address()), err)
	}
	log.Info("fsynclock acquired", "server", s.Address())
	return nil
}

// Fsyncunlock implements Server
func (s *MongoServer) Fsyncunlock(ctx context.Context) error {
	res := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "fsyncUnlock", Value: 1}})
	if err := res.Err(); err != nil {
		return mbserrors.NewMongoLockError(fmt.Sprintf("fsyncunlock failed on '%s'", s.Address()), err)
	}
	log.Info("fsyncunlock done", "server", s.Address())
	return nil
}

// IsServerLocked implements Server
func (s *MongoServer) IsServerLocked(ctx context.Context) (bool, error) {
	var currentOp struct {
		FsyncLock bool `bson:"fsyncLock"`
	}
	res := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "currentOp", Value: 1}})
	if err := res.Decode(&currentOp); err != nil {
		return false, mbserrors.NewConnectionError(mongouri.Mask(s.uri), err)
	}
	return currentOp.FsyncLock, nil
}

// AdminCommand implements Server
func (s *MongoServer) AdminCommand(ctx context.Context, cmd bson.D) error {
	return s.client.Database("admin").RunCommand(ctx, cmd).Err()
}

// Priority implements Server
func (s *MongoServer) Priority() float64 { return s.priority }

// LagSeconds implements Server
func (s *MongoServer) LagSeconds() int64 { return s.lagSeconds }

// TooStale implements Server
func (s *MongoServer) TooStale() bool { return s.lagSeconds > tooStaleLagSeconds }
