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
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

// replica-set member states we care about
const (
	memberStatePrimary   = 1
	memberStateSecondary = 2
)

type replSetStatusMember struct {
	Name       string    `bson:"name"`
	State      int       `bson:"state"`
	StateStr   string    `bson:"stateStr"`
	OptimeDate time.Time `bson:"optimeDate"`
	Self       bool      `bson:"self"`
	Health     float64   `bson:"health"`
}

type replSetStatus struct {
	SetName string                `bson:"set"`
	Members []replSetStatusMember `bson:"members"`
}

type replSetConfigMember struct {
	Host     string  `bson:"host"`
	Priority float64 `bson:"priority"`
	Hidden   bool    `bson:"hidden"`
}

// MongoCluster is a connector to a replica set
type MongoCluster struct {
	uri    string
	parsed *mongouri.URI
	client *mongo.Client
}

func newMongoCluster(uri string, parsed *mongouri.URI) *MongoCluster {
	return &MongoCluster{uri: uri, parsed: parsed}
}

// NewMongoCluster builds a replica-set connector for uri
func NewMongoCluster(uri string) (*MongoCluster, error) {
	parsed, err := mongouri.Parse(uri)
	if err != nil {
		return nil, mbserrors.NewConfigurationError("invalid cluster uri '%s': %v", mongouri.Mask(uri), err)
	}
	return newMongoCluster(uri, parsed), nil
}

func (c *MongoCluster) connect(ctx context.Context) (*mongo.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := dial(ctx, c.uri, false)
	if err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	c.client = client
	return client, nil
}

// URI implements Connector
func (c *MongoCluster) URI() string { return c.uri }

// Address implements Connector
func (c *MongoCluster) Address() string { return strings.Join(c.parsed.Hosts, ",") }

// Info implements Connector
func (c *MongoCluster) Info() string {
	return fmt.Sprintf("MongoCluster(%s)", c.Address())
}

// IsOnline implements Connector
func (c *MongoCluster) IsOnline(ctx context.Context) bool {
	client, err := c.connect(ctx)
	if err != nil {
		return false
	}
	return client.Ping(ctx, nil) == nil
}

// GetMongoVersion implements Connector
func (c *MongoCluster) GetMongoVersion(ctx context.Context) (version.Version, error) {
	primary, err := c.PrimaryMember(ctx)
	if err != nil {
		return version.Version{}, err
	}
	return primary.GetMongoVersion(ctx)
}

// GetStats implements Connector, computing stats through the primary
func (c *MongoCluster) GetStats(ctx context.Context, onlyForDB string) (*Stats, error) {
	primary, err := c.PrimaryMember(ctx)
	if err != nil {
		return nil, err
	}
	return primary.GetStats(ctx, onlyForDB)
}

// members builds direct per-member connectors, annotated with the lag and
// priority observed right now
func (c *MongoCluster) members(ctx context.Context) ([]*MongoServer, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	var status replSetStatus
	res := client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}})
	if err := res.Decode(&status); err != nil {
		return nil, mbserrors.NewReplicasetError("replSetGetStatus failed for '%s': %v",
			mongouri.Mask(c.uri), err)
	}

	var configReply struct {
		Config struct {
			Members []replSetConfigMember `bson:"members"`
		} `bson:"config"`
	}
	res = client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}})
	if err := res.Decode(&configReply); err != nil {
		return nil, mbserrors.NewReplicasetError("replSetGetConfig failed for '%s': %v",
			mongouri.Mask(c.uri), err)
	}
	configByHost := make(map[string]replSetConfigMember, len(configReply.Config.Members))
	for _, m := range configReply.Config.Members {
		configByHost[m.Host] = m
	}

	var primaryOptime time.Time
	for _, m := range status.Members {
		if m.State == memberStatePrimary {
			primaryOptime = m.OptimeDate
		}
	}

	servers := make([]*MongoServer, 0, len(status.Members))
	for _, m := range status.Members {
		memberURI := c.parsed.WithHost(m.Name)
		parsed, err := mongouri.Parse(memberURI)
		if err != nil {
			return nil, mbserrors.NewReplicasetError("bad member address '%s': %v", m.Name, err)
		}
		memberClient, err := dial(ctx, memberURI, true)
		if err != nil {
			// a dead member is not fatal to selection, skip it
			continue
		}
		server := newMongoServerWithClient(memberURI, parsed, memberClient)
		if cfg, ok := configByHost[m.Name]; ok {
			server.priority = cfg.Priority
			server.hidden = cfg.Hidden
		}
		if m.State == memberStateSecondary && !primaryOptime.IsZero() {
			server.lagSeconds = int64(primaryOptime.Sub(m.OptimeDate).Seconds())
		}
		server.memberState = m.State
		servers = append(servers, server)
	}
	return servers, nil
}

// PrimaryMember implements Cluster
func (c *MongoCluster) PrimaryMember(ctx context.Context) (Server, error) {
	servers, err := c.members(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if s.memberState == memberStatePrimary {
			return s, nil
		}
	}
	return nil, mbserrors.NewPrimaryNotFoundError(mongouri.Mask(c.uri))
}

// BestSecondary implements Cluster: the freshest non-hidden secondary within
// maxLagSeconds, or nil when none qualifies
func (c *MongoCluster) BestSecondary(ctx context.Context, maxLagSeconds int64) (Server, error) {
	servers, err := c.members(ctx)
	if err != nil {
		return nil, err
	}

	var best *MongoServer
	for _, s := range servers {
		if s.memberState != memberStateSecondary || s.hidden {
			continue
		}
		if maxLagSeconds > 0 && s.lagSeconds > maxLagSeconds {
			continue
		}
		if best == nil || s.lagSeconds < best.lagSeconds {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, nil
}

// HasP0Members implements Cluster
func (c *MongoCluster) HasP0Members(ctx context.Context) (bool, error) {
	servers, err := c.members(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range servers {
		if s.priority == 0 {
			return true, nil
		}
	}
	return false, nil
}
