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
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

const balancerMonitorInterval = time.Second

// ShardedClusterConnector talks to a mongos and fans selection out to the
// shards behind it
type ShardedClusterConnector struct {
	uri    string
	parsed *mongouri.URI
	client *mongo.Client

	selectedSecondaries []Server

	monitorMu      sync.Mutex
	monitorStop    chan struct{}
	monitorStopped chan struct{}
	sawActivity    atomic.Bool
}

func newShardedClusterConnector(uri string, parsed *mongouri.URI, client *mongo.Client) *ShardedClusterConnector {
	return &ShardedClusterConnector{uri: uri, parsed: parsed, client: client}
}

// URI implements Connector
func (c *ShardedClusterConnector) URI() string { return c.uri }

// Address implements Connector
func (c *ShardedClusterConnector) Address() string {
	if len(c.parsed.Hosts) > 0 {
		return c.parsed.Hosts[0]
	}
	return ""
}

// Info implements Connector
func (c *ShardedClusterConnector) Info() string {
	return fmt.Sprintf("ShardedClusterConnector(%s)", c.Address())
}

// IsOnline implements Connector
func (c *ShardedClusterConnector) IsOnline(ctx context.Context) bool {
	return c.client.Ping(ctx, nil) == nil
}

// GetMongoVersion implements Connector
func (c *ShardedClusterConnector) GetMongoVersion(ctx context.Context) (version.Version, error) {
	var buildInfo struct {
		Version string `bson:"version"`
	}
	res := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
	if err := res.Decode(&buildInfo); err != nil {
		return version.Version{}, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	return version.Parse(buildInfo.Version)
}

// GetStats implements Connector, aggregated through the mongos
func (c *ShardedClusterConnector) GetStats(ctx context.Context, onlyForDB string) (*Stats, error) {
	stats := &Stats{DatabaseName: onlyForDB, Host: c.Address()}
	if onlyForDB != "" {
		var dbStats struct {
			DataSize float64 `bson:"dataSize"`
		}
		res := c.client.Database(onlyForDB).RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}})
		if err := res.Decode(&dbStats); err != nil {
			return nil, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
		}
		stats.DataSize = int64(dbStats.DataSize)
	} else {
		listed, err := c.client.ListDatabases(ctx, bson.D{})
		if err != nil {
			return nil, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
		}
		stats.DataSize = listed.TotalSize
	}

	mongoVersion, err := c.GetMongoVersion(ctx)
	if err != nil {
		return nil, err
	}
	stats.Version = mongoVersion.String()
	return stats, nil
}

type shardDoc struct {
	ID   string `bson:"_id"`
	Host string `bson:"host"`
}

func (c *ShardedClusterConnector) shards(ctx context.Context) ([]shardDoc, error) {
	cursor, err := c.client.Database("config").Collection("shards").Find(ctx, bson.D{})
	if err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	var docs []shardDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	return docs, nil
}

// shardClusterURI turns a config.shards host string ("rs0/h1:27017,h2:27017")
// into a connection string carrying the mongos credentials
func (c *ShardedClusterConnector) shardClusterURI(shardHost string) string {
	hosts := shardHost
	if idx := strings.Index(shardHost, "/"); idx != -1 {
		hosts = shardHost[idx+1:]
	}
	rebuilt := *c.parsed
	rebuilt.Hosts = strings.Split(hosts, ",")
	rebuilt.Database = ""
	return rebuilt.String()
}

// SelectShardBestSecondaries implements ShardedCluster: picks the freshest
// secondary within maxLagSeconds for every shard
func (c *ShardedClusterConnector) SelectShardBestSecondaries(ctx context.Context, maxLagSeconds int64) error {
	shardDocs, err := c.shards(ctx)
	if err != nil {
		return err
	}

	selected := make([]Server, 0, len(shardDocs))
	for _, shard := range shardDocs {
		shardURI := c.shardClusterURI(shard.Host)
		cluster, err := NewMongoCluster(shardURI)
		if err != nil {
			return err
		}
		secondary, err := cluster.BestSecondary(ctx, maxLagSeconds)
		if err != nil {
			return err
		}
		if secondary == nil {
			return mbserrors.NewNoEligibleMembersFound(mongouri.Mask(shardURI),
				fmt.Sprintf("no secondary within %d seconds lag found for shard '%s'", maxLagSeconds, shard.ID))
		}
		selected = append(selected, secondary)
	}
	c.selectedSecondaries = selected
	return nil
}

// SelectedShardSecondaries implements ShardedCluster
func (c *ShardedClusterConnector) SelectedShardSecondaries() []Server {
	return c.selectedSecondaries
}

// IsBalancerActive implements ShardedCluster: the balancer counts as active
// while it is enabled or while a migration round still holds the balancer
// lock
func (c *ShardedClusterConnector) IsBalancerActive(ctx context.Context) (bool, error) {
	var settings struct {
		Stopped bool `bson:"stopped"`
	}
	err := c.client.Database("config").Collection("settings").
		FindOne(ctx, bson.D{{Key: "_id", Value: "balancer"}}).Decode(&settings)
	if err != nil && err != mongo.ErrNoDocuments {
		return false, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	if !settings.Stopped {
		return true, nil
	}
	return c.isBalancerRoundInProgress(ctx)
}

func (c *ShardedClusterConnector) isBalancerRoundInProgress(ctx context.Context) (bool, error) {
	var lock struct {
		State int `bson:"state"`
	}
	err := c.client.Database("config").Collection("locks").
		FindOne(ctx, bson.D{{Key: "_id", Value: "balancer"}}).Decode(&lock)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	return lock.State > 0, nil
}

func (c *ShardedClusterConnector) setBalancerStopped(ctx context.Context, stopped bool) error {
	_, err := c.client.Database("config").Collection("settings").UpdateOne(ctx,
		bson.D{{Key: "_id", Value: "balancer"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "stopped", Value: stopped}}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return mbserrors.NewConnectionError(mongouri.Mask(c.uri), err)
	}
	return nil
}

// StopBalancer implements ShardedCluster
func (c *ShardedClusterConnector) StopBalancer(ctx context.Context) error {
	return c.setBalancerStopped(ctx, true)
}

// ResumeBalancer implements ShardedCluster
func (c *ShardedClusterConnector) ResumeBalancer(ctx context.Context) error {
	return c.setBalancerStopped(ctx, false)
}

// StartBalancerActivityMonitor implements ShardedCluster: watches for
// balancer rounds while the snapshot critical section is open
func (c *ShardedClusterConnector) StartBalancerActivityMonitor(ctx context.Context) {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if c.monitorStop != nil {
		return
	}
	c.sawActivity.Store(false)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.monitorStop = stop
	c.monitorStopped = stopped

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(balancerMonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				active, err := c.isBalancerRoundInProgress(ctx)
				if err != nil {
					log.Error(err, "balancer activity monitor check failed")
					continue
				}
				if active {
					c.sawActivity.Store(true)
				}
			}
		}
	}()
}

// StopBalancerActivityMonitor implements ShardedCluster
func (c *ShardedClusterConnector) StopBalancerActivityMonitor() {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if c.monitorStop == nil {
		return
	}
	close(c.monitorStop)
	<-c.monitorStopped
	c.monitorStop = nil
	c.monitorStopped = nil
}

// BalancerActiveDuringMonitor implements ShardedCluster
func (c *ShardedClusterConnector) BalancerActiveDuringMonitor() bool {
	return c.sawActivity.Load()
}
