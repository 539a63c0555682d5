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

package strategy

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/notification"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

// fakeStore keeps task updates in memory, mirroring the event-append
// behavior of the real store
type fakeStore struct {
	mu             sync.Mutex
	backupUpdates  []persistence.Update
	restoreUpdates []persistence.Update
	backups        map[string]*v1.Backup
}

func newFakeStore() *fakeStore {
	return &fakeStore{backups: map[string]*v1.Backup{}}
}

func (s *fakeStore) CreateBackup(_ context.Context, backup *v1.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[backup.ID] = backup
	return nil
}

func (s *fakeStore) CreateRestore(context.Context, *v1.Restore) error { return nil }

func (s *fakeStore) UpdateBackup(_ context.Context, backup *v1.Backup, update persistence.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.HasEvent() {
		backup.AppendEvent(update.EventName, eventTypeOrInfoTest(update.EventType),
			update.Message, update.Details, update.ErrorCode)
	}
	s.backupUpdates = append(s.backupUpdates, update)
	return nil
}

func (s *fakeStore) UpdateRestore(_ context.Context, restore *v1.Restore, update persistence.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.HasEvent() {
		restore.AppendEvent(update.EventName, eventTypeOrInfoTest(update.EventType),
			update.Message, update.Details, update.ErrorCode)
	}
	s.restoreUpdates = append(s.restoreUpdates, update)
	return nil
}

func (s *fakeStore) GetBackup(_ context.Context, id string) (*v1.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup, ok := s.backups[id]
	if !ok {
		return nil, fmt.Errorf("backup '%s' does not exist", id)
	}
	return backup, nil
}

func eventTypeOrInfoTest(eventType v1.EventType) v1.EventType {
	if eventType == "" {
		return v1.EventTypeInfo
	}
	return eventType
}

// persistedProperties flattens the property names of every recorded update
func (s *fakeStore) persistedProperties() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, u := range s.backupUpdates {
		names = append(names, u.Properties...)
	}
	return names
}

// backupEventNames lists the event names of every recorded backup update,
// safe against concurrently running watchdogs
func (s *fakeStore) backupEventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, u := range s.backupUpdates {
		if u.HasEvent() {
			names = append(names, u.EventName)
		}
	}
	return names
}

// backupUpdateByEvent returns the first recorded backup update carrying the
// named event
func (s *fakeStore) backupUpdateByEvent(name string) *persistence.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.backupUpdates {
		if s.backupUpdates[i].EventName == name {
			return &s.backupUpdates[i]
		}
	}
	return nil
}

// fakeNotifier records notifications
type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) SendEventNotification(subject, _ string, _ notification.Priority) {
	n.record(subject)
}

func (n *fakeNotifier) SendErrorNotification(subject, _ string, _ error) {
	n.record(subject)
}

func (n *fakeNotifier) record(subject string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
}

// fakeTarget is an in-memory object store
type fakeTarget struct {
	mu        sync.Mutex
	container string
	uploads   []string
	deletes   []string
	putErr    error
}

func (t *fakeTarget) ContainerName() string { return t.container }

func (t *fakeTarget) PutFile(_ context.Context, _ string, destinationPath string) (*target.FileReference, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.putErr != nil {
		return nil, t.putErr
	}
	t.uploads = append(t.uploads, destinationPath)
	return target.NewFileReference(destinationPath, 1024, t.container), nil
}

func (t *fakeTarget) GetFile(_ context.Context, ref *target.FileReference, _ string) (string, error) {
	return ref.FileName, nil
}

func (t *fakeTarget) DeleteFile(_ context.Context, ref *target.FileReference) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletes = append(t.deletes, ref.FileName)
	return nil
}

// fakeAssistant records the operations of the backup host
type fakeAssistant struct {
	mu    sync.Mutex
	calls []string

	localhost bool

	dumpErrs     []error
	dumpAttempts int
	restoreErr   error

	lastDumpURI        string
	lastDumpOptions    []string
	lastRestoreURI     string
	lastRestoreOptions []string
	lastRestoreDrops   [2]bool
}

func (a *fakeAssistant) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *fakeAssistant) CreateTaskWorkspace(task *v1.Task) error {
	a.record("createWorkspace")
	task.Workspace = "/tmp/mbs-test/" + task.ID
	return nil
}

func (a *fakeAssistant) DeleteTaskWorkspace(*v1.Task) error {
	a.record("deleteWorkspace")
	return nil
}

func (a *fakeAssistant) IsConnectorLocalToAssistant(connector.Connector) bool {
	return a.localhost
}

func (a *fakeAssistant) SuspendIO(ctx context.Context, _ *v1.Backup,
	_ connector.Server, cbs source.CloudBlockStorage,
) error {
	a.record("suspendIO")
	return cbs.SuspendIO(ctx)
}

func (a *fakeAssistant) ResumeIO(ctx context.Context, _ *v1.Backup,
	_ connector.Server, cbs source.CloudBlockStorage,
) error {
	a.record("resumeIO")
	return cbs.ResumeIO(ctx)
}

func (a *fakeAssistant) DumpBackup(_ context.Context, _ *v1.Backup, uri string,
	_, _ string, options []string,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "dump")
	a.lastDumpURI = uri
	a.lastDumpOptions = options
	a.dumpAttempts++
	if len(a.dumpErrs) > 0 {
		err := a.dumpErrs[0]
		a.dumpErrs = a.dumpErrs[1:]
		return err
	}
	return nil
}

func (a *fakeAssistant) TarBackup(_ context.Context, _ *v1.Backup, _, tarFileName string) error {
	a.record("tar:" + tarFileName)
	return nil
}

func (a *fakeAssistant) UploadBackup(_ context.Context, _ *v1.Backup, fileName string,
	targets []target.Target, destinationPath string,
) ([]*target.FileReference, error) {
	a.record("upload:" + fileName)
	refs := make([]*target.FileReference, len(targets))
	for i, tgt := range targets {
		refs[i] = target.NewFileReference(destinationPath, 1024, tgt.ContainerName())
	}
	return refs, nil
}

func (a *fakeAssistant) UploadBackupLogFile(_ context.Context, _ *v1.Task, logFileName string,
	tgt target.Target, destinationPath string,
) (*target.FileReference, error) {
	a.record("uploadLog:" + logFileName)
	return target.NewFileReference(destinationPath, 128, tgt.ContainerName()), nil
}

func (a *fakeAssistant) DownloadRestoreSourceBackup(_ context.Context, restore *v1.Restore) (string, error) {
	a.record("download")
	return restore.SourceBackup.TargetReference.File().FileName, nil
}

func (a *fakeAssistant) ExtractRestoreSourceBackup(_ context.Context, _ *v1.Restore, fileName string) error {
	a.record("extract:" + fileName)
	return nil
}

func (a *fakeAssistant) RunMongoRestore(_ context.Context, _ *v1.Restore, destinationURI, _, _, _ string,
	deleteOldAdminUsersFile, deleteOldUsersFile bool, options []string,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "mongorestore")
	a.lastRestoreURI = destinationURI
	a.lastRestoreOptions = options
	a.lastRestoreDrops = [2]bool{deleteOldAdminUsersFile, deleteOldUsersFile}
	return a.restoreErr
}

// fakeServer is a scriptable connector.Server
type fakeServer struct {
	mu sync.Mutex

	uri     string
	address string
	online  bool

	primary      bool
	secondary    bool
	replica      bool
	configServer bool

	locked  bool
	lockOps []string

	mongoVersion string
	priority     float64
	lag          int64
	tooStale     bool
	username     string

	stats    *connector.Stats
	statsErr error

	adminCommands []bson.D
}

func (s *fakeServer) URI() string     { return s.uri }
func (s *fakeServer) Address() string { return s.address }
func (s *fakeServer) Info() string    { return "mongod '" + s.address + "'" }

func (s *fakeServer) IsOnline(context.Context) bool { return s.online }

func (s *fakeServer) GetMongoVersion(context.Context) (version.Version, error) {
	return version.Parse(s.mongoVersion)
}

func (s *fakeServer) GetStats(context.Context, string) (*connector.Stats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	return s.stats, nil
}

func (s *fakeServer) IsPrimary(context.Context) (bool, error)       { return s.primary, nil }
func (s *fakeServer) IsSecondary(context.Context) (bool, error)     { return s.secondary, nil }
func (s *fakeServer) IsReplicaMember(context.Context) (bool, error) { return s.replica, nil }
func (s *fakeServer) IsConfigServer(context.Context) (bool, error)  { return s.configServer, nil }

func (s *fakeServer) Fsynclock(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	s.lockOps = append(s.lockOps, "lock")
	return nil
}

func (s *fakeServer) Fsyncunlock(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	s.lockOps = append(s.lockOps, "unlock")
	return nil
}

func (s *fakeServer) IsServerLocked(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked, nil
}

// lockOpList snapshots the lock operations, safe against concurrently
// running watchdogs
func (s *fakeServer) lockOpList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lockOps...)
}

func (s *fakeServer) Priority() float64 { return s.priority }
func (s *fakeServer) LagSeconds() int64 { return s.lag }
func (s *fakeServer) TooStale() bool    { return s.tooStale }

func (s *fakeServer) AdminCommand(_ context.Context, cmd bson.D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminCommands = append(s.adminCommands, cmd)
	return nil
}

func (s *fakeServer) Username() string { return s.username }

// fakeCluster is a scriptable connector.Cluster
type fakeCluster struct {
	uri     string
	address string

	primary *fakeServer
	best    *fakeServer
	hasP0   bool
}

func (c *fakeCluster) URI() string                   { return c.uri }
func (c *fakeCluster) Address() string               { return c.address }
func (c *fakeCluster) Info() string                  { return "replica set at '" + c.address + "'" }
func (c *fakeCluster) IsOnline(context.Context) bool { return true }

func (c *fakeCluster) GetMongoVersion(context.Context) (version.Version, error) {
	return c.primary.GetMongoVersion(context.Background())
}

func (c *fakeCluster) GetStats(ctx context.Context, onlyForDB string) (*connector.Stats, error) {
	return c.primary.GetStats(ctx, onlyForDB)
}

func (c *fakeCluster) PrimaryMember(context.Context) (connector.Server, error) {
	return c.primary, nil
}

func (c *fakeCluster) BestSecondary(context.Context, int64) (connector.Server, error) {
	if c.best == nil {
		return nil, nil
	}
	return c.best, nil
}

func (c *fakeCluster) HasP0Members(context.Context) (bool, error) { return c.hasP0, nil }

// fakeSharded is a scriptable connector.ShardedCluster
type fakeSharded struct {
	mu sync.Mutex

	uri     string
	address string
	online  bool

	secondaries []*fakeServer
	stats       *connector.Stats

	balancerActive bool
	sawActivity    bool
	balancerOps    []string
	monitorRunning bool
}

func (c *fakeSharded) URI() string                   { return c.uri }
func (c *fakeSharded) Address() string               { return c.address }
func (c *fakeSharded) Info() string                  { return "sharded cluster at '" + c.address + "'" }
func (c *fakeSharded) IsOnline(context.Context) bool { return c.online }

func (c *fakeSharded) GetMongoVersion(context.Context) (version.Version, error) {
	return version.Parse("2.6.0")
}

func (c *fakeSharded) GetStats(context.Context, string) (*connector.Stats, error) {
	return c.stats, nil
}

func (c *fakeSharded) SelectShardBestSecondaries(context.Context, int64) error { return nil }

func (c *fakeSharded) SelectedShardSecondaries() []connector.Server {
	servers := make([]connector.Server, len(c.secondaries))
	for i, s := range c.secondaries {
		servers[i] = s
	}
	return servers
}

func (c *fakeSharded) IsBalancerActive(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balancerActive, nil
}

func (c *fakeSharded) StopBalancer(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balancerActive = false
	c.balancerOps = append(c.balancerOps, "stop")
	return nil
}

func (c *fakeSharded) ResumeBalancer(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balancerActive = true
	c.balancerOps = append(c.balancerOps, "resume")
	return nil
}

func (c *fakeSharded) StartBalancerActivityMonitor(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitorRunning = true
	c.balancerOps = append(c.balancerOps, "monitorStart")
}

func (c *fakeSharded) StopBalancerActivityMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitorRunning = false
	c.balancerOps = append(c.balancerOps, "monitorStop")
}

func (c *fakeSharded) BalancerActiveDuringMonitor() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sawActivity
}

// fakeCBS is a scriptable block storage
type fakeCBS struct {
	mu    sync.Mutex
	calls []string

	createStatus target.SnapshotStatus
	createErr    error
	resumeErr    error
	snapshotSeq  int

	deleted []string
	shared  bool
}

func (c *fakeCBS) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

// callList snapshots the recorded calls, safe against concurrently running
// watchdogs
func (c *fakeCBS) callList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCBS) MountPoint() string { return "/data" }

func (c *fakeCBS) CreateSnapshot(_ context.Context, _, _ string) (target.Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "create")
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.snapshotSeq++
	status := c.createStatus
	if status == "" {
		status = target.SnapshotStatusCompleted
	}
	return &target.SnapshotReference{
		Type:       target.EbsSnapshotReferenceType,
		SnapshotID: fmt.Sprintf("snap-%04d", c.snapshotSeq),
		VolumeID:   "vol-1234",
		Status:     status,
	}, nil
}

func (c *fakeCBS) DeleteSnapshot(_ context.Context, ref target.Reference) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "delete")
	if snapshot, ok := ref.(*target.SnapshotReference); ok {
		c.deleted = append(c.deleted, snapshot.SnapshotID)
	}
	return true, nil
}

func (c *fakeCBS) CheckSnapshotUpdates(context.Context, target.Reference) (target.Reference, error) {
	c.record("check")
	return nil, nil
}

func (c *fakeCBS) SuspendIO(context.Context) error {
	c.record("suspend")
	return nil
}

func (c *fakeCBS) ResumeIO(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeErr != nil {
		return c.resumeErr
	}
	c.calls = append(c.calls, "resume")
	return nil
}

func (c *fakeCBS) ShareSnapshot(_ context.Context, ref target.Reference,
	_, _ []string,
) (target.Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "share")
	c.shared = true
	return ref, nil
}

// fakeSource is a BackupSource with scriptable block storage lookup
type fakeSource struct {
	uri      string
	database string
	storage  map[string]source.CloudBlockStorage
}

func (s *fakeSource) URI() string            { return s.uri }
func (s *fakeSource) DatabaseName() string   { return s.database }
func (s *fakeSource) CollectionName() string { return "" }

func (s *fakeSource) BlockStorage(address string) source.CloudBlockStorage {
	if cbs, ok := s.storage[address]; ok {
		return cbs
	}
	return s.storage[""]
}

func (s *fakeSource) Validate() error { return nil }

// eventNames flattens the task's event log
func eventNames(task *v1.Task) []string {
	names := make([]string, 0, len(task.Logs))
	for _, entry := range task.Logs {
		names = append(names, entry.Name)
	}
	return names
}

// newTestContext assembles a strategy context from fakes
func newTestContext(store *fakeStore, a *fakeAssistant) MbsContext {
	return MbsContext{
		Store:     store,
		Notifier:  &fakeNotifier{},
		Assistant: a,
	}
}
