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
	"time"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/persistence"
	"github.com/anthrax3/mongodb-backup-system/pkg/robustify"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
)

// maxLockTime bounds how long a source may stay locked or suspended before
// the watchdogs force a release. A variable so tests can shrink it.
var maxLockTime = 60 * time.Second

const (
	// maxBalancerStopWait bounds how long a sharded backup waits for the
	// balancer to finish its round after being stopped
	maxBalancerStopWait      = 1800 * time.Second
	balancerStopPollInterval = 5 * time.Second

	balancerResumeWait         = 30 * time.Second
	balancerResumePollInterval = time.Second

	// releasing a lock matters more than acquiring one, so unlock retries
	// far beyond the usual attempt budget
	unlockMaxAttempts   = 120
	unlockRetryInterval = 5 * time.Second
)

// fsynclockSource flushes and locks the server, then arms a detached
// watchdog that force-unlocks if the lock outlives maxLockTime
func (b *base) fsynclockSource(ctx context.Context, backup *v1.Backup, server connector.Server) error {
	if err := b.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventFsynclock, v1.EventTypeInfo, "locking "+server.Info())); err != nil {
		return err
	}
	if err := server.Fsynclock(ctx); err != nil {
		return err
	}
	if err := b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventFsynclockEnd, v1.EventTypeInfo)); err != nil {
		return err
	}

	go b.fsyncLockWatchdog(backup, server)
	return nil
}

// fsyncLockWatchdog is fire-and-forget: it races the normal unlock path and
// must be safe whichever finishes first. It runs on a background context so
// task cancellation cannot disarm the safety net.
func (b *base) fsyncLockWatchdog(backup *v1.Backup, server connector.Server) {
	time.Sleep(maxLockTime)
	ctx := context.Background()

	locked, err := server.IsServerLocked(ctx)
	if err != nil {
		log.Error(err, "fsync lock watchdog could not check lock state", "server", server.Address())
		return
	}
	if !locked {
		return
	}

	log.Warning("server still locked after max lock time, forcing unlock",
		"server", server.Address(), "backupId", backup.ID)
	if err := server.Fsyncunlock(ctx); err != nil {
		log.Error(err, "fsync lock watchdog failed to unlock", "server", server.Address())
	}
	if err := b.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventFsyncLockMonitor, v1.EventTypeError,
		fmt.Sprintf("server '%s' exceeded the maximum lock time and was force-unlocked",
			server.Address()))); err != nil {
		log.Error(err, "fsync lock watchdog failed to log event", "backupId", backup.ID)
	}
}

// fsyncunlockSource releases the lock, retrying aggressively
func (b *base) fsyncunlockSource(ctx context.Context, backup *v1.Backup, server connector.Server) error {
	if err := b.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventFsyncunlock, v1.EventTypeInfo, "unlocking "+server.Info())); err != nil {
		return err
	}
	err := robustify.Do(ctx, robustify.Options{
		MaxAttempts: unlockMaxAttempts,
		Interval:    unlockRetryInterval,
	}, func() error {
		return server.Fsyncunlock(ctx)
	})
	if err != nil {
		return err
	}
	return b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventFsyncunlockEnd, v1.EventTypeInfo))
}

// suspendIOSource freezes the filesystem under the server and arms the
// resume watchdog
func (b *base) suspendIOSource(ctx context.Context, backup *v1.Backup,
	server connector.Server, cbs source.CloudBlockStorage,
) error {
	if b.cfg.EnsureLocalhost && !b.Assistant.IsConnectorLocalToAssistant(server) {
		return mbserrors.NewConfigurationError(
			"cannot suspend io: server '%s' is not local to the backup host", server.Address())
	}

	if err := b.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventSuspendIO, v1.EventTypeInfo, "suspending io for "+server.Info())); err != nil {
		return err
	}
	if err := b.Assistant.SuspendIO(ctx, backup, server, cbs); err != nil {
		if _, ok := err.(*mbserrors.SuspendIOError); ok {
			return err
		}
		return mbserrors.NewSuspendIOError("failed to suspend io for '"+server.Address()+"'", err)
	}
	if err := b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventSuspendIOEnd, v1.EventTypeInfo)); err != nil {
		return err
	}

	go b.ioSuspendWatchdog(backup, server, cbs)
	return nil
}

// ioSuspendWatchdog unconditionally attempts a resume after maxLockTime.
// There is no probe for "is io suspended": a resume that succeeds means the
// suspension overstayed, a resume that fails means io was already resumed.
func (b *base) ioSuspendWatchdog(backup *v1.Backup, server connector.Server, cbs source.CloudBlockStorage) {
	time.Sleep(maxLockTime)
	ctx := context.Background()

	if err := b.Assistant.ResumeIO(ctx, backup, server, cbs); err != nil {
		return
	}
	log.Warning("io still suspended after max lock time, forced a resume",
		"server", server.Address(), "backupId", backup.ID)
	if err := b.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventIOSuspendMonitor, v1.EventTypeError,
		fmt.Sprintf("io for server '%s' exceeded the maximum suspend time and was force-resumed",
			server.Address()))); err != nil {
		log.Error(err, "io suspend watchdog failed to log event", "backupId", backup.ID)
	}
}

// resumeIOSource unfreezes the filesystem under the server
func (b *base) resumeIOSource(ctx context.Context, backup *v1.Backup,
	server connector.Server, cbs source.CloudBlockStorage,
) error {
	if err := b.Store.UpdateBackup(ctx, backup, persistence.EventWithMessage(
		v1.EventResumeIO, v1.EventTypeInfo, "resuming io for "+server.Info())); err != nil {
		return err
	}
	if err := b.Assistant.ResumeIO(ctx, backup, server, cbs); err != nil {
		if _, ok := err.(*mbserrors.ResumeIOError); ok {
			return err
		}
		return mbserrors.NewResumeIOError("failed to resume io for '"+server.Address()+"'", err)
	}
	return b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventResumeIOEnd, v1.EventTypeInfo))
}

// ensureUnlockedAndResumed undoes any suspend or lock left open by an
// earlier attempt, in resume-then-unlock order
func (b *base) ensureUnlockedAndResumed(ctx context.Context, backup *v1.Backup,
	server connector.Server, cbs source.CloudBlockStorage,
) error {
	if cbs != nil && eventAfter(backup, v1.EventSuspendIO, v1.EventResumeIO) {
		if err := b.resumeIOSource(ctx, backup, server, cbs); err != nil {
			return err
		}
	}
	if eventAfter(backup, v1.EventFsynclock, v1.EventFsyncunlock) {
		if err := b.fsyncunlockSource(ctx, backup, server); err != nil {
			return err
		}
	}
	return nil
}

// eventAfter reports whether the last occurrence of name is more recent
// than the last occurrence of other
func eventAfter(backup *v1.Backup, name, other string) bool {
	entry := backup.LastEventEntry(name)
	if entry == nil {
		return false
	}
	counterpart := backup.LastEventEntry(other)
	if counterpart == nil {
		return true
	}
	return entry.Date.After(counterpart.Date)
}

// stopBalancerIfActive stops the balancer and waits for its current round
// to finish. Returns whether the balancer must be resumed afterwards.
func (b *base) stopBalancerIfActive(ctx context.Context, backup *v1.Backup,
	sharded connector.ShardedCluster,
) (bool, error) {
	active, err := sharded.IsBalancerActive(ctx)
	if err != nil {
		return false, err
	}
	if !active {
		if err := b.Store.UpdateBackup(ctx, backup,
			persistence.Event(v1.EventBalancerAlreadyStopped, v1.EventTypeInfo)); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventStopBalancer, v1.EventTypeInfo)); err != nil {
		return false, err
	}
	if err := sharded.StopBalancer(ctx); err != nil {
		return true, err
	}

	deadline := time.Now().Add(maxBalancerStopWait)
	for {
		active, err := sharded.IsBalancerActive(ctx)
		if err != nil {
			return true, err
		}
		if !active {
			return true, nil
		}
		if time.Now().After(deadline) {
			return true, mbserrors.NewBalancerActiveError(
				"balancer still active after waiting %s", maxBalancerStopWait)
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(balancerStopPollInterval):
		}
	}
}

// resumeBalancerSource restarts the balancer and polls briefly for it to
// report active again
func (b *base) resumeBalancerSource(ctx context.Context, backup *v1.Backup,
	sharded connector.ShardedCluster,
) error {
	if err := b.Store.UpdateBackup(ctx, backup,
		persistence.Event(v1.EventResumeBalancer, v1.EventTypeInfo)); err != nil {
		return err
	}
	if err := sharded.ResumeBalancer(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(balancerResumeWait)
	for time.Now().Before(deadline) {
		active, err := sharded.IsBalancerActive(ctx)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(balancerResumePollInterval):
		}
	}
	log.Warning("balancer did not report active after resume", "backupId", backup.ID)
	return nil
}
