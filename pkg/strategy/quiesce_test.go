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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
)

var _ = Describe("source quiescence", func() {
	var (
		ctx    context.Context
		store  *fakeStore
		helper *fakeAssistant
		server *fakeServer
		backup *v1.Backup
		b      *base
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newFakeStore()
		helper = &fakeAssistant{}
		server = &fakeServer{
			uri:     "mongodb://db1.example.com:27017",
			address: "db1.example.com:27017",
			online:  true,
		}
		cfg := &v1.StrategyConfig{Type: v1.SnapshotStrategyType}
		backup = v1.NewBackup(nil, nil, cfg)
		b = &base{MbsContext: newTestContext(store, helper), cfg: cfg}

		maxLockTime = 5 * time.Millisecond
	})

	AfterEach(func() {
		maxLockTime = 60 * time.Second
	})

	Describe("fsync lock watchdog", func() {
		It("force-unlocks a server that outlives the maximum lock time", func() {
			Expect(b.fsynclockSource(ctx, backup, server)).To(Succeed())

			Eventually(server.lockOpList).Should(Equal([]string{"lock", "unlock"}))
			Eventually(store.backupEventNames).Should(ContainElement(v1.EventFsyncLockMonitor))

			update := store.backupUpdateByEvent(v1.EventFsyncLockMonitor)
			Expect(update.EventType).To(Equal(v1.EventTypeError))
		})

		It("leaves a server alone when the lock was released in time", func() {
			maxLockTime = time.Second

			Expect(b.fsynclockSource(ctx, backup, server)).To(Succeed())
			Expect(b.fsyncunlockSource(ctx, backup, server)).To(Succeed())

			Consistently(server.lockOpList).Should(Equal([]string{"lock", "unlock"}))
			Expect(store.backupEventNames()).ToNot(ContainElement(v1.EventFsyncLockMonitor))
		})
	})

	Describe("io suspend watchdog", func() {
		It("force-resumes io that outlives the maximum suspend time", func() {
			cbs := &fakeCBS{}
			Expect(b.suspendIOSource(ctx, backup, server, cbs)).To(Succeed())

			Eventually(cbs.callList).Should(Equal([]string{"suspend", "resume"}))
			Eventually(store.backupEventNames).Should(ContainElement(v1.EventIOSuspendMonitor))

			update := store.backupUpdateByEvent(v1.EventIOSuspendMonitor)
			Expect(update.EventType).To(Equal(v1.EventTypeError))
		})

		It("stays silent when io was already resumed", func() {
			cbs := &fakeCBS{resumeErr: errors.New("filesystem is not frozen")}
			Expect(b.suspendIOSource(ctx, backup, server, cbs)).To(Succeed())

			Consistently(store.backupEventNames).ShouldNot(ContainElement(v1.EventIOSuspendMonitor))
		})
	})

	Describe("unlock reconciliation", func() {
		entry := func(name string, offset time.Duration) *v1.EventEntry {
			return &v1.EventEntry{
				Name: name,
				Type: v1.EventTypeInfo,
				Date: time.Now().Add(offset),
			}
		}

		It("resumes io before unlocking when a previous attempt left both open", func() {
			backup.Logs = []*v1.EventEntry{
				entry(v1.EventFsynclock, -2*time.Second),
				entry(v1.EventSuspendIO, -time.Second),
			}
			cbs := &fakeCBS{}

			Expect(b.ensureUnlockedAndResumed(ctx, backup, server, cbs)).To(Succeed())
			Expect(cbs.callList()).To(Equal([]string{"resume"}))
			Expect(server.lockOpList()).To(Equal([]string{"unlock"}))
			Expect(store.backupEventNames()).To(Equal([]string{
				v1.EventResumeIO,
				v1.EventResumeIOEnd,
				v1.EventFsyncunlock,
				v1.EventFsyncunlockEnd,
			}))
		})

		It("does nothing when lock and suspension were already released", func() {
			backup.Logs = []*v1.EventEntry{
				entry(v1.EventFsynclock, -4*time.Second),
				entry(v1.EventSuspendIO, -3*time.Second),
				entry(v1.EventResumeIO, -2*time.Second),
				entry(v1.EventFsyncunlock, -time.Second),
			}
			cbs := &fakeCBS{}

			Expect(b.ensureUnlockedAndResumed(ctx, backup, server, cbs)).To(Succeed())
			Expect(cbs.callList()).To(BeEmpty())
			Expect(server.lockOpList()).To(BeEmpty())
		})

		It("unlocks again when the source was relocked after an earlier release", func() {
			backup.Logs = []*v1.EventEntry{
				entry(v1.EventFsynclock, -3*time.Second),
				entry(v1.EventFsyncunlock, -2*time.Second),
				entry(v1.EventFsynclock, -time.Second),
			}

			Expect(b.ensureUnlockedAndResumed(ctx, backup, server, nil)).To(Succeed())
			Expect(server.lockOpList()).To(Equal([]string{"unlock"}))
		})

		It("skips the resume when the source has no block storage", func() {
			backup.Logs = []*v1.EventEntry{
				entry(v1.EventSuspendIO, -time.Second),
			}

			Expect(b.ensureUnlockedAndResumed(ctx, backup, server, nil)).To(Succeed())
			Expect(store.backupEventNames()).ToNot(ContainElement(v1.EventResumeIO))
		})
	})
})
