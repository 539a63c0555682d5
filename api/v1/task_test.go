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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
)

var _ = Describe("task event log", func() {
	It("appends entries in order", func() {
		task := &Task{}
		task.AppendEvent(EventStartExtract, EventTypeInfo, "", "", "")
		task.AppendEvent(EventEndExtract, EventTypeInfo, "", "", "")

		Expect(task.Logs).To(HaveLen(2))
		Expect(task.Logs[0].Name).To(Equal(EventStartExtract))
		Expect(task.Logs[1].Name).To(Equal(EventEndExtract))
		Expect(task.Logs[0].Date).ToNot(BeZero())
	})

	It("answers membership queries", func() {
		task := &Task{}
		Expect(task.IsEventLogged(EventEndExtract)).To(BeFalse())
		task.AppendEvent(EventEndExtract, EventTypeInfo, "", "", "")
		Expect(task.IsEventLogged(EventEndExtract)).To(BeTrue())
	})

	It("returns the most recent entry per name", func() {
		task := &Task{}
		task.AppendEvent(EventFsynclock, EventTypeInfo, "first", "", "")
		task.AppendEvent(EventFsynclock, EventTypeInfo, "second", "", "")

		entry := task.LastEventEntry(EventFsynclock)
		Expect(entry).ToNot(BeNil())
		Expect(entry.Message).To(Equal("second"))
		Expect(task.LastEventEntry(EventFsyncunlock)).To(BeNil())
	})

	It("rebuilds its index after a load", func() {
		// a task loaded from the store has Logs populated but no index yet
		task := &Task{Logs: []*EventEntry{
			{Name: EventStartUpload, Type: EventTypeInfo},
			{Name: EventEndUpload, Type: EventTypeInfo},
		}}
		Expect(task.IsEventLogged(EventEndUpload)).To(BeTrue())
	})

	It("collects warnings in log order", func() {
		task := &Task{}
		task.AppendEvent(EventUsingPrimaryWarning, EventTypeWarning, "", "", "")
		task.AppendEvent(EventEndUpload, EventTypeInfo, "", "", "")
		task.AppendEvent(EventNotLocked, EventTypeWarning, "", "", "")

		warnings := task.Warnings()
		Expect(warnings).To(HaveLen(2))
		Expect(warnings[0].Name).To(Equal(EventUsingPrimaryWarning))
		Expect(warnings[1].Name).To(Equal(EventNotLocked))
	})
})

var _ = Describe("backup tasks", func() {
	It("carries a fresh id and the backup discriminator", func() {
		backup := NewBackup(nil, nil, &StrategyConfig{Type: DumpStrategyType})
		Expect(backup.ID).ToNot(BeEmpty())
		Expect(backup.TypeName).To(Equal(BackupTaskType))
	})

	It("resolves the selected member from the recorded stats", func() {
		backup := NewBackup(nil, nil, nil)
		Expect(backup.SelectedSourceAddress()).To(BeEmpty())

		backup.SourceStats = &connector.Stats{Host: "db1.example.com:27017"}
		Expect(backup.SelectedSourceAddress()).To(Equal("db1.example.com:27017"))

		backup.SourceStats.Repl = &connector.ReplStats{Me: "db2.example.com:27017"}
		Expect(backup.SelectedSourceAddress()).To(Equal("db2.example.com:27017"))
	})
})
