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

package target

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.mongodb.org/mongo-driver/bson"
)

var _ = Describe("stored references", func() {
	It("round-trips a file reference through bson", func() {
		stored := NewStoredReference(NewFileReference("backup.tgz", 2048, "bucket-a"))

		data, err := bson.Marshal(stored)
		Expect(err).ToNot(HaveOccurred())

		loaded := &StoredReference{}
		Expect(bson.Unmarshal(data, loaded)).To(Succeed())

		file := loaded.File()
		Expect(file).ToNot(BeNil())
		Expect(file.FileName).To(Equal("backup.tgz"))
		Expect(file.FileSize).To(Equal(int64(2048)))
		Expect(file.ContainerName).To(Equal("bucket-a"))
		Expect(loaded.Snapshot()).To(BeNil())
		Expect(loaded.SnapshotStatus()).To(BeEmpty())
	})

	It("round-trips a snapshot reference through bson", func() {
		stored := NewStoredReference(&SnapshotReference{
			Type:            EbsSnapshotReferenceType,
			SnapshotID:      "snap-0001",
			VolumeID:        "vol-1234",
			Status:          SnapshotStatusPending,
			Progress:        "43%",
			SourceWasLocked: true,
		})

		data, err := bson.Marshal(stored)
		Expect(err).ToNot(HaveOccurred())

		loaded := &StoredReference{}
		Expect(bson.Unmarshal(data, loaded)).To(Succeed())

		snapshot := loaded.Snapshot()
		Expect(snapshot).ToNot(BeNil())
		Expect(snapshot.SnapshotID).To(Equal("snap-0001"))
		Expect(snapshot.SourceWasLocked).To(BeTrue())
		Expect(loaded.SnapshotStatus()).To(Equal(SnapshotStatusPending))
		Expect(loaded.File()).To(BeNil())
	})

	It("round-trips a composite reference through bson", func() {
		stored := NewStoredReference(&CompositeSnapshotReference{
			Type: CompositeSnapshotReferenceType,
			Constituents: []*SnapshotReference{
				{Type: EbsSnapshotReferenceType, SnapshotID: "snap-0001", Status: SnapshotStatusCompleted},
				{Type: EbsSnapshotReferenceType, SnapshotID: "snap-0002", Status: SnapshotStatusCompleted},
			},
		})

		data, err := bson.Marshal(stored)
		Expect(err).ToNot(HaveOccurred())

		loaded := &StoredReference{}
		Expect(bson.Unmarshal(data, loaded)).To(Succeed())

		composite := loaded.Composite()
		Expect(composite).ToNot(BeNil())
		Expect(composite.Constituents).To(HaveLen(2))
		Expect(loaded.SnapshotStatus()).To(Equal(SnapshotStatusCompleted))
	})

	It("refuses a document without a discriminator", func() {
		data, err := bson.Marshal(bson.M{"fileName": "x"})
		Expect(err).ToNot(HaveOccurred())
		Expect((&StoredReference{}).UnmarshalBSON(data)).To(HaveOccurred())
	})

	It("is nil-safe", func() {
		var stored *StoredReference
		Expect(stored.Ref()).To(BeNil())
		Expect(stored.File()).To(BeNil())
		Expect(stored.Snapshot()).To(BeNil())
		Expect(NewStoredReference(nil)).To(BeNil())
	})
})

var _ = Describe("composite status folding", func() {
	composite := func(statuses ...SnapshotStatus) *CompositeSnapshotReference {
		ref := &CompositeSnapshotReference{Type: CompositeSnapshotReferenceType}
		for i, s := range statuses {
			ref.Constituents = append(ref.Constituents, &SnapshotReference{
				SnapshotID: "snap-000" + string(rune('1'+i)),
				Status:     s,
			})
		}
		return ref
	}

	It("completes only when every constituent completed", func() {
		Expect(composite(SnapshotStatusCompleted, SnapshotStatusCompleted).Status()).
			To(Equal(SnapshotStatusCompleted))
	})

	It("stays pending while any constituent is pending", func() {
		Expect(composite(SnapshotStatusCompleted, SnapshotStatusPending).Status()).
			To(Equal(SnapshotStatusPending))
	})

	It("fails as soon as one constituent failed", func() {
		Expect(composite(SnapshotStatusPending, SnapshotStatusError).Status()).
			To(Equal(SnapshotStatusError))
	})
})

var _ = Describe("snapshot diffs", func() {
	It("reports status and progress changes", func() {
		before := &SnapshotReference{Status: SnapshotStatusPending, Progress: "10%"}
		after := &SnapshotReference{Status: SnapshotStatusCompleted, Progress: "100%"}
		Expect(before.Diff(after)).To(Equal("status: pending -> completed, progress: 10% -> 100%"))
	})

	It("is empty when nothing changed", func() {
		ref := &SnapshotReference{Status: SnapshotStatusPending, Progress: "10%"}
		Expect(ref.Diff(&SnapshotReference{Status: SnapshotStatusPending, Progress: "10%"})).To(BeEmpty())
	})
})
