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

package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// fakeEC2 is a scriptable EC2API for snapshot lifecycle tests
type fakeEC2 struct {
	created     []*ec2.CreateSnapshotInput
	deleted     []string
	shared      []*ec2.ModifySnapshotAttributeInput
	describeOut map[string]*ec2types.Snapshot

	createErr   error
	deleteErr   error
	describeErr error
	shareErr    error

	nextSnapshotID int
}

func (f *fakeEC2) CreateSnapshot(_ context.Context, input *ec2.CreateSnapshotInput,
	_ ...func(*ec2.Options),
) (*ec2.CreateSnapshotOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, input)
	f.nextSnapshotID++
	now := time.Now()
	return &ec2.CreateSnapshotOutput{
		SnapshotId: aws.String(fmt.Sprintf("snap-%04d", f.nextSnapshotID)),
		State:      ec2types.SnapshotStatePending,
		StartTime:  &now,
		VolumeSize: aws.Int32(100),
		Progress:   aws.String("0%"),
	}, nil
}

func (f *fakeEC2) DescribeSnapshots(_ context.Context, input *ec2.DescribeSnapshotsInput,
	_ ...func(*ec2.Options),
) (*ec2.DescribeSnapshotsOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := &ec2.DescribeSnapshotsOutput{}
	for _, id := range input.SnapshotIds {
		if snapshot, ok := f.describeOut[id]; ok {
			out.Snapshots = append(out.Snapshots, *snapshot)
		}
	}
	return out, nil
}

func (f *fakeEC2) DeleteSnapshot(_ context.Context, input *ec2.DeleteSnapshotInput,
	_ ...func(*ec2.Options),
) (*ec2.DeleteSnapshotOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(input.SnapshotId))
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeEC2) ModifySnapshotAttribute(_ context.Context, input *ec2.ModifySnapshotAttributeInput,
	_ ...func(*ec2.Options),
) (*ec2.ModifySnapshotAttributeOutput, error) {
	if f.shareErr != nil {
		return nil, f.shareErr
	}
	f.shared = append(f.shared, input)
	return &ec2.ModifySnapshotAttributeOutput{}, nil
}

// reverseEncryptor is a trivial Encryptor for tests
type reverseEncryptor struct{}

func (reverseEncryptor) EncryptString(plain string) (string, error) {
	return "enc:" + plain, nil
}

func (reverseEncryptor) DecryptString(encrypted string) (string, error) {
	if len(encrypted) < 4 || encrypted[:4] != "enc:" {
		return "", errors.New("not an encrypted value")
	}
	return encrypted[4:], nil
}

func newTestEbsStorage(volumeID string, client *fakeEC2) *EbsVolumeStorage {
	storage := NewEbsVolumeStorage(volumeID, "us-east-1", "/data", reverseEncryptor{})
	storage.SetEC2Client(client)
	return storage
}

var _ = Describe("EBS volume storage", func() {
	var (
		ctx     context.Context
		client  *fakeEC2
		storage *EbsVolumeStorage
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &fakeEC2{describeOut: map[string]*ec2types.Snapshot{}}
		storage = newTestEbsStorage("vol-1234", client)
	})

	It("kicks off a snapshot and returns a pending reference", func() {
		ref, err := storage.CreateSnapshot(ctx, "plan-20260824", "nightly backup")
		Expect(err).ToNot(HaveOccurred())

		ebsRef, ok := ref.(*target.SnapshotReference)
		Expect(ok).To(BeTrue())
		Expect(ebsRef.SnapshotID).To(Equal("snap-0001"))
		Expect(ebsRef.VolumeID).To(Equal("vol-1234"))
		Expect(ebsRef.Status).To(Equal(target.SnapshotStatusPending))

		Expect(client.created).To(HaveLen(1))
		Expect(aws.ToString(client.created[0].VolumeId)).To(Equal("vol-1234"))
		Expect(aws.ToString(client.created[0].Description)).To(Equal("nightly backup"))
	})

	It("tags the snapshot with the backup name", func() {
		_, err := storage.CreateSnapshot(ctx, "plan-20260824", "")
		Expect(err).ToNot(HaveOccurred())

		tags := client.created[0].TagSpecifications
		Expect(tags).To(HaveLen(1))
		Expect(aws.ToString(tags[0].Tags[0].Value)).To(Equal("plan-20260824"))
	})

	It("wraps create failures in a block storage error", func() {
		client.createErr = errors.New("RequestLimitExceeded")
		_, err := storage.CreateSnapshot(ctx, "name", "")
		Expect(err).To(HaveOccurred())

		var snapErr *mbserrors.BlockStorageSnapshotError
		Expect(errors.As(err, &snapErr)).To(BeTrue())
	})

	It("reports progress updates for a running snapshot", func() {
		ref, err := storage.CreateSnapshot(ctx, "name", "")
		Expect(err).ToNot(HaveOccurred())

		client.describeOut["snap-0001"] = &ec2types.Snapshot{
			SnapshotId: aws.String("snap-0001"),
			State:      ec2types.SnapshotStateCompleted,
			Progress:   aws.String("100%"),
		}
		updated, err := storage.CheckSnapshotUpdates(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated).ToNot(BeNil())
		Expect(updated.(*target.SnapshotReference).Status).To(Equal(target.SnapshotStatusCompleted))
	})

	It("returns nil when nothing changed since the last poll", func() {
		ref := &target.SnapshotReference{
			Type:       target.EbsSnapshotReferenceType,
			SnapshotID: "snap-0009",
			VolumeID:   "vol-1234",
			Status:     target.SnapshotStatusPending,
			Progress:   "40%",
		}
		client.describeOut["snap-0009"] = &ec2types.Snapshot{
			SnapshotId: aws.String("snap-0009"),
			State:      ec2types.SnapshotStatePending,
			Progress:   aws.String("40%"),
		}
		updated, err := storage.CheckSnapshotUpdates(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated).To(BeNil())
	})

	It("tolerates a snapshot briefly missing from the describe response", func() {
		ref := &target.SnapshotReference{
			Type:       target.EbsSnapshotReferenceType,
			SnapshotID: "snap-gone",
			VolumeID:   "vol-1234",
		}
		updated, err := storage.CheckSnapshotUpdates(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated).To(BeNil())
	})

	It("carries the lock flag across polls", func() {
		ref := &target.SnapshotReference{
			Type:            target.EbsSnapshotReferenceType,
			SnapshotID:      "snap-0009",
			VolumeID:        "vol-1234",
			Status:          target.SnapshotStatusPending,
			SourceWasLocked: true,
		}
		client.describeOut["snap-0009"] = &ec2types.Snapshot{
			SnapshotId: aws.String("snap-0009"),
			State:      ec2types.SnapshotStateCompleted,
			Progress:   aws.String("100%"),
		}
		updated, err := storage.CheckSnapshotUpdates(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.(*target.SnapshotReference).SourceWasLocked).To(BeTrue())
	})

	It("deletes snapshots and reports already-gone ones", func() {
		ref := &target.SnapshotReference{
			Type:       target.EbsSnapshotReferenceType,
			SnapshotID: "snap-0002",
			VolumeID:   "vol-1234",
		}
		deleted, err := storage.DeleteSnapshot(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(deleted).To(BeTrue())
		Expect(client.deleted).To(Equal([]string{"snap-0002"}))

		client.deleteErr = errors.New("InvalidSnapshot.NotFound: snap-0002 does not exist")
		deleted, err = storage.DeleteSnapshot(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(deleted).To(BeFalse())
	})

	It("shares snapshots by granting create volume permission", func() {
		ref := &target.SnapshotReference{
			Type:       target.EbsSnapshotReferenceType,
			SnapshotID: "snap-0003",
			VolumeID:   "vol-1234",
		}
		shared, err := storage.ShareSnapshot(ctx, ref, []string{"123456789012"}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(shared).To(Equal(target.Reference(ref)))

		Expect(client.shared).To(HaveLen(1))
		Expect(client.shared[0].UserIds).To(Equal([]string{"123456789012"}))
		Expect(client.shared[0].Attribute).To(Equal(ec2types.SnapshotAttributeNameCreateVolumePermission))
	})

	It("rejects references of the wrong type", func() {
		_, err := storage.CheckSnapshotUpdates(ctx, &target.FileReference{})
		Expect(err).To(HaveOccurred())
		_, err = storage.DeleteSnapshot(ctx, &target.FileReference{})
		Expect(err).To(HaveOccurred())
	})

	It("stores credentials encrypted", func() {
		fresh := NewEbsVolumeStorage("vol-1", "us-east-1", "/data", reverseEncryptor{})
		Expect(fresh.SetAccessKeys("AKIA123", "secret")).To(Succeed())
		Expect(fresh.EncryptedAccessKey).To(Equal("enc:AKIA123"))
		Expect(fresh.EncryptedSecretKey).To(Equal("enc:secret"))
	})
})

var _ = Describe("LVM storage", func() {
	var (
		ctx     context.Context
		clientA *fakeEC2
		clientB *fakeEC2
		storage *LVMStorage
	)

	BeforeEach(func() {
		ctx = context.Background()
		clientA = &fakeEC2{describeOut: map[string]*ec2types.Snapshot{}}
		clientB = &fakeEC2{describeOut: map[string]*ec2types.Snapshot{}}
		storage = NewLVMStorage("/data",
			newTestEbsStorage("vol-a", clientA),
			newTestEbsStorage("vol-b", clientB))
	})

	It("snapshots every constituent into a composite reference", func() {
		ref, err := storage.CreateSnapshot(ctx, "name", "desc")
		Expect(err).ToNot(HaveOccurred())

		composite, ok := ref.(*target.CompositeSnapshotReference)
		Expect(ok).To(BeTrue())
		Expect(composite.Constituents).To(HaveLen(2))
		Expect(clientA.created).To(HaveLen(1))
		Expect(clientB.created).To(HaveLen(1))
	})

	It("fails the composite when any constituent fails", func() {
		clientB.createErr = errors.New("RequestLimitExceeded")
		_, err := storage.CreateSnapshot(ctx, "name", "desc")
		Expect(err).To(HaveOccurred())
	})

	It("folds constituent updates into a new composite", func() {
		ref, err := storage.CreateSnapshot(ctx, "name", "desc")
		Expect(err).ToNot(HaveOccurred())
		composite := ref.(*target.CompositeSnapshotReference)

		clientA.describeOut[composite.Constituents[0].SnapshotID] = &ec2types.Snapshot{
			SnapshotId: aws.String(composite.Constituents[0].SnapshotID),
			State:      ec2types.SnapshotStateCompleted,
			Progress:   aws.String("100%"),
		}
		clientB.describeOut[composite.Constituents[1].SnapshotID] = &ec2types.Snapshot{
			SnapshotId: aws.String(composite.Constituents[1].SnapshotID),
			State:      ec2types.SnapshotStatePending,
			Progress:   aws.String("0%"),
		}

		updated, err := storage.CheckSnapshotUpdates(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated).ToNot(BeNil())

		newComposite := updated.(*target.CompositeSnapshotReference)
		Expect(newComposite.Constituents[0].Status).To(Equal(target.SnapshotStatusCompleted))
		Expect(newComposite.Constituents[1].Status).To(Equal(target.SnapshotStatusPending))
	})

	It("rejects a composite whose shape no longer matches the storage", func() {
		_, err := storage.CheckSnapshotUpdates(ctx, &target.CompositeSnapshotReference{
			Type:         target.CompositeSnapshotReferenceType,
			Constituents: []*target.SnapshotReference{{}},
		})
		Expect(err).To(HaveOccurred())
	})

	It("deletes every constituent snapshot", func() {
		ref, err := storage.CreateSnapshot(ctx, "name", "desc")
		Expect(err).ToNot(HaveOccurred())

		deleted, err := storage.DeleteSnapshot(ctx, ref)
		Expect(err).ToNot(HaveOccurred())
		Expect(deleted).To(BeTrue())
		Expect(clientA.deleted).To(HaveLen(1))
		Expect(clientB.deleted).To(HaveLen(1))
	})

	It("shares every constituent snapshot", func() {
		ref, err := storage.CreateSnapshot(ctx, "name", "desc")
		Expect(err).ToNot(HaveOccurred())

		_, err = storage.ShareSnapshot(ctx, ref, nil, []string{"all"})
		Expect(err).ToNot(HaveOccurred())
		Expect(clientA.shared).To(HaveLen(1))
		Expect(clientB.shared).To(HaveLen(1))
		Expect(clientA.shared[0].GroupNames).To(Equal([]string{"all"}))
	})
})

var _ = Describe("mongo backup source", func() {
	It("resolves block storage by member address with a wildcard fallback", func() {
		perMember := NewEbsVolumeStorage("vol-member", "us-east-1", "/data", reverseEncryptor{})
		wildcard := NewEbsVolumeStorage("vol-any", "us-east-1", "/data", reverseEncryptor{})
		src := NewMongoSource("mongodb://db1.example.com:27017")
		src.CloudBlockStorage = map[string]*EbsVolumeStorage{
			"db1.example.com:27017": perMember,
			"":                      wildcard,
		}

		Expect(src.BlockStorage("db1.example.com:27017")).To(Equal(CloudBlockStorage(perMember)))
		Expect(src.BlockStorage("db2.example.com:27017")).To(Equal(CloudBlockStorage(wildcard)))
	})

	It("prefers LVM storage over plain EBS for the same address", func() {
		lvm := NewLVMStorage("/data")
		ebs := NewEbsVolumeStorage("vol-1", "us-east-1", "/data", reverseEncryptor{})
		src := NewMongoSource("mongodb://db1.example.com:27017")
		src.LVMBlockStorage = map[string]*LVMStorage{"db1.example.com:27017": lvm}
		src.CloudBlockStorage = map[string]*EbsVolumeStorage{"db1.example.com:27017": ebs}

		Expect(src.BlockStorage("db1.example.com:27017")).To(Equal(CloudBlockStorage(lvm)))
	})

	It("returns nil when no storage is configured", func() {
		src := NewMongoSource("mongodb://db1.example.com:27017")
		Expect(src.BlockStorage("db1.example.com:27017")).To(BeNil())
	})

	It("scopes the backup to the database in the uri", func() {
		src := NewMongoSource("mongodb://db1.example.com:27017/inventory")
		Expect(src.DatabaseName()).To(Equal("inventory"))
		Expect(NewMongoSource("mongodb://db1.example.com:27017").DatabaseName()).To(BeEmpty())
	})

	It("validates the uri without leaking credentials", func() {
		Expect(NewMongoSource("mongodb://db1.example.com:27017").Validate()).To(Succeed())
		Expect(NewMongoSource("").Validate()).To(HaveOccurred())

		err := NewMongoSource("not-a-uri").Validate()
		Expect(err).To(HaveOccurred())
	})
})
