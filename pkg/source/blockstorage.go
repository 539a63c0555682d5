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
	"os/exec"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"

	"github.com/anthrax3/mongodb-backup-system/pkg/execlog"
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// CloudBlockStorage abstracts the volume snapshot operations a snapshot
// backup needs
type CloudBlockStorage interface {
	// CreateSnapshot kicks off a snapshot and returns its reference without
	// waiting for completion
	CreateSnapshot(ctx context.Context, name, description string) (target.Reference, error)
	// DeleteSnapshot removes the referenced snapshot; returns false when the
	// snapshot was already gone
	DeleteSnapshot(ctx context.Context, ref target.Reference) (bool, error)
	// CheckSnapshotUpdates re-reads the snapshot state and returns a fresh
	// reference, or nil when nothing changed
	CheckSnapshotUpdates(ctx context.Context, ref target.Reference) (target.Reference, error)
	// SuspendIO freezes writes to the underlying filesystem
	SuspendIO(ctx context.Context) error
	// ResumeIO unfreezes the underlying filesystem
	ResumeIO(ctx context.Context) error
	// MountPoint returns the filesystem mount point of the volume
	MountPoint() string
}

// SnapshotSharer is implemented by storages whose snapshots can be shared
// with other cloud accounts
type SnapshotSharer interface {
	ShareSnapshot(ctx context.Context, ref target.Reference, userIDs, groupNames []string) (target.Reference, error)
}

// EC2API is the slice of the EC2 client the EBS storage uses
type EC2API interface {
	CreateSnapshot(ctx context.Context, input *ec2.CreateSnapshotInput,
		optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, input *ec2.DescribeSnapshotsInput,
		optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DeleteSnapshot(ctx context.Context, input *ec2.DeleteSnapshotInput,
		optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	ModifySnapshotAttribute(ctx context.Context, input *ec2.ModifySnapshotAttributeInput,
		optFns ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error)
}

// EbsVolumeStorage snapshots a single EBS volume. Credentials are stored
// encrypted and decrypted on demand through the configured Encryptor.
type EbsVolumeStorage struct {
	Type               string `bson:"_type"`
	VolumeID           string `bson:"volumeId"`
	Region             string `bson:"region"`
	Mount              string `bson:"mountPoint"`
	EncryptedAccessKey string `bson:"encryptedAccessKey,omitempty"`
	EncryptedSecretKey string `bson:"encryptedSecretKey,omitempty"`

	encryptor Encryptor
	client    EC2API
}

// NewEbsVolumeStorage builds an EBS storage descriptor
func NewEbsVolumeStorage(volumeID, region, mountPoint string, encryptor Encryptor) *EbsVolumeStorage {
	return &EbsVolumeStorage{
		Type:      "EbsVolumeStorage",
		VolumeID:  volumeID,
		Region:    region,
		Mount:     mountPoint,
		encryptor: encryptor,
	}
}

// SetEncryptor attaches the credential encryptor after a descriptor is
// loaded from persistence
func (s *EbsVolumeStorage) SetEncryptor(encryptor Encryptor) { s.encryptor = encryptor }

// SetEC2Client overrides the lazily built EC2 client
func (s *EbsVolumeStorage) SetEC2Client(client EC2API) { s.client = client }

// SetAccessKeys encrypts and stores the AWS credentials
func (s *EbsVolumeStorage) SetAccessKeys(accessKey, secretKey string) error {
	encryptedAccess, err := s.encryptor.EncryptString(accessKey)
	if err != nil {
		return mbserrors.NewConfigurationError("failed to encrypt access key: %v", err)
	}
	encryptedSecret, err := s.encryptor.EncryptString(secretKey)
	if err != nil {
		return mbserrors.NewConfigurationError("failed to encrypt secret key: %v", err)
	}
	s.EncryptedAccessKey = encryptedAccess
	s.EncryptedSecretKey = encryptedSecret
	return nil
}

// MountPoint implements CloudBlockStorage
func (s *EbsVolumeStorage) MountPoint() string { return s.Mount }

func (s *EbsVolumeStorage) ec2Client() (EC2API, error) {
	if s.client != nil {
		return s.client, nil
	}
	if s.Region == "" {
		return nil, mbserrors.NewConfigurationError("missing region in block storage for volume '%s'", s.VolumeID)
	}
	accessKey, err := s.encryptor.DecryptString(s.EncryptedAccessKey)
	if err != nil {
		return nil, mbserrors.NewConfigurationError("failed to decrypt access key: %v", err)
	}
	secretKey, err := s.encryptor.DecryptString(s.EncryptedSecretKey)
	if err != nil {
		return nil, mbserrors.NewConfigurationError("failed to decrypt secret key: %v", err)
	}
	s.client = ec2.NewFromConfig(aws.Config{
		Region:      s.Region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	})
	return s.client, nil
}

func newEbsSnapshotReference(s *ec2types.Snapshot, volumeID string) *target.SnapshotReference {
	ref := &target.SnapshotReference{
		Type:       target.EbsSnapshotReferenceType,
		SnapshotID: aws.ToString(s.SnapshotId),
		VolumeID:   volumeID,
		Status:     target.SnapshotStatus(s.State),
		Progress:   aws.ToString(s.Progress),
	}
	if s.StartTime != nil {
		ref.StartTime = *s.StartTime
	}
	if s.VolumeSize != nil {
		ref.VolumeSize = int64(*s.VolumeSize)
	}
	return ref
}

// CreateSnapshot implements CloudBlockStorage
func (s *EbsVolumeStorage) CreateSnapshot(ctx context.Context, name, description string) (target.Reference, error) {
	client, err := s.ec2Client()
	if err != nil {
		return nil, err
	}

	log.Info("creating EBS snapshot", "volume", s.VolumeID)
	out, err := client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(s.VolumeID),
		Description: aws.String(description),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSnapshot,
			Tags: []ec2types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(name),
			}},
		}},
	})
	if err != nil {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"failed to create snapshot for volume '%s': %v", s.VolumeID, err)
	}

	log.Info("snapshot kicked off successfully", "volume", s.VolumeID,
		"snapshotId", aws.ToString(out.SnapshotId))
	snapshot := ec2types.Snapshot{
		SnapshotId: out.SnapshotId,
		State:      out.State,
		StartTime:  out.StartTime,
		VolumeSize: out.VolumeSize,
		Progress:   out.Progress,
	}
	return newEbsSnapshotReference(&snapshot, s.VolumeID), nil
}

func (s *EbsVolumeStorage) describeSnapshot(ctx context.Context, snapshotID string) (*ec2types.Snapshot, error) {
	client, err := s.ec2Client()
	if err != nil {
		return nil, err
	}
	out, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
		Filters: []ec2types.Filter{{
			Name:   aws.String("volume-id"),
			Values: []string{s.VolumeID},
		}},
	})
	if err != nil {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"failed to describe snapshot '%s': %v", snapshotID, err)
	}
	if len(out.Snapshots) == 0 {
		return nil, nil
	}
	return &out.Snapshots[0], nil
}

// CheckSnapshotUpdates implements CloudBlockStorage
func (s *EbsVolumeStorage) CheckSnapshotUpdates(ctx context.Context, ref target.Reference) (target.Reference, error) {
	ebsRef, ok := ref.(*target.SnapshotReference)
	if !ok {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for EBS storage", ref.ReferenceType())
	}
	snapshot, err := s.describeSnapshot(ctx, ebsRef.SnapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		// the API occasionally returns nothing for an existing snapshot,
		// treat it as no update rather than failing the poll
		return nil, nil
	}
	newRef := newEbsSnapshotReference(snapshot, s.VolumeID)
	newRef.SourceWasLocked = ebsRef.SourceWasLocked
	if *newRef == *ebsRef {
		return nil, nil
	}
	return newRef, nil
}

// DeleteSnapshot implements CloudBlockStorage
func (s *EbsVolumeStorage) DeleteSnapshot(ctx context.Context, ref target.Reference) (bool, error) {
	ebsRef, ok := ref.(*target.SnapshotReference)
	if !ok {
		return false, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for EBS storage", ref.ReferenceType())
	}
	client, err := s.ec2Client()
	if err != nil {
		return false, err
	}

	log.Info("deleting snapshot", "snapshotId", ebsRef.SnapshotID)
	_, err = client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
		SnapshotId: aws.String(ebsRef.SnapshotID),
	})
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			log.Warning("snapshot does not exist", "snapshotId", ebsRef.SnapshotID)
			return false, nil
		}
		return false, mbserrors.NewBlockStorageSnapshotError(
			"error while deleting snapshot '%s': %v", ebsRef.SnapshotID, err)
	}
	log.Info("snapshot deleted successfully", "snapshotId", ebsRef.SnapshotID)
	return true, nil
}

// ShareSnapshot implements SnapshotSharer by granting createVolumePermission
func (s *EbsVolumeStorage) ShareSnapshot(ctx context.Context, ref target.Reference,
	userIDs, groupNames []string,
) (target.Reference, error) {
	ebsRef, ok := ref.(*target.SnapshotReference)
	if !ok {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for EBS storage", ref.ReferenceType())
	}
	client, err := s.ec2Client()
	if err != nil {
		return nil, err
	}

	input := &ec2.ModifySnapshotAttributeInput{
		SnapshotId:    aws.String(ebsRef.SnapshotID),
		Attribute:     ec2types.SnapshotAttributeNameCreateVolumePermission,
		OperationType: ec2types.OperationTypeAdd,
	}
	if len(userIDs) > 0 {
		input.UserIds = userIDs
	}
	if len(groupNames) > 0 {
		input.GroupNames = groupNames
	}
	if _, err := client.ModifySnapshotAttribute(ctx, input); err != nil {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"failed to share snapshot '%s': %v", ebsRef.SnapshotID, err)
	}
	log.Info("snapshot shared", "snapshotId", ebsRef.SnapshotID,
		"users", userIDs, "groups", groupNames)
	return ebsRef, nil
}

// SuspendIO implements CloudBlockStorage using fsfreeze
func (s *EbsVolumeStorage) SuspendIO(ctx context.Context) error {
	log.Info("suspending io using fsfreeze", "volume", s.VolumeID, "mountPoint", s.Mount)
	if err := runFreezeTool(ctx, "fsfreeze", "--freeze", s.Mount); err != nil {
		return mbserrors.NewSuspendIOError("fsfreeze failed for mount point '"+s.Mount+"'", err)
	}
	return nil
}

// ResumeIO implements CloudBlockStorage
func (s *EbsVolumeStorage) ResumeIO(ctx context.Context) error {
	log.Info("resuming io using fsfreeze", "volume", s.VolumeID, "mountPoint", s.Mount)
	if err := runFreezeTool(ctx, "fsfreeze", "--unfreeze", s.Mount); err != nil {
		return mbserrors.NewResumeIOError("fsfreeze unfreeze failed for mount point '"+s.Mount+"'", err)
	}
	return nil
}

func runFreezeTool(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	logger := log.WithName(tool)
	stdout := &execlog.LogWriter{Logger: logger.WithValues(execlog.PipeKey, execlog.StdOut)}
	stderr := &execlog.LogWriter{Logger: logger.WithValues(execlog.PipeKey, execlog.StdErr)}
	_, err := execlog.RunStreaming(cmd, tool, stdout, stderr)
	return err
}

// LVMStorage snapshots a logical volume spanning several block-storage
// constituents. The constituent snapshots together form one composite
// reference.
type LVMStorage struct {
	Type         string              `bson:"_type"`
	Mount        string              `bson:"mountPoint"`
	Constituents []*EbsVolumeStorage `bson:"constituents"`
}

// NewLVMStorage builds an LVM storage descriptor
func NewLVMStorage(mountPoint string, constituents ...*EbsVolumeStorage) *LVMStorage {
	return &LVMStorage{Type: "LVMStorage", Mount: mountPoint, Constituents: constituents}
}

// MountPoint implements CloudBlockStorage
func (s *LVMStorage) MountPoint() string { return s.Mount }

// CreateSnapshot implements CloudBlockStorage: all constituents are
// snapshotted concurrently and the composite fails if any of them does
func (s *LVMStorage) CreateSnapshot(ctx context.Context, name, description string) (target.Reference, error) {
	log.Info("creating composite snapshot", "mountPoint", s.Mount,
		"constituents", len(s.Constituents))

	refs := make([]*target.SnapshotReference, len(s.Constituents))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, constituent := range s.Constituents {
		i, constituent := i, constituent
		group.Go(func() error {
			ref, err := constituent.CreateSnapshot(groupCtx, name, description)
			if err != nil {
				return err
			}
			refs[i] = ref.(*target.SnapshotReference)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return &target.CompositeSnapshotReference{
		Type:         target.CompositeSnapshotReferenceType,
		Constituents: refs,
	}, nil
}

// CheckSnapshotUpdates implements CloudBlockStorage
func (s *LVMStorage) CheckSnapshotUpdates(ctx context.Context, ref target.Reference) (target.Reference, error) {
	composite, ok := ref.(*target.CompositeSnapshotReference)
	if !ok {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for LVM storage", ref.ReferenceType())
	}
	if len(composite.Constituents) != len(s.Constituents) {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"composite reference has %d constituents, storage has %d",
			len(composite.Constituents), len(s.Constituents))
	}

	hasChanges := false
	newRefs := make([]*target.SnapshotReference, len(composite.Constituents))
	for i, constituentRef := range composite.Constituents {
		newRef, err := s.Constituents[i].CheckSnapshotUpdates(ctx, constituentRef)
		if err != nil {
			return nil, err
		}
		if newRef != nil {
			hasChanges = true
			newRefs[i] = newRef.(*target.SnapshotReference)
		} else {
			newRefs[i] = constituentRef
		}
	}
	if !hasChanges {
		return nil, nil
	}
	return &target.CompositeSnapshotReference{
		Type:            target.CompositeSnapshotReferenceType,
		Constituents:    newRefs,
		SourceWasLocked: composite.SourceWasLocked,
	}, nil
}

// DeleteSnapshot implements CloudBlockStorage
func (s *LVMStorage) DeleteSnapshot(ctx context.Context, ref target.Reference) (bool, error) {
	composite, ok := ref.(*target.CompositeSnapshotReference)
	if !ok {
		return false, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for LVM storage", ref.ReferenceType())
	}
	deletedAny := false
	for i, constituentRef := range composite.Constituents {
		if i >= len(s.Constituents) {
			break
		}
		deleted, err := s.Constituents[i].DeleteSnapshot(ctx, constituentRef)
		if err != nil {
			return deletedAny, err
		}
		deletedAny = deletedAny || deleted
	}
	return deletedAny, nil
}

// ShareSnapshot implements SnapshotSharer: every constituent snapshot gets
// shared
func (s *LVMStorage) ShareSnapshot(ctx context.Context, ref target.Reference,
	userIDs, groupNames []string,
) (target.Reference, error) {
	composite, ok := ref.(*target.CompositeSnapshotReference)
	if !ok {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for LVM storage", ref.ReferenceType())
	}
	for i, constituentRef := range composite.Constituents {
		if i >= len(s.Constituents) {
			break
		}
		if _, err := s.Constituents[i].ShareSnapshot(ctx, constituentRef, userIDs, groupNames); err != nil {
			return nil, err
		}
	}
	return composite, nil
}

// SuspendIO implements CloudBlockStorage using dmsetup
func (s *LVMStorage) SuspendIO(ctx context.Context) error {
	log.Info("suspending io using dmsetup", "mountPoint", s.Mount)
	if err := runFreezeTool(ctx, "dmsetup", "suspend", s.Mount); err != nil {
		return mbserrors.NewSuspendIOError("dmsetup suspend failed for '"+s.Mount+"'", err)
	}
	return nil
}

// ResumeIO implements CloudBlockStorage
func (s *LVMStorage) ResumeIO(ctx context.Context) error {
	log.Info("resuming io using dmsetup", "mountPoint", s.Mount)
	if err := runFreezeTool(ctx, "dmsetup", "resume", s.Mount); err != nil {
		return mbserrors.NewResumeIOError("dmsetup resume failed for '"+s.Mount+"'", err)
	}
	return nil
}
