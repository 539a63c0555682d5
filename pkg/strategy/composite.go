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

	"golang.org/x/sync/errgroup"

	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/source"
	"github.com/anthrax3/mongodb-backup-system/pkg/target"
)

// shardSetStorage fans snapshot operations out over the block storages of
// the selected shard secondaries, in shard order. The per-shard snapshots
// together form one composite reference for the whole cluster.
type shardSetStorage struct {
	constituents []source.CloudBlockStorage
}

var _ source.CloudBlockStorage = &shardSetStorage{}
var _ source.SnapshotSharer = &shardSetStorage{}

// MountPoint implements CloudBlockStorage; a shard set has no single mount
func (s *shardSetStorage) MountPoint() string { return "" }

// CreateSnapshot implements CloudBlockStorage: every shard is snapshotted
// concurrently, and the composite fails if any of them does
func (s *shardSetStorage) CreateSnapshot(ctx context.Context, name, description string) (target.Reference, error) {
	refs := make([]*target.SnapshotReference, len(s.constituents))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, constituent := range s.constituents {
		i, constituent := i, constituent
		group.Go(func() error {
			ref, err := constituent.CreateSnapshot(groupCtx, name, description)
			if err != nil {
				return err
			}
			snapshot, ok := ref.(*target.SnapshotReference)
			if !ok {
				return mbserrors.NewBlockStorageSnapshotError(
					"shard storage produced unexpected reference type '%s'", ref.ReferenceType())
			}
			refs[i] = snapshot
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
func (s *shardSetStorage) CheckSnapshotUpdates(ctx context.Context, ref target.Reference) (target.Reference, error) {
	composite, err := s.compositeRef(ref)
	if err != nil {
		return nil, err
	}

	hasChanges := false
	newRefs := make([]*target.SnapshotReference, len(composite.Constituents))
	for i, constituentRef := range composite.Constituents {
		newRef, err := s.constituents[i].CheckSnapshotUpdates(ctx, constituentRef)
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
func (s *shardSetStorage) DeleteSnapshot(ctx context.Context, ref target.Reference) (bool, error) {
	composite, err := s.compositeRef(ref)
	if err != nil {
		return false, err
	}
	deletedAny := false
	for i, constituentRef := range composite.Constituents {
		deleted, err := s.constituents[i].DeleteSnapshot(ctx, constituentRef)
		if err != nil {
			return deletedAny, err
		}
		deletedAny = deletedAny || deleted
	}
	return deletedAny, nil
}

// ShareSnapshot implements SnapshotSharer: every constituent whose storage
// supports sharing gets shared
func (s *shardSetStorage) ShareSnapshot(ctx context.Context, ref target.Reference,
	userIDs, groupNames []string,
) (target.Reference, error) {
	composite, err := s.compositeRef(ref)
	if err != nil {
		return nil, err
	}
	for i, constituentRef := range composite.Constituents {
		sharer, ok := s.constituents[i].(source.SnapshotSharer)
		if !ok {
			return nil, mbserrors.NewBlockStorageSnapshotError(
				"shard storage for snapshot '%s' does not support sharing", constituentRef.SnapshotID)
		}
		if _, err := sharer.ShareSnapshot(ctx, constituentRef, userIDs, groupNames); err != nil {
			return nil, err
		}
	}
	return composite, nil
}

// SuspendIO and ResumeIO are driven per shard secondary by the quiescence
// protocol, never through the composite
func (s *shardSetStorage) SuspendIO(context.Context) error {
	return mbserrors.NewSuspendIOError("shard set storage cannot suspend io as a whole", nil)
}

// ResumeIO implements CloudBlockStorage
func (s *shardSetStorage) ResumeIO(context.Context) error {
	return mbserrors.NewResumeIOError("shard set storage cannot resume io as a whole", nil)
}

func (s *shardSetStorage) compositeRef(ref target.Reference) (*target.CompositeSnapshotReference, error) {
	composite, ok := ref.(*target.CompositeSnapshotReference)
	if !ok {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"unexpected reference type '%s' for a shard set", ref.ReferenceType())
	}
	if len(composite.Constituents) != len(s.constituents) {
		return nil, mbserrors.NewBlockStorageSnapshotError(
			"composite reference has %d constituents, shard set has %d",
			len(composite.Constituents), len(s.constituents))
	}
	return composite, nil
}
