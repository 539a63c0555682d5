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
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// StoredReference wraps the closed set of reference variants so the
// polymorphic targetReference field of a task document can round-trip
// through bson. The "_type" discriminator picks the variant on load.
type StoredReference struct {
	ref Reference
}

// NewStoredReference wraps a reference for persistence
func NewStoredReference(ref Reference) *StoredReference {
	if ref == nil {
		return nil
	}
	return &StoredReference{ref: ref}
}

// Ref returns the wrapped reference
func (s *StoredReference) Ref() Reference {
	if s == nil {
		return nil
	}
	return s.ref
}

// File returns the wrapped FileReference, nil for snapshot variants
func (s *StoredReference) File() *FileReference {
	if s == nil {
		return nil
	}
	file, _ := s.ref.(*FileReference)
	return file
}

// Snapshot returns the wrapped single-volume snapshot reference
func (s *StoredReference) Snapshot() *SnapshotReference {
	if s == nil {
		return nil
	}
	snapshot, _ := s.ref.(*SnapshotReference)
	return snapshot
}

// Composite returns the wrapped composite snapshot reference
func (s *StoredReference) Composite() *CompositeSnapshotReference {
	if s == nil {
		return nil
	}
	composite, _ := s.ref.(*CompositeSnapshotReference)
	return composite
}

// SnapshotStatus returns the snapshot status of the wrapped reference, empty
// for file references
func (s *StoredReference) SnapshotStatus() SnapshotStatus {
	switch ref := s.Ref().(type) {
	case *SnapshotReference:
		return ref.Status
	case *CompositeSnapshotReference:
		return ref.Status()
	default:
		return ""
	}
}

// MarshalBSON implements bson.Marshaler
func (s *StoredReference) MarshalBSON() ([]byte, error) {
	return bson.Marshal(s.ref)
}

// UnmarshalBSON implements bson.Unmarshaler, dispatching on "_type"
func (s *StoredReference) UnmarshalBSON(data []byte) error {
	typeName, ok := bson.Raw(data).Lookup("_type").StringValueOK()
	if !ok {
		return fmt.Errorf("stored reference has no _type discriminator")
	}
	switch typeName {
	case FileReferenceType:
		ref := &FileReference{}
		if err := bson.Unmarshal(data, ref); err != nil {
			return err
		}
		s.ref = ref
	case EbsSnapshotReferenceType:
		ref := &SnapshotReference{}
		if err := bson.Unmarshal(data, ref); err != nil {
			return err
		}
		s.ref = ref
	case CompositeSnapshotReferenceType:
		ref := &CompositeSnapshotReference{}
		if err := bson.Unmarshal(data, ref); err != nil {
			return err
		}
		s.ref = ref
	default:
		return fmt.Errorf("unknown reference type '%s'", typeName)
	}
	return nil
}
