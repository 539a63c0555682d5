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

// Package target models where backup artifacts end up: object-storage file
// uploads for dump backups and block-storage snapshot references for
// snapshot backups. References are persisted on the task document, so every
// type here carries bson tags and a "_type" discriminator.
package target

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// reference discriminators, stored as the "_type" field
const (
	FileReferenceType              = "FileReference"
	EbsSnapshotReferenceType       = "EbsSnapshotReference"
	CompositeSnapshotReferenceType = "CompositeBlockStorageSnapshotReference"
)

// SnapshotStatus is the lifecycle state of a block-storage snapshot
type SnapshotStatus string

const (
	SnapshotStatusPending   SnapshotStatus = "pending"
	SnapshotStatusCompleted SnapshotStatus = "completed"
	SnapshotStatusError     SnapshotStatus = "error"
)

// Reference is anything that can be stored as a task's targetReference
type Reference interface {
	ReferenceType() string
}

// FileReference points at an uploaded artifact in a storage container
type FileReference struct {
	Type          string `bson:"_type"`
	FileName      string `bson:"fileName"`
	FileSize      int64  `bson:"fileSize"`
	ContainerName string `bson:"containerName,omitempty"`
}

// NewFileReference builds a reference to an uploaded file
func NewFileReference(fileName string, fileSize int64, containerName string) *FileReference {
	return &FileReference{
		Type:          FileReferenceType,
		FileName:      fileName,
		FileSize:      fileSize,
		ContainerName: containerName,
	}
}

// ReferenceType implements Reference
func (r *FileReference) ReferenceType() string { return FileReferenceType }

// SnapshotReference points at an EBS snapshot taken from a single volume
type SnapshotReference struct {
	Type            string         `bson:"_type"`
	SnapshotID      string         `bson:"snapshotId"`
	VolumeID        string         `bson:"volumeId"`
	Status          SnapshotStatus `bson:"status"`
	StartTime       time.Time      `bson:"startTime,omitempty"`
	VolumeSize      int64          `bson:"volumeSize,omitempty"`
	Progress        string         `bson:"progress,omitempty"`
	SourceWasLocked bool           `bson:"sourceWasLocked"`
}

// ReferenceType implements Reference
func (r *SnapshotReference) ReferenceType() string { return EbsSnapshotReferenceType }

// Diff describes what changed between two polls of the same snapshot. Used
// for progress logging only.
func (r *SnapshotReference) Diff(other *SnapshotReference) string {
	var changes []string
	if r.Status != other.Status {
		changes = append(changes, fmt.Sprintf("status: %s -> %s", r.Status, other.Status))
	}
	if r.Progress != other.Progress {
		changes = append(changes, fmt.Sprintf("progress: %s -> %s", r.Progress, other.Progress))
	}
	return strings.Join(changes, ", ")
}

// CompositeSnapshotReference groups the constituent snapshots of an LVM
// volume group spanning several block-storage volumes
type CompositeSnapshotReference struct {
	Type            string               `bson:"_type"`
	Constituents    []*SnapshotReference `bson:"constituents"`
	SourceWasLocked bool                 `bson:"sourceWasLocked"`
}

// ReferenceType implements Reference
func (r *CompositeSnapshotReference) ReferenceType() string {
	return CompositeSnapshotReferenceType
}

// Status folds the constituent statuses: error dominates, then pending;
// completed only when every constituent completed
func (r *CompositeSnapshotReference) Status() SnapshotStatus {
	status := SnapshotStatusCompleted
	for _, c := range r.Constituents {
		switch c.Status {
		case SnapshotStatusError:
			return SnapshotStatusError
		case SnapshotStatusPending:
			status = SnapshotStatusPending
		}
	}
	return status
}

// Target is a storage container backups upload artifacts to
type Target interface {
	// ContainerName returns a loggable identifier for the container
	ContainerName() string
	// PutFile uploads filePath under destinationPath and verifies the upload
	// landed with the right size
	PutFile(ctx context.Context, filePath string, destinationPath string) (*FileReference, error)
	// GetFile downloads the referenced file into destinationDir and returns
	// the local path
	GetFile(ctx context.Context, ref *FileReference, destinationDir string) (string, error)
	// DeleteFile removes the referenced file from the container
	DeleteFile(ctx context.Context, ref *FileReference) error
}
