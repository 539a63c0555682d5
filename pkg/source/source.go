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

// Package source models what gets backed up: the MongoDB deployment a task
// points at, plus the cloud block storage backing it when snapshot backups
// are possible.
package source

import (
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/mongouri"
)

// Encryptor encrypts and decrypts the credentials stored on block-storage
// descriptors. The implementation is supplied by the embedding application.
type Encryptor interface {
	EncryptString(plain string) (string, error)
	DecryptString(encrypted string) (string, error)
}

// BackupSource describes a deployment a backup reads from
type BackupSource interface {
	// URI returns the deployment connection string. May carry credentials,
	// mask before logging.
	URI() string
	// DatabaseName returns the database the backup is scoped to, empty for
	// whole-deployment backups
	DatabaseName() string
	// CollectionName returns the collection the backup is scoped to, if any
	CollectionName() string
	// BlockStorage returns the block storage descriptor for the member at
	// address, nil when the source has none configured
	BlockStorage(address string) CloudBlockStorage
	// Validate checks the source is well formed
	Validate() error
}

// MongoSource is a BackupSource for a MongoDB deployment reachable by URI
type MongoSource struct {
	Type      string `bson:"_type"`
	SourceURI string `bson:"uri"`

	// CloudBlockStorage maps member addresses to their storage descriptors.
	// A single entry under "" applies to any address.
	CloudBlockStorage map[string]*EbsVolumeStorage `bson:"cloudBlockStorage,omitempty"`
	LVMBlockStorage   map[string]*LVMStorage       `bson:"lvmBlockStorage,omitempty"`
}

// NewMongoSource builds a MongoSource for uri
func NewMongoSource(uri string) *MongoSource {
	return &MongoSource{Type: "MongoSource", SourceURI: uri}
}

// URI implements BackupSource
func (s *MongoSource) URI() string { return s.SourceURI }

// DatabaseName implements BackupSource
func (s *MongoSource) DatabaseName() string {
	parsed, err := mongouri.Parse(s.SourceURI)
	if err != nil {
		return ""
	}
	return parsed.Database
}

// CollectionName implements BackupSource
func (s *MongoSource) CollectionName() string { return "" }

// BlockStorage implements BackupSource
func (s *MongoSource) BlockStorage(address string) CloudBlockStorage {
	if lvm, ok := s.LVMBlockStorage[address]; ok {
		return lvm
	}
	if ebs, ok := s.CloudBlockStorage[address]; ok {
		return ebs
	}
	if lvm, ok := s.LVMBlockStorage[""]; ok {
		return lvm
	}
	if ebs, ok := s.CloudBlockStorage[""]; ok {
		return ebs
	}
	return nil
}

// Validate implements BackupSource
func (s *MongoSource) Validate() error {
	if s.SourceURI == "" {
		return mbserrors.NewConfigurationError("missing 'uri' in source")
	}
	if !mongouri.IsValid(s.SourceURI) {
		return mbserrors.NewConfigurationError("invalid 'uri' in source: '%s'", mongouri.Mask(s.SourceURI))
	}
	return nil
}
