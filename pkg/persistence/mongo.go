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

package persistence

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/notification"
)

const (
	backupsCollection  = "backups"
	restoresCollection = "restores"
)

// MongoStore is the TaskStore backed by a MongoDB database
type MongoStore struct {
	backups  *mongo.Collection
	restores *mongo.Collection
	notifier notification.Notifier
}

// NewMongoStore builds a TaskStore over db
func NewMongoStore(db *mongo.Database, notifier notification.Notifier) *MongoStore {
	return &MongoStore{
		backups:  db.Collection(backupsCollection),
		restores: db.Collection(restoresCollection),
		notifier: notifier,
	}
}

// CreateBackup implements TaskStore
func (s *MongoStore) CreateBackup(ctx context.Context, backup *v1.Backup) error {
	if _, err := s.backups.InsertOne(ctx, backup); err != nil {
		return mbserrors.NewConnectionError("task store", err)
	}
	return nil
}

// CreateRestore implements TaskStore
func (s *MongoStore) CreateRestore(ctx context.Context, restore *v1.Restore) error {
	if _, err := s.restores.InsertOne(ctx, restore); err != nil {
		return mbserrors.NewConnectionError("task store", err)
	}
	return nil
}

// UpdateBackup implements TaskStore
func (s *MongoStore) UpdateBackup(ctx context.Context, backup *v1.Backup, update Update) error {
	setDoc := bson.D{}
	for _, property := range update.Properties {
		value, err := backupProperty(backup, property)
		if err != nil {
			s.notifyBadUpdate(backup.ID, err)
			return err
		}
		setDoc = append(setDoc, bson.E{Key: property, Value: value})
	}
	return s.update(ctx, s.backups, &backup.Task, setDoc, update)
}

// UpdateRestore implements TaskStore
func (s *MongoStore) UpdateRestore(ctx context.Context, restore *v1.Restore, update Update) error {
	setDoc := bson.D{}
	for _, property := range update.Properties {
		value, err := restoreProperty(restore, property)
		if err != nil {
			s.notifyBadUpdate(restore.ID, err)
			return err
		}
		setDoc = append(setDoc, bson.E{Key: property, Value: value})
	}
	return s.update(ctx, s.restores, &restore.Task, setDoc, update)
}

// update issues a single UpdateOne so the property writes and the event
// append land atomically
func (s *MongoStore) update(ctx context.Context, collection *mongo.Collection,
	task *v1.Task, setDoc bson.D, update Update,
) error {
	if len(setDoc) == 0 && !update.HasEvent() {
		// calling the store with nothing to write is a programming error
		err := mbserrors.NewConfigurationError(
			"task update for '%s' carries neither properties nor an event", task.ID)
		s.notifyBadUpdate(task.ID, err)
		return err
	}

	updateDoc := bson.D{}
	if len(setDoc) > 0 {
		updateDoc = append(updateDoc, bson.E{Key: "$set", Value: setDoc})
	}
	if update.HasEvent() {
		entry := task.AppendEvent(update.EventName, eventTypeOrInfo(update.EventType),
			update.Message, update.Details, update.ErrorCode)
		updateDoc = append(updateDoc, bson.E{Key: "$push", Value: bson.D{{Key: "logs", Value: entry}}})
	}

	_, err := collection.UpdateOne(ctx, bson.D{{Key: "_id", Value: task.ID}}, updateDoc)
	if err != nil {
		return mbserrors.NewConnectionError("task store", err)
	}
	return nil
}

func eventTypeOrInfo(eventType v1.EventType) v1.EventType {
	if eventType == "" {
		return v1.EventTypeInfo
	}
	return eventType
}

func (s *MongoStore) notifyBadUpdate(taskID string, err error) {
	s.notifier.SendEventNotification("bad task update",
		"task '"+taskID+"': "+err.Error(), notification.PriorityCritical)
}

// GetBackup implements TaskStore
func (s *MongoStore) GetBackup(ctx context.Context, id string) (*v1.Backup, error) {
	var backup v1.Backup
	err := s.backups.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&backup)
	if err == mongo.ErrNoDocuments {
		return nil, mbserrors.NewConfigurationError("backup '%s' does not exist", id)
	}
	if err != nil {
		return nil, mbserrors.NewConnectionError("task store", err)
	}
	return &backup, nil
}

// backupProperty maps a persisted property name to its current value
func backupProperty(backup *v1.Backup, property string) (interface{}, error) {
	switch property {
	case "name":
		return backup.Name, nil
	case "description":
		return backup.Description, nil
	case "tryCount":
		return backup.TryCount, nil
	case "reschedulable":
		return backup.Reschedulable, nil
	case "workspace":
		return backup.Workspace, nil
	case "startDate":
		return backup.StartDate, nil
	case "strategy":
		return backup.Strategy, nil
	case "sourceStats":
		return backup.SourceStats, nil
	case "selectedSources":
		return backup.SelectedSources, nil
	case "targetReference":
		return backup.TargetReference, nil
	case "secondaryTargetReferences":
		return backup.SecondaryTargetReferences, nil
	case "logTargetReference":
		return backup.LogTargetReference, nil
	case "backupRateInMBPS":
		return backup.BackupRateInMBPS, nil
	default:
		return nil, mbserrors.NewConfigurationError("unknown backup property '%s'", property)
	}
}

// restoreProperty maps a persisted property name to its current value
func restoreProperty(restore *v1.Restore, property string) (interface{}, error) {
	switch property {
	case "name":
		return restore.Name, nil
	case "description":
		return restore.Description, nil
	case "tryCount":
		return restore.TryCount, nil
	case "reschedulable":
		return restore.Reschedulable, nil
	case "workspace":
		return restore.Workspace, nil
	case "startDate":
		return restore.StartDate, nil
	case "destinationStats":
		return restore.DestinationStats, nil
	case "logTargetReference":
		return restore.LogTargetReference, nil
	default:
		return nil, mbserrors.NewConfigurationError("unknown restore property '%s'", property)
	}
}
