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

// Package persistence stores task documents. Every update is atomic over
// the named properties plus the appended event entry, which is what makes
// the event log a safe resumption substrate.
package persistence

import (
	"context"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
)

// Update names the task fields a phase wants persisted, plus an optional
// event to append in the same write. The explicit property list replaces
// free-form partial updates: a phase states exactly what it mutated.
type Update struct {
	Properties []string

	EventName string
	EventType v1.EventType
	Message   string
	Details   string
	ErrorCode string
}

// HasEvent reports whether the update appends an event entry
func (u Update) HasEvent() bool { return u.EventName != "" || u.Message != "" }

// Event builds an Update that only appends an event
func Event(name string, eventType v1.EventType) Update {
	return Update{EventName: name, EventType: eventType}
}

// EventWithMessage builds an Update appending an event with a message
func EventWithMessage(name string, eventType v1.EventType, message string) Update {
	return Update{EventName: name, EventType: eventType, Message: message}
}

// Properties builds an Update persisting only the named properties
func Properties(names ...string) Update {
	return Update{Properties: names}
}

// WithProperties returns a copy of the update extended with properties
func (u Update) WithProperties(names ...string) Update {
	u.Properties = append(u.Properties, names...)
	return u
}

// TaskStore persists backup and restore tasks
type TaskStore interface {
	// CreateBackup inserts a fresh backup task document
	CreateBackup(ctx context.Context, backup *v1.Backup) error
	// CreateRestore inserts a fresh restore task document
	CreateRestore(ctx context.Context, restore *v1.Restore) error
	// UpdateBackup appends the update's event to the backup (if any) and
	// persists it atomically with the named properties
	UpdateBackup(ctx context.Context, backup *v1.Backup, update Update) error
	// UpdateRestore is UpdateBackup for restore tasks
	UpdateRestore(ctx context.Context, restore *v1.Restore, update Update) error
	// GetBackup loads a backup task by id
	GetBackup(ctx context.Context, id string) (*v1.Backup, error)
}
