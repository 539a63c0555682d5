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

// Package v1 contains the persisted task model of the backup system. Field
// names on the stored document are camelCase; polymorphic documents carry a
// "_type" discriminator.
package v1

import (
	"time"

	"github.com/google/uuid"
)

// MaxRetries is the ceiling for task-level rescheduling attempts
const MaxRetries = 3

// EventEntry is one mark in a task's append-only event log
type EventEntry struct {
	Name      string    `bson:"name"`
	Type      EventType `bson:"type"`
	Message   string    `bson:"message,omitempty"`
	Details   string    `bson:"details,omitempty"`
	Date      time.Time `bson:"date"`
	ErrorCode string    `bson:"errorCode,omitempty"`
}

// Task is the unit of work: a backup or a restore
type Task struct {
	ID            string    `bson:"_id"`
	TypeName      string    `bson:"_type"`
	Name          string    `bson:"name,omitempty"`
	Description   string    `bson:"description,omitempty"`
	TryCount      int       `bson:"tryCount"`
	Reschedulable bool      `bson:"reschedulable"`
	Workspace     string    `bson:"workspace,omitempty"`
	StartDate     time.Time `bson:"startDate,omitempty"`

	// Logs is append-only: entries are never deleted or reordered
	Logs []*EventEntry `bson:"logs"`

	// lastByName indexes the most recent entry per event name, rebuilt
	// lazily after loads
	lastByName map[string]*EventEntry
}

// NewTaskID returns a fresh task id
func NewTaskID() string { return uuid.NewString() }

// AppendEvent appends an entry to the event log and returns it. The entry is
// in memory only until the task is persisted.
func (t *Task) AppendEvent(name string, eventType EventType, message, details, errorCode string) *EventEntry {
	entry := &EventEntry{
		Name:      name,
		Type:      eventType,
		Message:   message,
		Details:   details,
		Date:      time.Now().UTC(),
		ErrorCode: errorCode,
	}
	t.Logs = append(t.Logs, entry)
	t.index()[name] = entry
	return entry
}

func (t *Task) index() map[string]*EventEntry {
	if t.lastByName == nil {
		t.lastByName = make(map[string]*EventEntry, len(t.Logs))
		for _, entry := range t.Logs {
			t.lastByName[entry.Name] = entry
		}
	}
	return t.lastByName
}

// IsEventLogged reports whether an entry with the given name exists
func (t *Task) IsEventLogged(name string) bool {
	_, ok := t.index()[name]
	return ok
}

// LastEventEntry returns the most recent entry with the given name, nil when
// none exists
func (t *Task) LastEventEntry(name string) *EventEntry {
	return t.index()[name]
}

// Warnings returns the warning entries in log order
func (t *Task) Warnings() []*EventEntry {
	var warnings []*EventEntry
	for _, entry := range t.Logs {
		if entry.Type == EventTypeWarning {
			warnings = append(warnings, entry)
		}
	}
	return warnings
}
