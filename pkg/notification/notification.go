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

// Package notification carries operator-facing alerts out of the task
// runners. Dispatch (email, pager) is supplied by the embedding application;
// the default implementation logs.
package notification

import (
	"github.com/anthrax3/mongodb-backup-system/pkg/log"
)

// Priority ranks a notification
type Priority string

// notification priorities
const (
	PriorityNormal   Priority = "NORMAL"
	PriorityCritical Priority = "CRITICAL"
)

// Notifier dispatches operator notifications
type Notifier interface {
	SendEventNotification(subject, message string, priority Priority)
	SendErrorNotification(subject, message string, err error)
}

// LogNotifier is the default Notifier, writing notifications to the log
type LogNotifier struct{}

// SendEventNotification implements Notifier
func (LogNotifier) SendEventNotification(subject, message string, priority Priority) {
	if priority == PriorityCritical {
		log.Warning("notification", "subject", subject, "message", message, "priority", priority)
		return
	}
	log.Info("notification", "subject", subject, "message", message, "priority", priority)
}

// SendErrorNotification implements Notifier
func (LogNotifier) SendErrorNotification(subject, message string, err error) {
	log.Error(err, "error notification", "subject", subject, "message", message)
}
