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

package v1

// EventType classifies an event log entry
type EventType string

// event types
const (
	EventTypeInfo    EventType = "INFO"
	EventTypeWarning EventType = "WARNING"
	EventTypeError   EventType = "ERROR"
)

// Backup event names, appended to the task log as phases progress. END_*
// events are the resumption marks: a rerun skips any phase whose END_* is
// already logged.
const (
	EventStartExtract = "START_EXTRACT"
	EventEndExtract   = "END_EXTRACT"
	EventStartArchive = "START_ARCHIVE"
	EventEndArchive   = "END_ARCHIVE"
	EventStartUpload  = "START_UPLOAD"
	EventEndUpload    = "END_UPLOAD"

	EventStartUploadLogFile = "START_UPLOAD_LOG_FILE"
	EventEndUploadLogFile   = "END_UPLOAD_LOG_FILE"

	EventErrorHandlingStartTar    = "ERROR_HANDLING_START_TAR"
	EventErrorHandlingEndTar      = "ERROR_HANDLING_END_TAR"
	EventErrorHandlingStartUpload = "ERROR_HANDLING_START_UPLOAD"
	EventErrorHandlingEndUpload   = "ERROR_HANDLING_END_UPLOAD"

	EventFsynclock        = "FSYNCLOCK"
	EventFsynclockEnd     = "FSYNCLOCK_END"
	EventFsyncunlock      = "FSYNCUNLOCK"
	EventFsyncunlockEnd   = "FSYNCUNLOCK_END"
	EventFsyncLockMonitor = "FSYNC_LOCK_MONITOR"
	EventNotLocked        = "NOT_LOCKED"

	EventSuspendIO        = "SUSPEND_IO"
	EventSuspendIOEnd     = "SUSPEND_IO_END"
	EventResumeIO         = "RESUME_IO"
	EventResumeIOEnd      = "RESUME_IO_END"
	EventIOSuspendMonitor = "IO_SUSPEND_MONITOR"

	EventStopBalancer           = "STOP_BALANCER"
	EventBalancerAlreadyStopped = "BALANCER_ALREADY_STOPPED"
	EventResumeBalancer         = "RESUME_BALANCER"

	EventStartKickoffSnapshot      = "START_KICKOFF_SNAPSHOT"
	EventEndKickoffSnapshot        = "END_KICKOFF_SNAPSHOT"
	EventStartCreateSnapshot       = "START_CREATE_SNAPSHOT"
	EventEndCreateSnapshot         = "END_CREATE_SNAPSHOT"
	EventStartBlockStorageSnapshot = "START_BLOCK_STORAGE_SNAPSHOT"
	EventEndBlockStorageSnapshot   = "END_BLOCK_STORAGE_SNAPSHOT"
	EventShareSnapshot             = "SHARE_SNAPSHOT"

	EventSelectSources       = "SELECT_SOURCES"
	EventComputedSourceStats = "COMPUTED_SOURCE_STATS"
	EventSetBackupMode       = "SET_BACKUP_MODE"
	EventSelectStrategy      = "SELECT_STRATEGY"
	EventCleanup             = "CLEANUP"

	EventUsingPrimaryWarning  = "USING_PRIMARY_WARNING"
	EventUsingTooStaleWarning = "USING_TOO_STALE_WARNING"

	EventStartDownloadBackup = "START_DOWNLOAD_BACKUP"
	EventEndDownloadBackup   = "END_DOWNLOAD_BACKUP"
	EventStartExtractBackup  = "START_EXTRACT_BACKUP"
	EventEndExtractBackup    = "END_EXTRACT_BACKUP"
	EventStartRestoreDump    = "START_RESTORE_DUMP"
	EventEndRestoreDump      = "END_RESTORE_DUMP"
)
