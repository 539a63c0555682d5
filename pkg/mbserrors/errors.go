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

// Package mbserrors contains the closed error taxonomy of the backup system
// and the classifier deciding which failures are worth retrying.
package mbserrors

import (
	"fmt"
)

// mbsError is the common shape of every error in the taxonomy.
type mbsError struct {
	errorType string
	message   string
	details   string
	cause     error
}

func (e *mbsError) Error() string {
	s := fmt.Sprintf("%s: %s", e.errorType, e.message)
	if e.details != "" {
		s += ". " + e.details
	}
	if e.cause != nil {
		s += fmt.Sprintf(", cause: %v", e.cause)
	}
	return s
}

func (e *mbsError) Unwrap() error { return e.cause }

// ErrorType returns the taxonomy name of the error
func (e *mbsError) ErrorType() string { return e.errorType }

// retriableMarker is embedded by every error whose cause is believed
// transient. See IsRetriable.
type retriableMarker struct{}

func (retriableMarker) retriableError() {}

// retriable is the cross-cutting marker interface
type retriable interface {
	retriableError()
}

// ConfigurationError represents a programmer or user error. Never retried.
type ConfigurationError struct{ mbsError }

// NewConfigurationError builds a ConfigurationError
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{mbsError{
		errorType: "ConfigurationError",
		message:   fmt.Sprintf(format, args...),
	}}
}

// ConnectionError is raised when a database connection cannot be established.
// The uri passed in must already be masked.
type ConnectionError struct {
	mbsError
	retriableMarker
}

// NewConnectionError builds a ConnectionError for the given masked uri
func NewConnectionError(maskedURI string, cause error) *ConnectionError {
	return &ConnectionError{mbsError: mbsError{
		errorType: "ConnectionError",
		message:   fmt.Sprintf("could not establish a database connection to '%s'", maskedURI),
		cause:     cause,
	}}
}

// AuthenticationFailedError is terminal: retrying with the same credentials
// will not help.
type AuthenticationFailedError struct{ mbsError }

// NewAuthenticationFailedError builds an AuthenticationFailedError
func NewAuthenticationFailedError(maskedURI string, cause error) *AuthenticationFailedError {
	return &AuthenticationFailedError{mbsError{
		errorType: "AuthenticationFailedError",
		message:   fmt.Sprintf("failed to authenticate to '%s'", maskedURI),
		cause:     cause,
	}}
}

// ReplicasetError is the base for replica-set level failures
type ReplicasetError struct {
	mbsError
	retriableMarker
}

// NewReplicasetError builds a ReplicasetError
func NewReplicasetError(format string, args ...interface{}) *ReplicasetError {
	return &ReplicasetError{mbsError: mbsError{
		errorType: "ReplicasetError",
		message:   fmt.Sprintf(format, args...),
	}}
}

// PrimaryNotFoundError is raised when the primary of a replica set cannot be
// determined
type PrimaryNotFoundError struct {
	mbsError
	retriableMarker
}

// NewPrimaryNotFoundError builds a PrimaryNotFoundError
func NewPrimaryNotFoundError(maskedURI string) *PrimaryNotFoundError {
	return &PrimaryNotFoundError{mbsError: mbsError{
		errorType: "PrimaryNotFoundError",
		message:   fmt.Sprintf("unable to determine primary for cluster '%s'", maskedURI),
	}}
}

// NoEligibleMembersFound is raised when member selection cannot satisfy the
// configured preference and freshness constraints
type NoEligibleMembersFound struct {
	mbsError
	retriableMarker
}

// NewNoEligibleMembersFound builds a NoEligibleMembersFound error
func NewNoEligibleMembersFound(maskedURI string, msg string) *NoEligibleMembersFound {
	return &NoEligibleMembersFound{mbsError: mbsError{
		errorType: "NoEligibleMembersFound",
		message:   msg,
		details:   fmt.Sprintf("no eligible members in '%s' found to take backup from", maskedURI),
	}}
}

// ArchiveError is raised when the tar step fails
type ArchiveError struct{ mbsError }

// NewArchiveError builds an ArchiveError
func NewArchiveError(cause error) *ArchiveError {
	return &ArchiveError{mbsError{
		errorType: "ArchiveError",
		message:   "failed to archive and compress the backup",
		cause:     cause,
	}}
}

// ExtractError is raised when extracting a downloaded backup fails
type ExtractError struct{ mbsError }

// NewExtractError builds an ExtractError
func NewExtractError(cause error) *ExtractError {
	return &ExtractError{mbsError{
		errorType: "ExtractError",
		message:   "failed to extract source backup",
		cause:     cause,
	}}
}

// WorkspaceCreationError happens when the task scratch directory cannot be
// created
type WorkspaceCreationError struct {
	mbsError
	retriableMarker
}

// NewWorkspaceCreationError builds a WorkspaceCreationError
func NewWorkspaceCreationError(workspace string, cause error) *WorkspaceCreationError {
	return &WorkspaceCreationError{mbsError: mbsError{
		errorType: "WorkspaceCreationError",
		message:   fmt.Sprintf("could not create workspace '%s'", workspace),
		cause:     cause,
	}}
}

// SourceDataSizeExceedsLimits is raised when source data size exceeds the
// strategy's maxDataSize. Terminal.
type SourceDataSizeExceedsLimits struct {
	mbsError
	DataSize     int64
	MaxSize      int64
	DatabaseName string
}

// NewSourceDataSizeExceedsLimits builds a SourceDataSizeExceedsLimits error
func NewSourceDataSizeExceedsLimits(dataSize, maxSize int64, databaseName string) *SourceDataSizeExceedsLimits {
	dbStr := "all databases"
	if databaseName != "" {
		dbStr = fmt.Sprintf("database '%s'", databaseName)
	}
	return &SourceDataSizeExceedsLimits{
		mbsError: mbsError{
			errorType: "SourceDataSizeExceedsLimits",
			message: fmt.Sprintf("data size of %s (%d bytes) exceeds the maximum limit (%d bytes)",
				dbStr, dataSize, maxSize),
		},
		DataSize:     dataSize,
		MaxSize:      maxSize,
		DatabaseName: databaseName,
	}
}

// BackupNotOnLocalhost is raised when strategy.ensureLocalhost is set and the
// selected connector is not local to the backup assistant. Terminal.
type BackupNotOnLocalhost struct{ mbsError }

// NewBackupNotOnLocalhost builds a BackupNotOnLocalhost error
func NewBackupNotOnLocalhost(msg, details string) *BackupNotOnLocalhost {
	return &BackupNotOnLocalhost{mbsError{
		errorType: "BackupNotOnLocalhost",
		message:   msg,
		details:   details,
	}}
}

// TargetInaccessibleError is raised when the cloud storage container is
// inaccessible or unidentifiable
type TargetInaccessibleError struct {
	mbsError
	retriableMarker
}

// NewTargetInaccessibleError builds a TargetInaccessibleError
func NewTargetInaccessibleError(containerName string, cause error) *TargetInaccessibleError {
	return &TargetInaccessibleError{mbsError: mbsError{
		errorType: "TargetInaccessibleError",
		message:   fmt.Sprintf("cloud storage container '%s' is inaccessible or unidentifiable", containerName),
		cause:     cause,
	}}
}

// TargetConnectionError is raised when the cloud storage container cannot be
// reached
type TargetConnectionError struct {
	mbsError
	retriableMarker
}

// NewTargetConnectionError builds a TargetConnectionError
func NewTargetConnectionError(containerName string, cause error) *TargetConnectionError {
	return &TargetConnectionError{mbsError: mbsError{
		errorType: "TargetConnectionError",
		message:   fmt.Sprintf("could not connect to cloud storage container '%s'", containerName),
		cause:     cause,
	}}
}

// TargetUploadError is raised when an upload fails. Terminal by itself;
// the verification subtypes below are retriable.
type TargetUploadError struct{ mbsError }

// NewTargetUploadError builds a TargetUploadError
func NewTargetUploadError(destinationPath, containerName string, cause error) *TargetUploadError {
	return &TargetUploadError{mbsError{
		errorType: "TargetUploadError",
		message:   fmt.Sprintf("failed to upload backup to cloud storage container '%s'", containerName),
		details:   fmt.Sprintf("destination path '%s'", destinationPath),
		cause:     cause,
	}}
}

// UploadedFileAlreadyExistError is raised when the destination exists and
// overwriting was not allowed
type UploadedFileAlreadyExistError struct{ mbsError }

// NewUploadedFileAlreadyExistError builds an UploadedFileAlreadyExistError
func NewUploadedFileAlreadyExistError(destinationPath, containerName string) *UploadedFileAlreadyExistError {
	return &UploadedFileAlreadyExistError{mbsError{
		errorType: "UploadedFileAlreadyExistError",
		message: fmt.Sprintf("file '%s' already exists in container '%s'",
			destinationPath, containerName),
	}}
}

// UploadedFileDoesNotExistError is an upload verification failure: the file
// is not visible in the container after upload
type UploadedFileDoesNotExistError struct {
	mbsError
	retriableMarker
}

// NewUploadedFileDoesNotExistError builds an UploadedFileDoesNotExistError
func NewUploadedFileDoesNotExistError(destinationPath, containerName string) *UploadedFileDoesNotExistError {
	return &UploadedFileDoesNotExistError{mbsError: mbsError{
		errorType: "UploadedFileDoesNotExistError",
		message: fmt.Sprintf("upload verification failed: file '%s' does not exist in container '%s'",
			destinationPath, containerName),
	}}
}

// UploadedFileSizeMismatchError is an upload verification failure: sizes on
// disk and in the container disagree
type UploadedFileSizeMismatchError struct {
	mbsError
	retriableMarker
}

// NewUploadedFileSizeMismatchError builds an UploadedFileSizeMismatchError
func NewUploadedFileSizeMismatchError(destinationPath, containerName string, destSize, fileSize int64,
) *UploadedFileSizeMismatchError {
	return &UploadedFileSizeMismatchError{mbsError: mbsError{
		errorType: "UploadedFileSizeMismatchError",
		message: fmt.Sprintf("upload verification failed: file '%s' size in container '%s' (%d bytes)"+
			" does not match size on disk (%d bytes)", destinationPath, containerName, destSize, fileSize),
	}}
}

// TargetDeleteError is raised when deleting a stored artifact fails
type TargetDeleteError struct {
	mbsError
	retriableMarker
}

// NewTargetDeleteError builds a TargetDeleteError
func NewTargetDeleteError(destinationPath string, cause error) *TargetDeleteError {
	return &TargetDeleteError{mbsError: mbsError{
		errorType: "TargetDeleteError",
		message:   fmt.Sprintf("failed to delete '%s'", destinationPath),
		cause:     cause,
	}}
}

// TargetFileNotFoundError is raised when a referenced artifact is missing
type TargetFileNotFoundError struct{ mbsError }

// NewTargetFileNotFoundError builds a TargetFileNotFoundError
func NewTargetFileNotFoundError(destinationPath string) *TargetFileNotFoundError {
	return &TargetFileNotFoundError{mbsError{
		errorType: "TargetFileNotFoundError",
		message:   fmt.Sprintf("file '%s' not found in target", destinationPath),
	}}
}

// BlockStorageSnapshotError is the base for volume snapshot failures
type BlockStorageSnapshotError struct {
	mbsError
	retriableMarker
}

// NewBlockStorageSnapshotError builds a BlockStorageSnapshotError
func NewBlockStorageSnapshotError(format string, args ...interface{}) *BlockStorageSnapshotError {
	return &BlockStorageSnapshotError{mbsError: mbsError{
		errorType: "BlockStorageSnapshotError",
		message:   fmt.Sprintf(format, args...),
	}}
}

// SnapshotDidNotSucceedError is raised when a snapshot reaches a terminal
// state other than COMPLETED
type SnapshotDidNotSucceedError struct {
	mbsError
	retriableMarker
}

// NewSnapshotDidNotSucceedError builds a SnapshotDidNotSucceedError
func NewSnapshotDidNotSucceedError(status string) *SnapshotDidNotSucceedError {
	return &SnapshotDidNotSucceedError{mbsError: mbsError{
		errorType: "SnapshotDidNotSucceedError",
		message:   fmt.Sprintf("snapshot did not complete successfully, snapshot status became '%s'", status),
	}}
}

// VolumeError is raised on block storage volume failures
type VolumeError struct {
	mbsError
	retriableMarker
}

// NewVolumeError builds a VolumeError
func NewVolumeError(volumeID string, cause error) *VolumeError {
	return &VolumeError{mbsError: mbsError{
		errorType: "VolumeError",
		message:   fmt.Sprintf("volume error for '%s'", volumeID),
		cause:     cause,
	}}
}

// MongoLockError is raised on fsynclock/fsyncunlock failures
type MongoLockError struct {
	mbsError
	retriableMarker
}

// NewMongoLockError builds a MongoLockError
func NewMongoLockError(msg string, cause error) *MongoLockError {
	return &MongoLockError{mbsError: mbsError{
		errorType: "MongoLockError",
		message:   msg,
		cause:     cause,
	}}
}

// SuspendIOError is raised when suspending source I/O fails
type SuspendIOError struct {
	mbsError
	retriableMarker
}

// NewSuspendIOError builds a SuspendIOError
func NewSuspendIOError(msg string, cause error) *SuspendIOError {
	return &SuspendIOError{mbsError: mbsError{
		errorType: "SuspendIOError",
		message:   msg,
		cause:     cause,
	}}
}

// ResumeIOError is raised when resuming source I/O fails
type ResumeIOError struct {
	mbsError
	retriableMarker
}

// NewResumeIOError builds a ResumeIOError
func NewResumeIOError(msg string, cause error) *ResumeIOError {
	return &ResumeIOError{mbsError: mbsError{
		errorType: "ResumeIOError",
		message:   msg,
		cause:     cause,
	}}
}

// BalancerActiveError is raised when the sharded cluster balancer interferes
// with the quiescence protocol
type BalancerActiveError struct {
	mbsError
	retriableMarker
}

// NewBalancerActiveError builds a BalancerActiveError
func NewBalancerActiveError(format string, args ...interface{}) *BalancerActiveError {
	return &BalancerActiveError{mbsError: mbsError{
		errorType: "BalancerActiveError",
		message:   fmt.Sprintf(format, args...),
	}}
}

// InvalidPlanError is raised when plan config is invalid. Terminal.
type InvalidPlanError struct{ mbsError }

// NewInvalidPlanError builds an InvalidPlanError
func NewInvalidPlanError(format string, args ...interface{}) *InvalidPlanError {
	return &InvalidPlanError{mbsError{
		errorType: "InvalidPlanError",
		message:   fmt.Sprintf(format, args...),
	}}
}

// RestoreError is raised when mongorestore fails. The subprocess command and
// its output are deliberately not carried: they may contain credentials.
// Only the return code and the last log line survive.
type RestoreError struct {
	mbsError
	ReturnCode  int
	LastLogLine string
}

// NewRestoreError builds a RestoreError from the subprocess exit
func NewRestoreError(returnCode int, lastLogLine string) *RestoreError {
	return &RestoreError{
		mbsError: mbsError{
			errorType: "RestoreError",
			message:   "failed to mongorestore",
			details: fmt.Sprintf("restore command returned a non-zero exit status %d."+
				" Check restore logs. Last restore log line: %s", returnCode, lastLogLine),
		},
		ReturnCode:  returnCode,
		LastLogLine: lastLogLine,
	}
}
