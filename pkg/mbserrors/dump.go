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

package mbserrors

import (
	"fmt"
	"strings"
)

// DumpErrorKind identifies the subcategory of a dump failure
type DumpErrorKind string

// Dump error kinds, classified from the mongodump return code and the last
// line of the dump log
const (
	DumpErrorGeneric             DumpErrorKind = "DumpError"
	DumpErrorBadCollectionName   DumpErrorKind = "BadCollectionNameError"
	DumpErrorInvalidBSONObjSize  DumpErrorKind = "InvalidBSONObjSizeError"
	DumpErrorCappedCursorOverrun DumpErrorKind = "CappedCursorOverrunError"
	DumpErrorInvalidDBName       DumpErrorKind = "InvalidDBNameError"
	DumpErrorBadType             DumpErrorKind = "BadTypeError"
	DumpErrorMongoctlConnection  DumpErrorKind = "MongoctlConnectionError"
	DumpErrorCursorDoesNotExist  DumpErrorKind = "CursorDoesNotExistError"
	DumpErrorExhaustReceive      DumpErrorKind = "ExhaustReceiveError"
	DumpErrorConnectivity        DumpErrorKind = "DumpConnectivityError"
	DumpErrorDBClientCursorFail  DumpErrorKind = "DBClientCursorFailError"
)

// DumpError is raised when mongodump fails. The subprocess command and its
// output are deliberately not carried: they may contain credentials. Only the
// return code and the last log line survive.
type DumpError struct {
	Kind        DumpErrorKind
	ReturnCode  int
	LastLogLine string
}

func (e *DumpError) Error() string {
	msg := "failed to mongodump"
	switch e.Kind {
	case DumpErrorBadCollectionName:
		msg = "failed to mongodump, possibly because of collection name(s)" +
			" with invalid characters (e.g. '/'); rename or drop these collection(s)"
	case DumpErrorInvalidDBName:
		msg = "failed to mongodump because the name of the database is invalid"
	}
	return fmt.Sprintf("%s: %s. Dump command returned a non-zero exit status %d."+
		" Check dump logs. Last dump log line: %s", e.Kind, msg, e.ReturnCode, e.LastLogLine)
}

// Retriable reports whether this dump failure kind is worth re-running
func (e *DumpError) Retriable() bool {
	return retriableDumpKinds[e.Kind]
}

// retriableDumpKinds is the subset of dump failures worth re-running
var retriableDumpKinds = map[DumpErrorKind]bool{
	DumpErrorInvalidBSONObjSize:  true,
	DumpErrorCappedCursorOverrun: true,
	DumpErrorBadType:             true,
	DumpErrorMongoctlConnection:  true,
	DumpErrorCursorDoesNotExist:  true,
	DumpErrorExhaustReceive:      true,
	DumpErrorConnectivity:        true,
	DumpErrorDBClientCursorFail:  true,
}

// dumpRule is one row of the classification table
type dumpRule struct {
	kind  DumpErrorKind
	match func(returnCode int, lastLine string) bool
}

func lineContains(substrs ...string) func(int, string) bool {
	return func(_ int, lastLine string) bool {
		for _, s := range substrs {
			if strings.Contains(lastLine, s) {
				return true
			}
		}
		return false
	}
}

// The rules are ordered: the first match wins. New codes or strings are
// one-line additions.
var dumpRules = []dumpRule{
	{DumpErrorBadCollectionName, func(rc int, _ string) bool { return rc == 245 }},
	{DumpErrorInvalidBSONObjSize, lineContains("10334")},
	{DumpErrorCappedCursorOverrun, lineContains("13338")},
	{DumpErrorInvalidDBName, lineContains("13280")},
	{DumpErrorBadType, lineContains("10320")},
	{DumpErrorMongoctlConnection, lineContains("Cannot connect")},
	{DumpErrorCursorDoesNotExist, lineContains("cursor didn't exist on server")},
	{DumpErrorExhaustReceive, lineContains("16465")},
	{DumpErrorConnectivity, lineContains("SocketException", "socket error", "transport error")},
	{DumpErrorDBClientCursorFail, func(_ int, l string) bool {
		return strings.Contains(l, "DBClientCursor") && strings.Contains(l, "failed")
	}},
}

// ClassifyDumpError builds the DumpError matching the mongodump return code
// and the last line of the dump log
func ClassifyDumpError(returnCode int, lastLogLine string) *DumpError {
	for _, rule := range dumpRules {
		if rule.match(returnCode, lastLogLine) {
			return &DumpError{Kind: rule.kind, ReturnCode: returnCode, LastLogLine: lastLogLine}
		}
	}
	return &DumpError{Kind: DumpErrorGeneric, ReturnCode: returnCode, LastLogLine: lastLogLine}
}
