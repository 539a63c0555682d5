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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("dump error classification", func() {
	DescribeTable("maps the exit status and last log line to a kind",
		func(returnCode int, lastLine string, kind DumpErrorKind, retriable bool) {
			err := ClassifyDumpError(returnCode, lastLine)
			Expect(err.Kind).To(Equal(kind))
			Expect(err.Retriable()).To(Equal(retriable))
		},
		Entry("bad collection name wins on the return code alone",
			245, "anything at all", DumpErrorBadCollectionName, false),
		Entry("invalid bson object size",
			1, "assertion 10334 while dumping", DumpErrorInvalidBSONObjSize, true),
		Entry("capped cursor overrun",
			1, "error 13338 in capped collection", DumpErrorCappedCursorOverrun, true),
		Entry("invalid database name",
			1, "assertion 13280", DumpErrorInvalidDBName, false),
		Entry("bad element type",
			1, "BSONElement 10320", DumpErrorBadType, true),
		Entry("process manager connection",
			1, "Cannot connect to mongod", DumpErrorMongoctlConnection, true),
		Entry("cursor lost on the server",
			1, "cursor didn't exist on server, possibly timed out",
			DumpErrorCursorDoesNotExist, true),
		Entry("exhaust receive",
			1, "recv(): message len 16465", DumpErrorExhaustReceive, true),
		Entry("socket exception",
			1, "SocketException handling request", DumpErrorConnectivity, true),
		Entry("plain socket error",
			1, "socket error while reading", DumpErrorConnectivity, true),
		Entry("transport error",
			1, "transport error while dumping", DumpErrorConnectivity, true),
		Entry("db client cursor failure needs both markers",
			1, "DBClientCursor::init call() failed", DumpErrorDBClientCursorFail, true),
		Entry("db client cursor alone is not enough",
			1, "DBClientCursor is fine", DumpErrorGeneric, false),
		Entry("anything else is generic and terminal",
			1, "some unknown failure", DumpErrorGeneric, false),
	)

	It("keeps only the return code and the last log line", func() {
		err := ClassifyDumpError(245, "last line")
		Expect(err.ReturnCode).To(Equal(245))
		Expect(err.LastLogLine).To(Equal("last line"))
		Expect(err.Error()).To(ContainSubstring("exit status 245"))
		Expect(err.Error()).To(ContainSubstring("last line"))
	})
})

var _ = Describe("retriability", func() {
	It("trusts the dump error's own classification", func() {
		Expect(IsRetriable(ClassifyDumpError(1, "socket error"))).To(BeTrue())
		Expect(IsRetriable(ClassifyDumpError(245, ""))).To(BeFalse())
	})

	It("treats marked errors as retriable", func() {
		Expect(IsRetriable(NewConnectionError("somewhere", nil))).To(BeTrue())
		Expect(IsRetriable(NewSuspendIOError("frozen", nil))).To(BeTrue())
	})

	It("treats configuration problems as terminal", func() {
		Expect(IsRetriable(NewConfigurationError("bad setup"))).To(BeFalse())
		Expect(IsRetriable(NewSourceDataSizeExceedsLimits(10, 5, ""))).To(BeFalse())
	})

	It("recognizes network-looking errors by their message", func() {
		Expect(IsRetriable(errString("connection refused"))).To(BeTrue())
		Expect(IsRetriable(errString("operation timed out"))).To(BeTrue())
		Expect(IsRetriable(errString("invalid argument"))).To(BeFalse())
	})

	It("retries concurrent cloud tag mutations", func() {
		Expect(IsRetriable(errString("ConcurrentTagAccess: please retry"))).To(BeTrue())
	})

	It("never retries a nil error", func() {
		Expect(IsRetriable(nil)).To(BeFalse())
	})
})

type errString string

func (e errString) Error() string { return string(e) }
