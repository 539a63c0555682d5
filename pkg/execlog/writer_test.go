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

package execlog

import (
	"os/exec"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("line recorder", func() {
	It("remembers the last non-empty line", func() {
		recorder := &LineRecorder{}
		_, _ = recorder.Write([]byte("first"))
		_, _ = recorder.Write([]byte("   "))
		_, _ = recorder.Write([]byte("second"))
		Expect(recorder.LastLine()).To(Equal("second"))
	})

	It("forwards every line to the next writer", func() {
		var forwarded strings.Builder
		recorder := &LineRecorder{Next: &forwarded}
		_, _ = recorder.Write([]byte("a line"))
		Expect(forwarded.String()).To(Equal("a line"))
	})
})

var _ = Describe("streaming command execution", func() {
	It("streams stdout line by line and reports the exit code", func() {
		recorder := &LineRecorder{}
		cmd := exec.Command("sh", "-c", "echo one; echo two")

		exitCode, err := RunStreaming(cmd, "sh", recorder, &LineRecorder{})
		Expect(err).ToNot(HaveOccurred())
		Expect(exitCode).To(BeZero())
		Eventually(recorder.LastLine).Should(Equal("two"))
	})

	It("captures stderr separately", func() {
		stderr := &LineRecorder{}
		cmd := exec.Command("sh", "-c", "echo oops >&2; exit 3")

		exitCode, err := RunStreaming(cmd, "sh", &LineRecorder{}, stderr)
		Expect(err).To(HaveOccurred())
		Expect(exitCode).To(Equal(3))
		Eventually(stderr.LastLine).Should(Equal("oops"))
	})

	It("reports -1 for a command that cannot start", func() {
		cmd := exec.Command("/does/not/exist")
		_, err := RunStreaming(cmd, "missing", &LineRecorder{}, &LineRecorder{})
		Expect(err).To(HaveOccurred())
	})
})
