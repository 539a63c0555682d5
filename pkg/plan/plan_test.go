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

package plan

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("cron schedules", func() {
	It("rejects invalid expressions", func() {
		_, err := NewCronSchedule("not a cron line")
		Expect(err).To(HaveOccurred())
	})

	It("computes the next occurrence", func() {
		schedule, err := NewCronSchedule("0 0 * * * *")
		Expect(err).ToNot(HaveOccurred())

		at := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
		next, err := schedule.NextOccurrence(at)
		Expect(err).ToNot(HaveOccurred())
		Expect(next).To(Equal(time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)))
	})

	It("bounds the acceptable lag by the plan period", func() {
		schedule, err := NewCronSchedule("0 0 * * * *")
		Expect(err).ToNot(HaveOccurred())

		occurrence := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
		lag, err := schedule.MaxAcceptableLag(occurrence)
		Expect(err).ToNot(HaveOccurred())
		Expect(lag).To(Equal(time.Hour))
	})
})

var _ = Describe("plan validation", func() {
	It("requires a schedule", func() {
		p := &Plan{ID: "nightly"}
		Expect(p.Validate()).To(HaveOccurred())
	})

	It("accepts a well-formed plan", func() {
		p := &Plan{ID: "nightly", Schedule: &CronSchedule{Expression: "0 0 2 * * *"}}
		Expect(p.Validate()).To(Succeed())
	})
})
