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

// Package plan models the recurring backup plans tasks descend from.
// Scheduling itself happens outside this module; what the strategies need
// from a plan is the acceptable replication lag for a given occurrence.
package plan

import (
	"time"

	"github.com/robfig/cron"

	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
)

// Schedule decides when plan occurrences happen
type Schedule interface {
	// NextOccurrence returns the first occurrence strictly after t
	NextOccurrence(t time.Time) (time.Time, error)
	// MaxAcceptableLag returns how stale a backup member may be for the
	// given occurrence: the spacing to the next occurrence
	MaxAcceptableLag(occurrence time.Time) (time.Duration, error)
}

// CronSchedule is a Schedule driven by a cron expression
type CronSchedule struct {
	Expression string `bson:"expression"`
}

// NewCronSchedule builds a CronSchedule, validating the expression
func NewCronSchedule(expression string) (*CronSchedule, error) {
	if _, err := cron.Parse(expression); err != nil {
		return nil, mbserrors.NewInvalidPlanError("invalid cron expression '%s': %v", expression, err)
	}
	return &CronSchedule{Expression: expression}, nil
}

func (s *CronSchedule) schedule() (cron.Schedule, error) {
	parsed, err := cron.Parse(s.Expression)
	if err != nil {
		return nil, mbserrors.NewInvalidPlanError("invalid cron expression '%s': %v", s.Expression, err)
	}
	return parsed, nil
}

// NextOccurrence implements Schedule
func (s *CronSchedule) NextOccurrence(t time.Time) (time.Time, error) {
	parsed, err := s.schedule()
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(t), nil
}

// MaxAcceptableLag implements Schedule: a member is fresh enough when its
// lag is shorter than the plan period at that occurrence
func (s *CronSchedule) MaxAcceptableLag(occurrence time.Time) (time.Duration, error) {
	next, err := s.NextOccurrence(occurrence)
	if err != nil {
		return 0, err
	}
	return next.Sub(occurrence), nil
}

// Plan is a recurring backup definition
type Plan struct {
	ID          string        `bson:"_id"`
	Description string        `bson:"description,omitempty"`
	Schedule    *CronSchedule `bson:"schedule"`
}

// Validate checks the plan is well formed
func (p *Plan) Validate() error {
	if p.Schedule == nil || p.Schedule.Expression == "" {
		return mbserrors.NewInvalidPlanError("plan '%s' has no schedule", p.ID)
	}
	if _, err := cron.Parse(p.Schedule.Expression); err != nil {
		return mbserrors.NewInvalidPlanError("plan '%s' has an invalid schedule: %v", p.ID, err)
	}
	return nil
}
