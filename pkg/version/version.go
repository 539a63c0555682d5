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

// Package version normalizes MongoDB server version strings for comparison
package version

import (
	"github.com/blang/semver"
)

// Version is a normalized MongoDB server version
type Version struct {
	semver.Version
}

// Parse normalizes a MongoDB version string ("2.6", "2.6.0-rc1", "v3.0.12")
// into a comparable Version
func Parse(s string) (Version, error) {
	v, err := semver.ParseTolerant(s)
	if err != nil {
		return Version{}, err
	}
	return Version{v}, nil
}

// MustParse is Parse for well-known constant versions
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Well-known feature gate versions
var (
	// V24 introduced authenticationDatabase handling
	V24 = MustParse("2.4.0")
	// V26 introduced user/role dump and restore
	V26 = MustParse("2.6.0")
)

// AtLeast reports whether v is greater than or equal to other, ignoring
// pre-release tags (a 2.6.0-rc0 server still speaks 2.6)
func (v Version) AtLeast(other Version) bool {
	a := v.Version
	b := other.Version
	a.Pre = nil
	b.Pre = nil
	return a.GE(b)
}

// Before reports whether v is strictly older than other
func (v Version) Before(other Version) bool {
	return !v.AtLeast(other)
}

// IsZero reports whether v carries no version at all
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}
