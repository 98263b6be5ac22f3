/*
Copyright 2024 Innsync Authors.

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

package offline

import "time"

// DefaultMaxAgeHours is how long a queued action stays eligible for replay.
const DefaultMaxAgeHours = 24

// IsExpiredAction reports whether an action queued at actionTimestamp is older
// than maxAgeHours at now. The comparison is strict: an action exactly at the
// boundary is still live, and timestamps in the future never expire.
// A non-positive maxAgeHours selects DefaultMaxAgeHours.
func IsExpiredAction(actionTimestamp time.Time, maxAgeHours int, now time.Time) bool {
	if maxAgeHours <= 0 {
		maxAgeHours = DefaultMaxAgeHours
	}
	maxAge := time.Duration(maxAgeHours) * time.Hour
	return now.Sub(actionTimestamp) > maxAge
}
