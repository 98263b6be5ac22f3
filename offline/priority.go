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

import (
	"sort"
	"strings"
	"time"

	"github.com/innsync/innsync/model"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// LowestPriority is assigned to any table without an explicit priority.
const LowestPriority = 999

const maxSuggestionDistance = 3

var tablePriorities = map[string]int{
	model.TablePayments:     1,
	model.TableFolioCharges: 2,
	model.TableRooms:        3,
}

// Prioritizable is the part of a queued action the prioritizer reads.
type Prioritizable interface {
	GetTableName() string
	GetTimestamp() time.Time
}

// TablePriority returns the replay priority of a table; lower replays first.
func TablePriority(table string) int {
	if p, ok := tablePriorities[table]; ok {
		return p
	}
	return LowestPriority
}

// PrioritizeOfflineActions returns a new slice ordered for replay: payments,
// then folio charges, then rooms, then everything else. Within a table the
// oldest action comes first. The input slice is left untouched.
func PrioritizeOfflineActions[T Prioritizable](actions []T) []T {
	sorted := make([]T, len(actions))
	copy(sorted, actions)

	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := TablePriority(sorted[i].GetTableName()), TablePriority(sorted[j].GetTableName())
		if pi != pj {
			return pi < pj
		}
		return sorted[i].GetTimestamp().Before(sorted[j].GetTimestamp())
	})
	return sorted
}

// SuggestTable returns the replayable table closest to name when it looks
// like a misspelling of one.
func SuggestTable(name string) (string, bool) {
	if _, ok := tablePriorities[name]; ok || name == "" {
		return "", false
	}

	best, bestDistance := "", maxSuggestionDistance+1
	for table := range tablePriorities {
		d := levenshtein.DistanceForStrings([]rune(strings.ToLower(name)), []rune(table), levenshtein.DefaultOptions)
		if d < bestDistance || (d == bestDistance && table < best) {
			best, bestDistance = table, d
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}
