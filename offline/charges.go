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

// Keyed is the part of a charge the additive-merge resolver reads.
type Keyed interface {
	GetIdempotencyKey() string
}

// ResolveFolioCharges merges server and client charge lists by idempotency key.
//
// Server charges are authoritative: they are kept in their original order and
// win every key collision. Client charges only contribute keys the server has
// not seen, appended in their original order. Amounts are never summed or
// adjusted; reconciliation is by existence only.
//
// This is deliberately not last-writer-wins like ResolveStatusConflict.
// Charges are append-only facts, so the question is "has this happened", not
// "which version is newer".
func ResolveFolioCharges[T Keyed](serverCharges, clientCharges []T) []T {
	seen := make(map[string]struct{}, len(serverCharges)+len(clientCharges))
	resolved := make([]T, 0, len(serverCharges)+len(clientCharges))

	add := func(charge T) {
		key := charge.GetIdempotencyKey()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		resolved = append(resolved, charge)
	}

	for _, charge := range serverCharges {
		add(charge)
	}
	for _, charge := range clientCharges {
		add(charge)
	}
	return resolved
}

// NewClientCharges returns the client charges that survive ResolveFolioCharges,
// i.e. the ones that still have to be written to the server.
func NewClientCharges[T Keyed](serverCharges, clientCharges []T) []T {
	resolved := ResolveFolioCharges(serverCharges, clientCharges)
	serverKeys := make(map[string]struct{}, len(serverCharges))
	for _, charge := range serverCharges {
		serverKeys[charge.GetIdempotencyKey()] = struct{}{}
	}

	fresh := make([]T, 0, len(clientCharges))
	for _, charge := range resolved {
		if _, ok := serverKeys[charge.GetIdempotencyKey()]; !ok {
			fresh = append(fresh, charge)
		}
	}
	return fresh
}
