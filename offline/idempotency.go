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

// Package offline holds the pure reconciliation rules applied when queued
// offline writes are replayed: idempotency keys, expiry, replay ordering,
// retry budgets and the two conflict resolvers. Nothing here performs I/O or
// keeps state, so every function is safe for concurrent use.
package offline

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

const (
	keyAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	keySuffixLength = 6

	maxUnbiasedByte = 256 - 256%len(keyAlphabet)
)

// KeyGenerator mints idempotency keys from an injected clock and entropy source.
type KeyGenerator struct {
	now    func() time.Time
	random io.Reader
}

// NewKeyGenerator returns a generator. Nil arguments fall back to time.Now and crypto/rand.
func NewKeyGenerator(now func() time.Time, random io.Reader) *KeyGenerator {
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = rand.Reader
	}
	return &KeyGenerator{now: now, random: random}
}

var defaultKeyGenerator = NewKeyGenerator(nil, nil)

// GenerateIdempotencyKey returns "{operation}_{resourceID}_{unixMillis}_{random6}".
//
// The operation and resource prefix keep keys greppable in logs. Keys are only
// ever compared for equality, so a delimiter inside either argument is harmless.
func GenerateIdempotencyKey(operation, resourceID string) string {
	return defaultKeyGenerator.Generate(operation, resourceID)
}

// Generate builds a key using the generator's clock and entropy source.
func (g *KeyGenerator) Generate(operation, resourceID string) string {
	return fmt.Sprintf("%s_%s_%d_%s", operation, resourceID, g.now().UnixMilli(), g.suffix())
}

func (g *KeyGenerator) suffix() string {
	out := make([]byte, 0, keySuffixLength)
	buf := make([]byte, keySuffixLength)
	for len(out) < keySuffixLength {
		chunk := buf[:keySuffixLength-len(out)]
		if _, err := io.ReadFull(g.random, chunk); err != nil {
			// Same contract as uuid.New: a broken entropy source is unrecoverable.
			panic(fmt.Sprintf("offline: reading idempotency key entropy: %v", err))
		}
		for _, b := range chunk {
			// Bytes at or above the largest multiple of the alphabet size
			// would skew the draw towards its first letters.
			if int(b) >= maxUnbiasedByte {
				continue
			}
			out = append(out, keyAlphabet[int(b)%len(keyAlphabet)])
		}
	}
	return string(out)
}
