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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Charge is a monetary line item on a folio. Positive amounts are owed by the guest.
// Charges are never edited once created; corrections are new charges.
type Charge struct {
	ID             string          `json:"id"`
	FolioID        string          `json:"folio_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

func (c Charge) GetIdempotencyKey() string { return c.IdempotencyKey }

// Payment is a settled payment against a folio.
type Payment struct {
	ID             string          `json:"id"`
	FolioID        string          `json:"folio_id"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reference      string          `json:"reference,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

func (p Payment) GetIdempotencyKey() string { return p.IdempotencyKey }
