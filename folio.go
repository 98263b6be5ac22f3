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

package innsync

import (
	"context"

	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
)

// GetFolioCharges returns the charges stored for a folio, oldest first.
func (i *Innsync) GetFolioCharges(ctx context.Context, folioID string) ([]model.Charge, error) {
	ctx, span := tracer.Start(ctx, "Get Folio Charges")
	defer span.End()

	return i.datasource.GetFolioCharges(ctx, folioID)
}

// ReconcileFolioCharges shows what a folio would look like after merging the
// client's charges into it. Nothing is written.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - folioID string: The folio to reconcile against.
// - clientCharges []model.Charge: The charges the client holds for the folio.
//
// Returns:
// - []model.Charge: The merged charge list, server charges first.
// - []model.Charge: The client charges the server does not have yet.
// - error: An error if the stored charges could not be read.
func (i *Innsync) ReconcileFolioCharges(ctx context.Context, folioID string, clientCharges []model.Charge) ([]model.Charge, []model.Charge, error) {
	ctx, span := tracer.Start(ctx, "Reconcile Folio Charges")
	defer span.End()

	serverCharges, err := i.datasource.GetFolioCharges(ctx, folioID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	return offline.ResolveFolioCharges(serverCharges, clientCharges), offline.NewClientCharges(serverCharges, clientCharges), nil
}

// GetPayment looks a payment up by the idempotency key it was recorded with.
func (i *Innsync) GetPayment(ctx context.Context, idempotencyKey string) (*model.Payment, error) {
	return i.datasource.GetPaymentByIdempotencyKey(ctx, idempotencyKey)
}
