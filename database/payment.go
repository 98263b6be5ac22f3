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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
)

// RecordPayment inserts a payment. A payment whose idempotency key is already
// stored is left alone and reported with created=false.
func (d Datasource) RecordPayment(ctx context.Context, payment *model.Payment) (bool, error) {
	ctx, span := otel.Tracer("Payments").Start(ctx, "Saving payment to db")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO innsync.payments (payment_id, folio_id, amount, method, idempotency_key, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, payment.ID, payment.FolioID, payment.Amount, payment.Method, payment.IdempotencyKey, payment.Reference, payment.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record payment", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return affected > 0, nil
}

func (d Datasource) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	ctx, span := otel.Tracer("Payments").Start(ctx, "Getting payment by idempotency key")
	defer span.End()

	payment := &model.Payment{}
	var method, reference sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, folio_id, amount, method, idempotency_key, reference, created_at
		FROM innsync.payments
		WHERE idempotency_key = $1
	`, key).Scan(&payment.ID, &payment.FolioID, &payment.Amount, &method, &payment.IdempotencyKey, &reference, &payment.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment with idempotency key '%s' not found", key), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment", err)
	}
	payment.Method = method.String
	payment.Reference = reference.String

	return payment, nil
}
