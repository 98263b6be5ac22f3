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

	"go.opentelemetry.io/otel"

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
)

// GetFolioCharges returns every charge on a folio in the order it was recorded.
// A folio with no charges yields an empty slice.
func (d Datasource) GetFolioCharges(ctx context.Context, folioID string) ([]model.Charge, error) {
	ctx, span := otel.Tracer("Folio charges").Start(ctx, "Fetching folio charges")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT charge_id, folio_id, amount, idempotency_key, description, created_at
		FROM innsync.folio_charges
		WHERE folio_id = $1
		ORDER BY created_at ASC, id ASC
	`, folioID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve folio charges", err)
	}
	defer rows.Close()

	charges := []model.Charge{}
	for rows.Next() {
		charge := model.Charge{}
		var description sql.NullString
		err = rows.Scan(&charge.ID, &charge.FolioID, &charge.Amount, &charge.IdempotencyKey, &description, &charge.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan folio charge", err)
		}
		charge.Description = description.String
		charges = append(charges, charge)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over folio charges", err)
	}
	return charges, nil
}

// RecordFolioCharge inserts a charge. A concurrent writer that already stored
// the same idempotency key makes this a no-op with created=false.
func (d Datasource) RecordFolioCharge(ctx context.Context, charge *model.Charge) (bool, error) {
	ctx, span := otel.Tracer("Folio charges").Start(ctx, "Saving folio charge to db")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO innsync.folio_charges (charge_id, folio_id, amount, idempotency_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, charge.ID, charge.FolioID, charge.Amount, charge.IdempotencyKey, charge.Description, charge.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record folio charge", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return affected > 0, nil
}
