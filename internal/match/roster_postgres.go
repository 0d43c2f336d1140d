package match

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/andes-mobility/attribution-cli/internal/db"
)

// PostgresRoster reads the indexed driver_roster table.
type PostgresRoster struct {
	pool db.Pool
}

// NewPostgresRoster creates a PostgresRoster.
func NewPostgresRoster(pool db.Pool) *PostgresRoster {
	return &PostgresRoster{pool: pool}
}

var _ Roster = (*PostgresRoster)(nil)

const rosterColumns = `driver_id, scope, phone, license, full_name, plate, brand, model, enrolled_at`

func (r *PostgresRoster) findBy(ctx context.Context, field, value, scope string) ([]DriverRecord, error) {
	query := `SELECT ` + rosterColumns + ` FROM driver_roster WHERE ` + field + ` = $1`
	args := []any{value}
	if scope != "" {
		query += ` AND scope = $2`
		args = append(args, scope)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "match: roster lookup by %s", field)
	}
	defer rows.Close()

	var out []DriverRecord
	for rows.Next() {
		var d DriverRecord
		err := rows.Scan(&d.ID, &d.Scope, &d.Phone, &d.License, &d.FullName,
			&d.Plate, &d.Brand, &d.Model, &d.EnrolledAt)
		if err != nil {
			return nil, eris.Wrap(err, "match: scan roster record")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "match: iterate roster records")
	}
	return out, nil
}

func (r *PostgresRoster) FindByPhone(ctx context.Context, phone, scope string) ([]DriverRecord, error) {
	return r.findBy(ctx, "phone", phone, scope)
}

func (r *PostgresRoster) FindByLicense(ctx context.Context, license, scope string) ([]DriverRecord, error) {
	return r.findBy(ctx, "license", license, scope)
}

func (r *PostgresRoster) FindByPlate(ctx context.Context, plate, scope string) ([]DriverRecord, error) {
	return r.findBy(ctx, "plate", plate, scope)
}

func (r *PostgresRoster) FindByVehicle(ctx context.Context, brand, model, scope string) ([]DriverRecord, error) {
	query := `SELECT ` + rosterColumns + ` FROM driver_roster WHERE brand = $1 AND model = $2`
	args := []any{brand, model}
	if scope != "" {
		query += ` AND scope = $3`
		args = append(args, scope)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "match: roster lookup by vehicle")
	}
	defer rows.Close()

	var out []DriverRecord
	for rows.Next() {
		var d DriverRecord
		err := rows.Scan(&d.ID, &d.Scope, &d.Phone, &d.License, &d.FullName,
			&d.Plate, &d.Brand, &d.Model, &d.EnrolledAt)
		if err != nil {
			return nil, eris.Wrap(err, "match: scan roster record")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "match: iterate roster records")
	}
	return out, nil
}
