package providerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gonube/pkg/provider"
)

// Row is a persisted provider record.
//
// Credentials and Configuration hold the stored form. SQLite returns them as
// JSON text; stores with native JSON columns may hand back decoded maps.
type Row struct {
	ID               int64
	Name             string
	Type             string
	Credentials      any
	Configuration    any
	Active           bool
	State            string
	LastCheckedAt    *time.Time
	LastErrorMessage *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SummaryRow is a provider listing entry without credentials or
// configuration.
type SummaryRow struct {
	ID    int64
	Name  string
	Type  string
	State string
}

// NewRow is the input for InsertProvider. Credentials and Configuration are
// serialized JSON.
type NewRow struct {
	Name          string
	Type          string
	Credentials   string
	Configuration string
	Active        bool
	State         string
}

const timeLayout = time.RFC3339Nano

// InsertProvider inserts a provider and returns its id.
func (s *Store) InsertProvider(ctx context.Context, r NewRow) (int64, error) {
	creds := r.Credentials
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(creds)
		if err != nil {
			return 0, err
		}
		creds = sealed
	}
	state := r.State
	if state == "" {
		state = string(provider.StatePending)
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proveedores_nube
		 (nombre, tipo, credenciales, configuracion, activo, estado, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Type, creds, r.Configuration, r.Active, state, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert provider: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert provider: %w", err)
	}
	return id, nil
}

// GetProvider returns the provider with id, active or not. A missing id
// fails with provider.ErrNotFound.
func (s *Store) GetProvider(ctx context.Context, id int64) (*Row, error) {
	var (
		r          Row
		creds      string
		cfg        string
		checkedAt  sql.NullString
		errMessage sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nombre, tipo, credenciales, configuracion, activo, estado,
		        ultimo_chequeo, mensaje_error, created_at, updated_at
		 FROM proveedores_nube WHERE id = ?`, id).Scan(
		&r.ID, &r.Name, &r.Type, &creds, &cfg, &r.Active, &r.State,
		&checkedAt, &errMessage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %d: %w", id, provider.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}

	if IsSealed(creds) {
		if s.sealer == nil {
			return nil, fmt.Errorf("provider %d: credentials are sealed and no identity is configured", id)
		}
		creds, err = s.sealer.Open(creds)
		if err != nil {
			return nil, fmt.Errorf("provider %d: %w", id, err)
		}
	}
	r.Credentials = creds
	r.Configuration = cfg

	if checkedAt.Valid {
		t, err := parseTime(checkedAt.String)
		if err != nil {
			return nil, fmt.Errorf("provider %d: ultimo_chequeo: %w", id, err)
		}
		r.LastCheckedAt = &t
	}
	if errMessage.Valid {
		msg := errMessage.String
		r.LastErrorMessage = &msg
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("provider %d: created_at: %w", id, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("provider %d: updated_at: %w", id, err)
	}
	return &r, nil
}

// ListActiveProviders lists active providers ordered by id.
func (s *Store) ListActiveProviders(ctx context.Context) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nombre, tipo, estado
		 FROM proveedores_nube
		 WHERE activo = 1
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.State); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}

// UpdateConnectionState records the outcome of a connectivity check. A nil
// message clears mensaje_error.
func (s *Store) UpdateConnectionState(ctx context.Context, id int64, state string, checkedAt time.Time, message *string) error {
	var msg sql.NullString
	if message != nil {
		msg = sql.NullString{String: *message, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proveedores_nube
		 SET estado = ?, ultimo_chequeo = ?, mensaje_error = ?, updated_at = ?
		 WHERE id = ?`,
		state, checkedAt.UTC().Format(timeLayout), msg, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update connection state: %w", err)
	}
	return affectedOne(res, id)
}

// SetActive toggles the activo flag.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proveedores_nube SET activo = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return affectedOne(res, id)
}

// DeleteProvider removes a provider record.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proveedores_nube WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return affectedOne(res, id)
}

func affectedOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("provider %d: %w", id, provider.ErrNotFound)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
