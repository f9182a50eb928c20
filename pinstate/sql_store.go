package pinstate

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/drivers"
)

// SQLStore keeps the record as one row per field in gpio_pin_state, so a merge
// is an upsert of exactly the named rows.
type SQLStore struct {
	db   *sql.DB
	idle map[int]bool
}

// NewSQLStore returns a store over db. idle is the output configuration
// written on first boot; pins missing from it start OFF.
func NewSQLStore(db *sql.DB, idle map[int]bool) *SQLStore {
	return &SQLStore{db: db, idle: idle}
}

// Migrate creates the table and seeds missing fields, committed state survives restarts.
func (s *SQLStore) Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gpio_pin_state (
			field      TEXT PRIMARY KEY,
			value      INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return errors.Wrap(err, "create gpio_pin_state")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for pin := 1; pin <= drivers.PinCount; pin++ {
		_, err = db.ExecContext(ctx,
			"INSERT OR IGNORE INTO gpio_pin_state (field, value, updated_at) VALUES (?, ?, ?), (?, 0, ?)",
			OutputField(pin), boolToInt(s.idle[pin]), now, InputField(pin), now,
		)
		if err != nil {
			return errors.Wrapf(err, "seed pin %d", pin)
		}
	}
	return nil
}

func (s *SQLStore) MergeOutputs(ctx context.Context, partial map[int]bool) error {
	return s.merge(ctx, OutputField, partial)
}

func (s *SQLStore) MergeInputs(ctx context.Context, partial map[int]bool) error {
	return s.merge(ctx, InputField, partial)
}

func (s *SQLStore) merge(ctx context.Context, field func(int) string, partial map[int]bool) error {
	if err := checkPins(partial); err != nil {
		return err
	}
	if len(partial) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "begin merge: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, pin := range sortedPins(partial) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO gpio_pin_state (field, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			field(pin), boolToInt(partial[pin]), now,
		)
		if err != nil {
			return errors.Wrapf(ErrPersistence, "merge %s: %v", field(pin), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(ErrPersistence, "commit merge: %v", err)
	}
	return nil
}

func (s *SQLStore) Snapshot(ctx context.Context) (PinState, error) {
	ps := emptyState()

	rows, err := s.db.QueryContext(ctx, "SELECT field, value FROM gpio_pin_state")
	if err != nil {
		return ps, errors.Wrapf(ErrPersistence, "read pin state: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var field string
		var value int
		if err := rows.Scan(&field, &value); err != nil {
			return ps, errors.Wrapf(ErrPersistence, "scan pin state: %v", err)
		}
		if pin, ok := ParseOutputField(field); ok {
			ps.Outputs[pin] = value != 0
		} else if pin, ok := ParseInputField(field); ok {
			ps.Inputs[pin] = value != 0
		}
	}
	if err := rows.Err(); err != nil {
		return ps, errors.Wrapf(ErrPersistence, "iterate pin state: %v", err)
	}
	return ps, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
