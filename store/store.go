// Package store persists the key/value settings and per-phase energy
// counters named in SPEC_FULL.md §6, grounded on
// scheduler/mpc_persistence.go's transaction + prepared-statement +
// upsert idiom.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/devskill-org/s2-ems/phasevalue"
)

// Store is the settings/counter persistence boundary named in §1/§6: "the
// core consumes a key/value settings store".
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn and ensures the backing tables exist.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ems_settings (
			key   text PRIMARY KEY,
			value text NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create ems_settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ems_energy_counters (
			class text PRIMARY KEY,
			l1    double precision NOT NULL DEFAULT 0,
			l2    double precision NOT NULL DEFAULT 0,
			l3    double precision NOT NULL DEFAULT 0,
			dc    double precision NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create ems_energy_counters: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// GetSetting reads one /Settings/... value; ok is false if absent.
func (s *Store) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM ems_settings WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts one /Settings/... value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ems_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// EnergyCounters holds the Primary/Secondary forward-energy counters
// persisted every 60 s per §4.5/§5.
type EnergyCounters struct {
	Primary   phasevalue.Value
	Secondary phasevalue.Value
}

// SaveEnergyCounters atomically upserts both classes' counters, following
// the transaction + prepared-statement + upsert idiom of
// scheduler/mpc_persistence.go's saveMPCDecisions.
func (s *Store) SaveEnergyCounters(ctx context.Context, counters EnergyCounters) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ems_energy_counters (class, l1, l2, l3, dc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (class) DO UPDATE SET
			l1 = EXCLUDED.l1, l2 = EXCLUDED.l2, l3 = EXCLUDED.l3, dc = EXCLUDED.dc
	`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	rows := []struct {
		class string
		v     phasevalue.Value
	}{
		{"primary", counters.Primary},
		{"secondary", counters.Secondary},
	}
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.class, r.v.L1, r.v.L2, r.v.L3, r.v.DC); err != nil {
			return fmt.Errorf("store: upsert %s counters: %w", r.class, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// LoadEnergyCounters reads persisted counters at startup; missing rows
// default to zero.
func (s *Store) LoadEnergyCounters(ctx context.Context) (EnergyCounters, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT class, l1, l2, l3, dc FROM ems_energy_counters`)
	if err != nil {
		return EnergyCounters{}, fmt.Errorf("store: query counters: %w", err)
	}
	defer rows.Close()

	var out EnergyCounters
	for rows.Next() {
		var class string
		var v phasevalue.Value
		if err := rows.Scan(&class, &v.L1, &v.L2, &v.L3, &v.DC); err != nil {
			return EnergyCounters{}, fmt.Errorf("store: scan counters: %w", err)
		}
		switch class {
		case "primary":
			out.Primary = v
		case "secondary":
			out.Secondary = v
		}
	}
	if err := rows.Err(); err != nil {
		return EnergyCounters{}, fmt.Errorf("store: iterate counters: %w", err)
	}
	return out, nil
}
