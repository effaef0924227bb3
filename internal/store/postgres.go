package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Postgres stores documents as JSONB rows, one SQL transaction per cycle
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and creates the tables if they don't exist
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Postgres{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS theses (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS theses_ticker_idx ON theses (ticker);

		CREATE TABLE IF NOT EXISTS kpi_observations (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			kpi_id TEXT NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS kpi_observations_ticker_idx ON kpi_observations (ticker);

		CREATE TABLE IF NOT EXISTS change_events (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			event_key TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS change_events_ticker_idx ON change_events (ticker, ts);

		CREATE TABLE IF NOT EXISTS checkpoints (
			ticker TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			last_check TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS briefs (
			ticker TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			doc JSONB NOT NULL
		);
	`)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertThesis(ctx context.Context, x execer, t *model.Thesis) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO theses (id, ticker, status, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			doc = EXCLUDED.doc
	`, t.ID, t.Ticker, string(t.Status), t.CreatedAt, t.UpdatedAt, doc)
	return err
}

// SaveThesis upserts a thesis
func (p *Postgres) SaveThesis(ctx context.Context, t *model.Thesis) error {
	if err := upsertThesis(ctx, p.db, t); err != nil {
		return fmt.Errorf("save thesis %s: %w", t.ID, err)
	}
	return nil
}

// GetThesis loads a thesis by id
func (p *Postgres) GetThesis(ctx context.Context, id string) (*model.Thesis, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM theses WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thesis %s: %w", id, err)
	}
	var t model.Thesis
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode thesis %s: %w", id, err)
	}
	return &t, nil
}

// ListTheses returns theses for a ticker, or all of them when ticker is empty
func (p *Postgres) ListTheses(ctx context.Context, ticker string) ([]model.Thesis, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM theses
		WHERE $1 = '' OR ticker = $1
		ORDER BY created_at
	`, ticker)
	if err != nil {
		return nil, fmt.Errorf("list theses: %w", err)
	}
	return scanDocs[model.Thesis](rows)
}

// Observations returns the KPI history of a ticker
func (p *Postgres) Observations(ctx context.Context, ticker string) ([]model.KPIObservation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM kpi_observations WHERE ticker = $1`, ticker)
	if err != nil {
		return nil, fmt.Errorf("observations %s: %w", ticker, err)
	}
	return scanDocs[model.KPIObservation](rows)
}

// Events returns logged events after since
func (p *Postgres) Events(ctx context.Context, ticker string, since time.Time) ([]model.ChangeEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM change_events
		WHERE ticker = $1 AND ts > $2
	`, ticker, since)
	if err != nil {
		return nil, fmt.Errorf("events %s: %w", ticker, err)
	}
	events, err := scanDocs[model.ChangeEvent](rows)
	if err != nil {
		return nil, err
	}
	sortEvents(events)
	return events, nil
}

// EventKeys returns the keys of every logged event of a ticker
func (p *Postgres) EventKeys(ctx context.Context, ticker string) (map[string]bool, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT event_key FROM change_events WHERE ticker = $1`, ticker)
	if err != nil {
		return nil, fmt.Errorf("event keys %s: %w", ticker, err)
	}
	defer rows.Close()
	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// Checkpoint returns the last successful cycle of a ticker
func (p *Postgres) Checkpoint(ctx context.Context, ticker string) (Checkpoint, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM checkpoints WHERE ticker = $1`, ticker).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{Ticker: ticker}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", ticker, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// LatestBrief returns the brief of the last committed cycle
func (p *Postgres) LatestBrief(ctx context.Context, ticker string) (*model.Brief, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM briefs WHERE ticker = $1`, ticker).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("brief %s: %w", ticker, err)
	}
	var b model.Brief
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Tickers lists every ticker with a thesis or a checkpoint
func (p *Postgres) Tickers(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ticker FROM theses
		UNION
		SELECT ticker FROM checkpoints
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Commit writes every record of the cycle in one SQL transaction
func (p *Postgres) Commit(ctx context.Context, c Cycle) error {
	if err := validateCycle(c); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle %s: %w", c.ID, err)
	}
	if err := commitTx(ctx, tx, c); err != nil {
		tx.Rollback()
		return fmt.Errorf("commit cycle %s for %s: %w", c.ID, c.Ticker, err)
	}
	return tx.Commit()
}

func commitTx(ctx context.Context, tx *sql.Tx, c Cycle) error {
	if c.Thesis != nil {
		var doc []byte
		err := tx.QueryRowContext(ctx, `SELECT doc FROM theses WHERE id = $1 FOR UPDATE`, c.Thesis.ID).Scan(&doc)
		switch {
		case err == nil:
			var stored model.Thesis
			if err := json.Unmarshal(doc, &stored); err != nil {
				return fmt.Errorf("thesis: %w", err)
			}
			if err := checkVersion(&stored, c); err != nil {
				return err
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("thesis: %w", err)
		}
		if err := upsertThesis(ctx, tx, c.Thesis); err != nil {
			return fmt.Errorf("thesis: %w", err)
		}
	}
	for i := range c.Observations {
		o := &c.Observations[i]
		doc, err := json.Marshal(o)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kpi_observations (id, ticker, kpi_id, doc)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
		`, o.ID, o.Ticker, o.KPIID, doc); err != nil {
			return fmt.Errorf("observation %s: %w", o.ID, err)
		}
	}
	for i := range c.Events {
		e := &c.Events[i]
		doc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO change_events (id, ticker, event_key, ts, doc)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.Ticker, e.Key, e.Timestamp, doc); err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
	}
	cp := Checkpoint{Ticker: c.Ticker, CycleID: c.ID, LastCheck: c.At}
	if c.Brief != nil {
		doc, err := json.Marshal(c.Brief)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO briefs (ticker, cycle_id, doc)
			VALUES ($1, $2, $3)
			ON CONFLICT (ticker) DO UPDATE SET cycle_id = EXCLUDED.cycle_id, doc = EXCLUDED.doc
		`, c.Ticker, c.ID, doc); err != nil {
			return fmt.Errorf("brief: %w", err)
		}
		for _, p := range c.Brief.Partial {
			cp.Partial = append(cp.Partial, p.Section)
		}
	}
	if c.KeepCheckpoint {
		return nil
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (ticker, cycle_id, last_check, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticker) DO UPDATE SET
			cycle_id = EXCLUDED.cycle_id,
			last_check = EXCLUDED.last_check,
			doc = EXCLUDED.doc
	`, c.Ticker, c.ID, c.At, doc)
	return err
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	return p.db.Close()
}

func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
