// Package store persists theses, KPI history, the change event log and
// cycle checkpoints. Every write of an evaluation cycle goes through Commit,
// which applies all records of the cycle in one transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by Commit when the stored thesis moved on
	// after the cycle loaded it
	ErrConflict = errors.New("thesis changed during cycle")
)

// Cycle is everything one evaluation cycle derived for a ticker.
// It is committed as a unit or not at all.
type Cycle struct {
	ID           string
	Ticker       string
	At           time.Time
	Thesis       *model.Thesis // nil when the ticker has no active thesis

	// ThesisVersion is the UpdatedAt of the thesis the cycle started from.
	// Commit refuses to overwrite a thesis that no longer carries it.
	ThesisVersion time.Time
	Observations []model.KPIObservation
	Events       []model.ChangeEvent
	Brief        *model.Brief

	// KeepCheckpoint leaves the fetch checkpoint untouched; set by
	// evaluation-only cycles that fetched nothing new
	KeepCheckpoint bool
}

// Checkpoint records the last successful cycle of a ticker
type Checkpoint struct {
	Ticker    string    `json:"ticker"`
	CycleID   string    `json:"cycle_id"`
	LastCheck time.Time `json:"last_check"`
	Partial   []string  `json:"partial,omitempty"`
}

// Store is the persistence contract shared by the badger and postgres backends
type Store interface {
	SaveThesis(ctx context.Context, t *model.Thesis) error
	GetThesis(ctx context.Context, id string) (*model.Thesis, error)
	ListTheses(ctx context.Context, ticker string) ([]model.Thesis, error)

	Observations(ctx context.Context, ticker string) ([]model.KPIObservation, error)
	Events(ctx context.Context, ticker string, since time.Time) ([]model.ChangeEvent, error)
	EventKeys(ctx context.Context, ticker string) (map[string]bool, error)
	Checkpoint(ctx context.Context, ticker string) (Checkpoint, error)
	LatestBrief(ctx context.Context, ticker string) (*model.Brief, error)
	Tickers(ctx context.Context) ([]string, error)

	Commit(ctx context.Context, c Cycle) error
	Close() error
}

// Open returns the backend selected by cfg
func Open(cfg model.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "badger":
		return OpenBadger(ExpandHome(cfg.Path))
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("THESISWATCH_POSTGRES_DSN")
		}
		if dsn == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ActiveThesis returns the monitoring (or draft) thesis of a ticker,
// preferring the most recently updated monitoring one
func ActiveThesis(ctx context.Context, s Store, ticker string) (*model.Thesis, error) {
	list, err := s.ListTheses(ctx, ticker)
	if err != nil {
		return nil, err
	}
	var best *model.Thesis
	for i := range list {
		t := &list[i]
		if t.Status.Terminal() {
			continue
		}
		switch {
		case best == nil:
			best = t
		case t.Status == model.ThesisMonitoring && best.Status != model.ThesisMonitoring:
			best = t
		case t.Status == best.Status && t.UpdatedAt.After(best.UpdatedAt):
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ExpandHome resolves a leading "~/"
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// checkVersion rejects a cycle whose thesis was ended or rewritten after
// the cycle read it; stored is nil for a thesis not yet persisted
func checkVersion(stored *model.Thesis, c Cycle) error {
	if stored == nil {
		return nil
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrConflict, stored.ID, stored.Status)
	}
	if !c.ThesisVersion.IsZero() && !stored.UpdatedAt.Equal(c.ThesisVersion) {
		return fmt.Errorf("%w: %s updated at %s", ErrConflict, stored.ID, stored.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func validateCycle(c Cycle) error {
	if c.Ticker == "" {
		return errors.New("cycle ticker must not be empty")
	}
	if c.ID == "" {
		return errors.New("cycle id must not be empty")
	}
	for i := range c.Events {
		if c.Events[i].Ticker != c.Ticker {
			return fmt.Errorf("event %s belongs to %s, not %s", c.Events[i].ID, c.Events[i].Ticker, c.Ticker)
		}
	}
	return nil
}
