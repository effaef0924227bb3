package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// briefRecord keeps the latest brief per ticker
type briefRecord struct {
	Ticker string      `json:"ticker"`
	Brief  model.Brief `json:"brief"`
}

// Badger is the embedded default store
type Badger struct {
	store *badgerhold.Store
}

// OpenBadger opens (or creates) the database in dir
func OpenBadger(dir string) (*Badger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil
	// Figures hold *float64; gob would drop pointers to zero
	options.Encoder = json.Marshal
	options.Decoder = json.Unmarshal

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &Badger{store: store}, nil
}

// SaveThesis upserts a thesis
func (b *Badger) SaveThesis(_ context.Context, t *model.Thesis) error {
	if err := b.store.Upsert(t.ID, t); err != nil {
		return fmt.Errorf("save thesis %s: %w", t.ID, err)
	}
	return nil
}

// GetThesis loads a thesis by id
func (b *Badger) GetThesis(_ context.Context, id string) (*model.Thesis, error) {
	var t model.Thesis
	if err := b.store.Get(id, &t); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thesis %s: %w", id, err)
	}
	return &t, nil
}

// ListTheses returns theses for a ticker, or all of them when ticker is empty
func (b *Badger) ListTheses(_ context.Context, ticker string) ([]model.Thesis, error) {
	var list []model.Thesis
	var query *badgerhold.Query
	if ticker != "" {
		query = badgerhold.Where("Ticker").Eq(ticker)
	}
	if err := b.store.Find(&list, query); err != nil {
		return nil, fmt.Errorf("list theses: %w", err)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// Observations returns the KPI history of a ticker
func (b *Badger) Observations(_ context.Context, ticker string) ([]model.KPIObservation, error) {
	var list []model.KPIObservation
	if err := b.store.Find(&list, badgerhold.Where("Ticker").Eq(ticker)); err != nil {
		return nil, fmt.Errorf("observations %s: %w", ticker, err)
	}
	return list, nil
}

// Events returns logged events after since, newest first within severity
func (b *Badger) Events(_ context.Context, ticker string, since time.Time) ([]model.ChangeEvent, error) {
	var list []model.ChangeEvent
	if err := b.store.Find(&list, badgerhold.Where("Ticker").Eq(ticker)); err != nil {
		return nil, fmt.Errorf("events %s: %w", ticker, err)
	}
	out := list[:0]
	for _, e := range list {
		if since.IsZero() || e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

// EventKeys returns the keys of every logged event of a ticker
func (b *Badger) EventKeys(ctx context.Context, ticker string) (map[string]bool, error) {
	list, err := b.Events(ctx, ticker, time.Time{})
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(list))
	for _, e := range list {
		keys[e.Key] = true
	}
	return keys, nil
}

// Checkpoint returns the last successful cycle of a ticker
func (b *Badger) Checkpoint(_ context.Context, ticker string) (Checkpoint, error) {
	var cp Checkpoint
	if err := b.store.Get(ticker, &cp); err != nil {
		if err == badgerhold.ErrNotFound {
			return Checkpoint{Ticker: ticker}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", ticker, err)
	}
	return cp, nil
}

// LatestBrief returns the brief of the last committed cycle
func (b *Badger) LatestBrief(_ context.Context, ticker string) (*model.Brief, error) {
	var rec briefRecord
	if err := b.store.Get(ticker, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("brief %s: %w", ticker, err)
	}
	return &rec.Brief, nil
}

// Tickers lists every ticker with a thesis or a checkpoint
func (b *Badger) Tickers(_ context.Context) ([]string, error) {
	seen := map[string]bool{}
	var theses []model.Thesis
	if err := b.store.Find(&theses, nil); err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	for _, t := range theses {
		seen[t.Ticker] = true
	}
	var cps []Checkpoint
	if err := b.store.Find(&cps, nil); err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	for _, cp := range cps {
		seen[cp.Ticker] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Commit writes every record of the cycle in a single badger transaction.
// Events are append-only: an id already present is left untouched.
func (b *Badger) Commit(ctx context.Context, c Cycle) error {
	if err := validateCycle(c); err != nil {
		return err
	}
	err := b.store.Badger().Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Thesis != nil {
			var stored model.Thesis
			switch err := b.store.TxGet(txn, c.Thesis.ID, &stored); {
			case err == nil:
				if err := checkVersion(&stored, c); err != nil {
					return err
				}
			case err != badgerhold.ErrNotFound:
				return fmt.Errorf("thesis: %w", err)
			}
			if err := b.store.TxUpsert(txn, c.Thesis.ID, c.Thesis); err != nil {
				return fmt.Errorf("thesis: %w", err)
			}
		}
		for i := range c.Observations {
			o := &c.Observations[i]
			if err := b.store.TxUpsert(txn, o.ID, o); err != nil {
				return fmt.Errorf("observation %s: %w", o.ID, err)
			}
		}
		for i := range c.Events {
			e := &c.Events[i]
			if err := b.store.TxInsert(txn, e.ID, e); err != nil && err != badgerhold.ErrKeyExists {
				return fmt.Errorf("event %s: %w", e.ID, err)
			}
		}
		if c.Brief != nil {
			if err := b.store.TxUpsert(txn, c.Ticker, &briefRecord{Ticker: c.Ticker, Brief: *c.Brief}); err != nil {
				return fmt.Errorf("brief: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.KeepCheckpoint {
			return nil
		}
		cp := Checkpoint{Ticker: c.Ticker, CycleID: c.ID, LastCheck: c.At}
		if c.Brief != nil {
			for _, p := range c.Brief.Partial {
				cp.Partial = append(cp.Partial, p.Section)
			}
		}
		return b.store.TxUpsert(txn, c.Ticker, &cp)
	})
	if err != nil {
		return fmt.Errorf("commit cycle %s for %s: %w", c.ID, c.Ticker, err)
	}
	return nil
}

// Close closes the database
func (b *Badger) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

func sortEvents(events []model.ChangeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}
