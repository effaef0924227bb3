// Package thesis is the command surface over persisted thesis state:
// compile, lock, close, kill, evaluate, update and brief.
package thesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ppiankov/thesiswatch/internal/changes"
	"github.com/ppiankov/thesiswatch/internal/evaluate"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/store"
	"github.com/ppiankov/thesiswatch/internal/templates"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

var (
	ErrNotFound          = errors.New("thesis not found")
	ErrInvalidTransition = errors.New("invalid thesis transition")
	ErrInvalidInput      = errors.New("invalid input")
)

// Cycler runs a full fetch-and-evaluate cycle for a ticker
type Cycler interface {
	RunCycle(ctx context.Context, ticker string) error
}

// Service owns every mutation of persisted thesis state
type Service struct {
	store    store.Store
	registry *templates.Registry
	opts     evaluate.Options
	validate *validator.Validate
	cycler   Cycler
	locks    *worker.KeyedMutex
	now      func() time.Time
}

// NewService creates a thesis service
func NewService(s store.Store, registry *templates.Registry, opts evaluate.Options) *Service {
	return &Service{
		store:    s,
		registry: registry,
		opts:     opts,
		validate: validator.New(),
		locks:    worker.NewKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetCycler wires the pipeline used by Update
func (s *Service) SetCycler(c Cycler) {
	s.cycler = c
}

// Locks returns the per-ticker locks held by every thesis mutation.
// A pipeline writing the same theses must share them.
func (s *Service) Locks() *worker.KeyedMutex {
	return s.locks
}

// lockThesis loads a thesis, takes its ticker lock and reloads it so the
// caller sees the state no cycle can change underneath
func (s *Service) lockThesis(ctx context.Context, id string) (*model.Thesis, func(), error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.Lock(ctx, t.Ticker)
	if err != nil {
		return nil, nil, err
	}
	t, err = s.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return t, unlock, nil
}

// CompileInput is a narrative thesis to compile
type CompileInput struct {
	Ticker       string          `validate:"required,max=10"`
	Direction    model.Direction `validate:"required,oneof=long short"`
	Text         string          `validate:"required,min=10"`
	Sector       string          `validate:"omitempty,max=32"`
	Catalysts    []CatalystInput `validate:"dive"`
	KillCriteria []KillInput     `validate:"dive"`
}

// CatalystInput is a dated event declared with the thesis
type CatalystInput struct {
	Event        string   `validate:"required"`
	ExpectedDate string   `validate:"required"`
	Claims       []string // Claim ids tested; all claims when empty
}

// KillInput is a kill criterion declared by the holder
type KillInput struct {
	Description string
	Metric      string `validate:"required"`
	Operator    string `validate:"required"`
	Threshold   float64
	Duration    string `validate:"required"`
}

// LockInput moves a draft into monitoring
type LockInput struct {
	ID    string   `validate:"required"`
	Price *float64 `validate:"omitempty,gt=0"`
}

// CloseInput ends a thesis
type CloseInput struct {
	ID     string   `validate:"required"`
	Reason string   `validate:"required"`
	Price  *float64 `validate:"omitempty,gt=0"`
}

func (s *Service) check(in any) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Compile builds and saves a draft thesis
func (s *Service) Compile(ctx context.Context, in CompileInput) (*model.Thesis, error) {
	in.Ticker = strings.ToUpper(strings.TrimSpace(in.Ticker))
	in.Direction = model.Direction(strings.ToLower(string(in.Direction)))
	if err := s.check(in); err != nil {
		return nil, err
	}
	tmpl, err := s.registry.Resolve(in.Sector)
	if err != nil {
		return nil, err
	}
	t, err := Compile(in, tmpl, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveThesis(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get loads a thesis
func (s *Service) Get(ctx context.Context, id string) (*model.Thesis, error) {
	t, err := s.store.GetThesis(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// List returns theses for a ticker, or all theses when ticker is empty
func (s *Service) List(ctx context.Context, ticker string) ([]model.Thesis, error) {
	return s.store.ListTheses(ctx, strings.ToUpper(ticker))
}

// Lock moves a draft into monitoring and records the entry
func (s *Service) Lock(ctx context.Context, in LockInput) (*model.Thesis, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, in.ID, func(t *model.Thesis, now time.Time) error {
		if t.Status != model.ThesisDraft {
			return fmt.Errorf("%w: lock requires draft, thesis is %s", ErrInvalidTransition, t.Status)
		}
		t.Status = model.ThesisMonitoring
		t.LockedAt = &now
		t.EntryDate = &now
		if in.Price != nil {
			t.EntryPrice = model.Cited(*in.Price, model.Assumption("entry price", *in.Price))
		} else {
			t.EntryPrice = model.Null("entry price not declared")
		}
		return nil
	})
}

// Close ends a thesis with a reason
func (s *Service) Close(ctx context.Context, in CloseInput) (*model.Thesis, error) {
	return s.end(ctx, in, model.ThesisClosed)
}

// Kill ends a thesis because a kill criterion (or the holder) invalidated it
func (s *Service) Kill(ctx context.Context, in CloseInput) (*model.Thesis, error) {
	return s.end(ctx, in, model.ThesisKilled)
}

func (s *Service) end(ctx context.Context, in CloseInput, status model.ThesisStatus) (*model.Thesis, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, in.ID, func(t *model.Thesis, now time.Time) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: thesis is already %s", ErrInvalidTransition, t.Status)
		}
		t.Status = status
		t.CloseDate = &now
		t.CloseReason = in.Reason
		if in.Price != nil {
			t.ClosePrice = model.Cited(*in.Price, model.Assumption("close price", *in.Price))
		} else {
			t.ClosePrice = model.Null("close price not declared")
		}
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, id string, fn func(t *model.Thesis, now time.Time) error) (*model.Thesis, error) {
	t, unlock, err := s.lockThesis(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	now := s.now()
	if err := fn(t, now); err != nil {
		return nil, err
	}
	t.UpdatedAt = now
	if err := s.store.SaveThesis(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Evaluate recomputes claims and kill criteria from the stored KPI history
// and logs the resulting kill-criterion moves. It fetches nothing.
func (s *Service) Evaluate(ctx context.Context, id string) (*model.Thesis, []model.ChangeEvent, error) {
	prior, unlock, err := s.lockThesis(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	if prior.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: thesis is %s", ErrInvalidTransition, prior.Status)
	}
	obs, err := s.store.Observations(ctx, prior.Ticker)
	if err != nil {
		return nil, nil, err
	}
	seen, err := s.store.EventKeys(ctx, prior.Ticker)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	cycleID := uuid.NewString()
	current, errs := evaluate.Apply(*prior, model.GroupHistory(obs), evaluate.LatestReporting(obs), cycleID, s.opts)
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	changes.MarkOccurred(&current, now)
	evaluate.Stamp(&current, now)

	in := changes.Input{Ticker: prior.Ticker, Now: now, Prior: prior, Current: &current, Seen: seen}
	if prior.LockedAt != nil {
		in.Since = *prior.LockedAt
	}
	events := changes.Detect(in)

	err = s.store.Commit(ctx, store.Cycle{
		ID:             cycleID,
		Ticker:         prior.Ticker,
		At:             now,
		Thesis:         &current,
		ThesisVersion:  prior.UpdatedAt,
		Events:         events,
		KeepCheckpoint: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return &current, events, nil
}

// Update runs a cycle for ticker (when a cycler is wired) and returns the
// events logged after since
func (s *Service) Update(ctx context.Context, ticker string, since time.Time) ([]model.ChangeEvent, error) {
	ticker = strings.ToUpper(ticker)
	if s.cycler != nil {
		if err := s.cycler.RunCycle(ctx, ticker); err != nil {
			return nil, err
		}
	}
	return s.store.Events(ctx, ticker, since)
}

// Brief returns the brief of the last committed cycle for ticker
func (s *Service) Brief(ctx context.Context, ticker string) (*model.Brief, error) {
	b, err := s.store.LatestBrief(ctx, strings.ToUpper(ticker))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no brief for %s yet: run update first", ticker)
	}
	return b, err
}
