package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ppiankov/thesiswatch/internal/cache"
	"github.com/ppiankov/thesiswatch/internal/evaluate"
	"github.com/ppiankov/thesiswatch/internal/llm"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/pipeline"
	"github.com/ppiankov/thesiswatch/internal/provider"
	"github.com/ppiankov/thesiswatch/internal/store"
	"github.com/ppiankov/thesiswatch/internal/templates"
	"github.com/ppiankov/thesiswatch/internal/thesis"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

// app holds the components shared by the commands of one invocation
type app struct {
	cfg      model.Config
	store    store.Store
	registry *templates.Registry
	service  *thesis.Service
	pipeline *pipeline.Pipeline
	limiter  *worker.Limiter
}

// openApp loads config, templates and the store. With cycles set it also
// wires the providers, the extractor and the pipeline.
func openApp(cycles bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	registry, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		registry: registry,
		service:  thesis.NewService(st, registry, evaluate.OptionsFrom(cfg.Evaluation)),
		limiter:  worker.NewLimiter(cfg.SEC.RatePerSecond, 1),
	}
	if !cycles {
		return a, nil
	}

	var extractor llm.Extractor
	if cfg.LLM.Provider != "" {
		extractor, err = llm.New(llm.ConfigFrom(cfg.LLM))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("evidence extraction: %w", err)
		}
	}

	c := cache.New(cfg.Cache.Enabled, store.ExpandHome(cfg.Cache.Dir), cfg.Cache.TTL)
	a.pipeline = pipeline.New(pipeline.Options{
		Config: cfg,
		Filings: provider.NewEDGAR(provider.EDGAROptions{
			SEC:      cfg.SEC,
			Fetch:    cfg.Fetch,
			Cache:    c,
			CacheTTL: cfg.Cache.TTL,
			Limiter:  a.limiter,
		}),
		Quotes:    provider.NewYahoo(cfg.Fetch),
		Rates:     provider.NewTreasury(cfg.SEC, cfg.Fetch, c, cfg.Cache.TTL, a.limiter),
		Extractor: extractor,
		Store:     st,
		Registry:  registry,
		Locks:     a.service.Locks(),
	})
	a.service.SetCycler(a.pipeline)

	log.Debug().
		Str("store", cfg.Store.Driver).
		Str("extractor", cfg.LLM.Provider).
		Bool("cache", cfg.Cache.Enabled).
		Msg("pipeline wired")
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close store")
	}
}

// loadRegistry returns the built-in templates overlaid with --templates
func loadRegistry() (*templates.Registry, error) {
	if templatesFile == "" {
		return templates.Default(), nil
	}
	overrides, err := templates.LoadFile(templatesFile)
	if err != nil {
		return nil, err
	}
	registry := templates.Default()
	if err := registry.Reload(templates.Merge(templates.Builtin(), overrides)...); err != nil {
		return nil, fmt.Errorf("templates %s: %w", templatesFile, err)
	}
	log.Info().Str("file", templatesFile).Int("overrides", len(overrides)).Msg("sector templates loaded")
	return registry, nil
}
