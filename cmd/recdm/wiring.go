package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dotsetgreg/recdm/pkg/config"
	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/dialogue"
	"github.com/dotsetgreg/recdm/pkg/logger"
	"github.com/dotsetgreg/recdm/pkg/resolver"
	"github.com/dotsetgreg/recdm/pkg/sessionstore"
)

//go:embed catalog/demo.json
var demoCatalog []byte

// app is the dialogue stack assembled from one config.
type app struct {
	cfg     *config.Config
	catalog *resolver.MemoryCatalog
	adapter *resolver.Adapter
	engine  *dialogue.Engine
	store   sessionstore.Store
	manager *dialogue.Manager
}

func getConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return config.DefaultPath()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func initLogging(cfg *config.Config, debug bool) {
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logger.Init(logger.Config{Level: level, Format: cfg.Log.Format, Output: os.Stderr})
}

func dialogueOptions(cfg *config.Config) (dialogue.Options, error) {
	d := cfg.Dialogue
	opts := dialogue.Options{
		RelaxationCap:       d.RelaxationCap,
		ClarifyThreshold:    d.ClarifyThreshold,
		PresentLimit:        d.PresentLimit,
		ResolveLimit:        d.ResolveLimit,
		MaxRepeats:          d.MaxRepeats,
		MaxResolverFailures: d.MaxResolverFailures,
		RelaxStrategy:       constraints.ParseStrategy(d.RelaxStrategy),
		ConfirmBeforeClose:  d.ConfirmBeforeClose,
		MaxHints:            d.MaxHints,
	}
	var err error
	if opts.MultiValued, err = parseAttributes(d.MultiValued); err != nil {
		return dialogue.Options{}, fmt.Errorf("multi_valued: %w", err)
	}
	if opts.ElicitOrder, err = parseAttributes(d.ElicitOrder); err != nil {
		return dialogue.Options{}, fmt.Errorf("elicit_order: %w", err)
	}
	return opts, nil
}

func parseAttributes(raw []string) ([]constraints.Attribute, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]constraints.Attribute, 0, len(raw))
	for _, r := range raw {
		a, err := constraints.ParseAttribute(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func loadCatalog(cfg *config.Config) (*resolver.MemoryCatalog, error) {
	if path := cfg.CatalogPath(); path != "" {
		return resolver.LoadCatalog(path)
	}
	return resolver.ParseCatalog(demoCatalog)
}

func openStore(cfg *config.Config) (sessionstore.Store, error) {
	if cfg.Store.Driver == "memory" {
		return sessionstore.NewMemoryStore(), nil
	}
	return sessionstore.NewSQLiteStore(cfg.StorePath())
}

func newApp(cfg *config.Config) (*app, error) {
	opts, err := dialogueOptions(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	adapter := resolver.NewAdapter(catalog, resolver.AdapterConfig{
		Name:            "catalog",
		Timeout:         cfg.ResolverTimeout(),
		CacheSize:       cfg.Resolver.CacheSize,
		CacheTTL:        time.Duration(cfg.Resolver.CacheTTLSeconds) * time.Second,
		BreakerFailures: uint32(cfg.Resolver.BreakerFailures),
		BreakerCooldown: time.Duration(cfg.Resolver.BreakerCooldownSeconds) * time.Second,
	})
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	opts.Preferences = &sessionstore.PreferenceModel{Store: store, Matcher: catalog}
	engine := dialogue.NewEngine(adapter, opts)
	a := &app{
		cfg:     cfg,
		catalog: catalog,
		adapter: adapter,
		engine:  engine,
		store:   store,
		manager: dialogue.NewManager(engine, store, dialogue.ManagerConfig{ConflictRetries: cfg.Dialogue.ConflictRetries}),
	}
	logger.InfoCF("recdm", "Dialogue stack ready", map[string]interface{}{
		"catalog_items": catalog.Len(),
		"store":         cfg.Store.Driver,
		"relax":         string(opts.RelaxStrategy),
	})
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
