package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/adapter"
	"github.com/tracelight/marketscan/internal/adapter/gridbay"
	"github.com/tracelight/marketscan/internal/adapter/lokalmart"
	"github.com/tracelight/marketscan/internal/adapter/souqplaza"
	"github.com/tracelight/marketscan/internal/keyword"
	"github.com/tracelight/marketscan/internal/scan"
	"github.com/tracelight/marketscan/internal/store"
)

// initStore opens the configured store backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// buildOrchestrator wires the registry, keyword source, shared client, and
// store into a scan orchestrator. The caller owns closing client and store.
func buildOrchestrator(st store.Store) (*scan.Orchestrator, *adapter.Client, error) {
	registry, err := adapter.NewRegistry(
		gridbay.New(cfg.Platforms.GridbayURL),
		lokalmart.New(cfg.Platforms.LokalmartURL),
		souqplaza.New(cfg.Platforms.SouqplazaURL),
	)
	if err != nil {
		return nil, nil, eris.Wrap(err, "build registry")
	}

	source, err := keyword.LoadFile(cfg.Keywords.File, cfg.Keywords.Window)
	if err != nil {
		return nil, nil, eris.Wrap(err, "load keywords")
	}

	client := adapter.NewClient(adapter.ClientConfig{
		MaxConns:       cfg.Client.MaxConns,
		RequestsPerSec: cfg.Client.RequestsPerSec,
		UserAgent:      cfg.Client.UserAgent,
		BrowserProxy:   cfg.Client.BrowserProxy,
	})

	return scan.NewOrchestrator(cfg.Scan, registry, source, client, st), client, nil
}
