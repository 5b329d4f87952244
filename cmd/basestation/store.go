package main

import (
	"fmt"

	"github.com/banshee-data/basestation/internal/config"
	"github.com/banshee-data/basestation/internal/db"
	"github.com/banshee-data/basestation/internal/kvstore"
	"github.com/banshee-data/basestation/internal/station"
)

// backend is an open Store. sql is set for the SQLite backend only, which
// also serves the database admin routes and migrations.
type backend struct {
	station.Store
	sql   *db.DB
	close func() error
}

func (b *backend) Close() error { return b.close() }

func openBackend(cfg config.StorageConfig) (*backend, error) {
	switch cfg.Backend {
	case "sqlite":
		d, err := db.NewDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &backend{Store: d, sql: d, close: d.Close}, nil
	case "badger":
		kv, err := kvstore.Open(kvstore.DefaultConfig(cfg.Path))
		if err != nil {
			return nil, err
		}
		return &backend{Store: kv, close: kv.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
