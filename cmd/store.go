package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-images/internal/store"
)

const defaultSQLitePath = "listing-images.db"

func storeTables() store.Tables {
	t := store.DefaultTables()
	if cfg.Store.ProvidersTable != "" {
		t.Providers = cfg.Store.ProvidersTable
	}
	if cfg.Store.ImagesTable != "" {
		t.Images = cfg.Store.ImagesTable
	}
	return t
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		st, err := store.NewSQLite(dsn, storeTables())
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, storeTables(), &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
