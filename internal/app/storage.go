package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"canopy/api/internal/config"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
)

// Storage is the backend picked by CANOPY_STORAGE. DB is nil for bolt.
type Storage struct {
	Store Store
	DB    *sql.DB
	close func() error
}

func (s *Storage) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// Fallback returns the store-backed searcher for this backend: Postgres
// full text search, or an in-process fuzzy scan over bolt.
func (s *Storage) Fallback() search.Searcher {
	if s.DB != nil {
		return search.NewPgFTS(s.DB)
	}
	return search.NewFuzzy(s.Store)
}

// OpenStorage connects to the configured backend. Postgres migrations are
// applied when migrate is set.
func OpenStorage(ctx context.Context, cfg config.Config, migrate bool, log *logrus.Logger) (*Storage, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := store.ApplyMigrations(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		log.WithField("storage", cfg.Storage).Info("storage ready")
		return &Storage{Store: store.NewPostgresStore(db), DB: db, close: db.Close}, nil

	case config.StorageBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
			return nil, fmt.Errorf("create bolt dir: %w", err)
		}
		db, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"storage": cfg.Storage, "path": cfg.BoltPath}).Info("storage ready")
		return &Storage{Store: db, close: db.Close}, nil
	}
	return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}
