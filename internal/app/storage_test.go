package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"canopy/api/internal/config"
	"canopy/api/internal/logging"
	"canopy/api/internal/search"
)

func TestOpenStorageBoltCreatesDirectory(t *testing.T) {
	cfg := testConfig()
	cfg.Storage = config.StorageBolt
	cfg.BoltPath = filepath.Join(t.TempDir(), "nested", "data", "canopy.db")

	storage, err := OpenStorage(context.Background(), cfg, true, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	require.Nil(t, storage.DB)
	require.IsType(t, &search.Fuzzy{}, storage.Fallback())

	svc := New(cfg, Deps{Store: storage.Store, PasswordCost: bcrypt.MinCost})
	_, err = svc.SignUp(context.Background(), "first@example.com", "correct-horse", "First")
	require.NoError(t, err)
}

func TestOpenStorageRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Storage = "sqlite"

	_, err := OpenStorage(context.Background(), cfg, false, logging.Discard())
	require.ErrorContains(t, err, `unknown storage "sqlite"`)
}

func TestStorageCloseIsNilSafe(t *testing.T) {
	var storage *Storage
	require.NoError(t, storage.Close())
}
