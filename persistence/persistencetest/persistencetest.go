// Package persistencetest provides seeded in-memory databases for tests.
package persistencetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New returns a persister on a fresh in-memory sqlite database, seeded with types.DefaultRoleRegistry. The
// database is closed when the test ends.
func New(t testing.TB, maxRetries int) *persistence.GormPersist {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	p, err := persistence.NewGormPersisterFromDB(db, maxRetries)
	require.NoError(t, err)
	require.NoError(t, p.SeedReferenceData(context.Background(), types.DefaultRoleRegistry()))
	t.Cleanup(func() {
		_ = p.Close()
	})
	return p
}
