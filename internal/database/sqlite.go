package database

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrMissingDatabasePath is returned when no SQLite path is configured.
var ErrMissingDatabasePath = errors.New("database path is required")

// sqlitePragmas are applied to file-backed databases.
var sqlitePragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=foreign_keys(1)",
}

// schemaModels lists every table owned by the service.
func schemaModels() []any {
	return []any{&ledger.SubmissionRecord{}, &migrationRecord{}}
}

// sqliteDSN appends the connection pragmas to path. In-memory paths are left untouched
// because WAL does not apply to them.
func sqliteDSN(path string) string {
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + strings.Join(sqlitePragmas, "&")
}

// OpenSQLite opens the submission ledger database, creates its tables and applies
// pending data migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrMissingDatabasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("submission ledger ready", zap.String("path", path))
	return db, nil
}
