package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
	"github.com/safeschool/edge/internal/queue"
	"github.com/safeschool/edge/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the binary owns. Cloud and gateway processes share
// one schema; each only writes the tables it uses.
func Models() []any {
	return []any{
		&queue.Operation{},
		&records.StoredRecord{},
		&records.Cursor{},
		&gateways.Gateway{},
		&gateways.SiteDevice{},
		&gateways.FailoverEvent{},
		&commands.DoorCommand{},
		&migrationRecord{},
	}
}

// Gateways write from several loops; WAL plus a busy timeout keeps readers
// off the writer's path.
var sqlitePragmas = []string{"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)"}

func withPragmas(path string) string {
	if strings.Contains(path, "_pragma=") || strings.HasPrefix(path, ":memory:") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	params := make([]string, len(sqlitePragmas))
	for index, pragma := range sqlitePragmas {
		params[index] = "_pragma=" + pragma
	}
	return path + separator + strings.Join(params, "&")
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
