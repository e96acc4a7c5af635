// Package persistence wires database configuration into the connection pools
// used by the conversation store.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/confab/confab/internal/common/config"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/db"
	"github.com/confab/confab/internal/db/dialect"
)

// Provide opens the database configured in cfg and returns a read/write pool.
// The cleanup function must be called on shutdown.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case dialect.SQLite3:
		writerConn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writerConn.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(
			sqlx.NewDb(writerConn, dialect.SQLite3),
			sqlx.NewDb(readerConn, dialect.SQLite3),
		)
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Database.Driver),
				zap.String("db_path", cfg.Database.Path))
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the SQLite-recommended
			// way to maintain stats and is safe to call on every close.
			_, _ = writerConn.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case dialect.PGX:
		conn, err := db.OpenPostgres(cfg.Database.DSN(), 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		// pgx pools internally, so reads and writes share one *sqlx.DB.
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		pool := db.NewPool(sqlxDB, sqlxDB)
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Database.Driver),
				zap.String("db_host", cfg.Database.Host),
				zap.String("db_name", cfg.Database.DBName))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
