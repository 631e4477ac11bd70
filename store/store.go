// Package store is the broker's data-access layer. It wraps gorm over pure
// Go database drivers so builds stay CGO-free: the connection is opened as a
// plain *sql.DB (pgx for postgres, modernc for sqlite) and handed to the
// matching gorm dialector.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/linklabs/linkbroker/logger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidDriver is returned by Open for an unrecognized driver name.
var ErrInvalidDriver = errors.New("invalid database driver")

// Config selects and tunes the database connection.
type Config struct {
	Driver string `env:"DB_DRIVER,default:postgres"` // "postgres" or "sqlite"
	URL    string `env:"DB_URL"`                     // postgres DSN or sqlite file path

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default:25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default:5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default:30m"`
	ConnectTimeout  time.Duration `env:"DB_CONNECT_TIMEOUT,default:30s"`

	AutoMigrate bool `env:"DB_AUTO_MIGRATE,default:true"`
	Debug       bool `env:"DB_DEBUG,default:false"`
}

// Store provides all persistence operations for the broker.
type Store struct {
	db     *gorm.DB
	driver string
}

// Open connects to the configured database, retrying the initial ping with
// exponential backoff so the broker survives a database that comes up a few
// seconds after it does. Runs migrations when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var driverName, dsn string
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "postgres", "postgresql":
		driverName = "pgx"
		dsn = cfg.URL
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires DB_URL")
		}
	case "sqlite", "sqlite3":
		driverName = "sqlite"
		dsn = cfg.URL
		if dsn == "" {
			dsn = "file:linkbroker.db?cache=shared&mode=rwc"
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidDriver, cfg.Driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ping := func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			logger.Warnw("database not reachable yet, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	switch driverName {
	case "pgx":
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
	case "sqlite":
		dialector = sqlite.Dialector{Conn: sqlDB}
	}

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if cfg.Debug {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	gormDB, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	s := &Store{db: gormDB, driver: cfg.Driver}
	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// OpenTest opens an isolated in-memory sqlite store for tests.
func OpenTest(t interface {
	Helper()
	Fatalf(format string, args ...any)
	Name() string
}) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:      "sqlite",
		URL:         "file:" + sanitizeTestName(t.Name()) + "?mode=memory&cache=shared",
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return s
}

func sanitizeTestName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Migrate creates or updates the schema for all broker models.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Ping verifies database reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// WithConnectionLock runs fn in a transaction holding a cross-process
// advisory lock keyed on the connection id. On postgres this uses
// pg_advisory_xact_lock, released automatically at commit or rollback; on
// sqlite the single-writer transaction already serializes writers.
func (s *Store) WithConnectionLock(ctx context.Context, connectionID string, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.driver == "postgres" || s.driver == "postgresql" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", connectionID).Error; err != nil {
				return fmt.Errorf("failed to acquire connection lock: %w", err)
			}
		}
		return fn(tx)
	})
}

// notFound maps gorm's sentinel onto the store's.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
