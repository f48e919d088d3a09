// Package mysql implements a workflow engine storage backend using MySQL.
//
// Claims are made with a single UPDATE ... LIMIT that stamps a random
// claim ID on due rows, so workers in separate processes never receive
// the same enrollment while its lease is outstanding.
package mysql

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStorage implements a storage.AllStorage using MySQL.
type MySQLStorage struct {
	db *sql.DB

	randMu sync.Mutex
	rand   *rand.Rand
}

type config struct {
	driver   string
	dsn      string
	db       *sql.DB
	maxConns int
}

// Option configures a MySQLStorage.
type Option func(*config)

// WithDSN sets the data source name.
// parseTime is always enabled on the DSN.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets the database/sql driver name. Defaults to "mysql".
// Ignored with WithDB.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB uses an already opened db.
// The connection must be opened with parseTime enabled.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithMaxOpenConns limits the number of open connections.
// Zero leaves the database/sql default (unlimited).
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxConns = n
	}
}

// enableParseTime returns dsn with parseTime set.
func enableParseTime(dsn string) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing dsn: %w", err)
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// New opens the storage and checks the connection.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	db := cfg.db
	if db == nil {
		dsn, err := enableParseTime(cfg.dsn)
		if err != nil {
			return nil, err
		}
		if db, err = sql.Open(cfg.driver, dsn); err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
	}
	if cfg.maxConns > 0 {
		db.SetMaxOpenConns(cfg.maxConns)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &MySQLStorage{
		db:   db,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// sqlNullString is NULL for the empty string.
func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// sqlNullTime is NULL for the zero time. Times are stored in UTC.
func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: !t.IsZero(), Time: t.UTC()}
}

// randHexString generates a prefixed string of hex-encoded random data.
func (s *MySQLStorage) randHexString(prefix string) string {
	p := make([]byte, 20)
	s.randMu.Lock()
	defer s.randMu.Unlock()
	s.rand.Read(p)
	return prefix + "." + hex.EncodeToString(p)
}

// isDuplicateKey reports whether err is a MySQL duplicate entry error.
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
