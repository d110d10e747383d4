// Package sqlitestore persists channel records in a sqlite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"github.com/21dotco/two1-python-sub000/store"
)

const (
	sqliteDbFile = "channels.sqlite.db"
	lockFile     = "channels.lock"
	driverName   = "sqlite"
)

//go:embed migration/*
var migrations embed.FS

type sqliteStore struct {
	db *sql.DB

	mu       sync.Mutex
	lockPath string
	lockFd   int
}

// New opens (creating if needed) the channel database under baseDir and
// applies pending schema migrations.
func New(baseDir string) (store.Store, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, filepath.Join(baseDir, sqliteDbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{
		db:       db,
		lockPath: filepath.Join(baseDir, lockFile),
		lockFd:   -1,
	}, nil
}

func applyMigrations(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}

	source, err := httpfs.New(http.FS(migrations), "migration")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("httpfs", source, "channels.db", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Lock serializes channel operations within the process and, through an
// advisory file lock, across processes sharing the database.
func (s *sqliteStore) Lock() error {
	s.mu.Lock()

	fd, err := unix.Open(s.lockPath, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		s.mu.Unlock()
		return fmt.Errorf("acquire file lock: %w", err)
	}

	s.lockFd = fd
	return nil
}

func (s *sqliteStore) Unlock() error {
	if s.lockFd >= 0 {
		if err := unix.Flock(s.lockFd, unix.LOCK_UN); err != nil {
			log.Warnf("failed to release file lock: %v", err)
		}
		unix.Close(s.lockFd)
		s.lockFd = -1
	}
	s.mu.Unlock()
	return nil
}

func (s *sqliteStore) Transaction(
	ctx context.Context, fn func(tx store.Tx) error,
) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Warnf("failed to roll back transaction: %v", rbErr)
		}
		return err
	}

	return sqlTx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Create(row *store.Row) error {
	res, err := t.tx.Exec(
		`INSERT INTO channels (
			url, state, creation_time, deposit_tx, refund_tx,
			payment_tx, spend_tx, spend_txid, min_output_amount
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO NOTHING`,
		row.URL, row.State, row.CreationTime, row.DepositTx, row.RefundTx,
		row.PaymentTx, row.SpendTx, row.SpendTxid, row.MinOutputAmount,
	)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", store.ErrExists, row.URL)
	}
	return nil
}

func (t *sqliteTx) Read(url string) (*store.Row, error) {
	row := &store.Row{}
	err := t.tx.QueryRow(
		`SELECT url, state, creation_time, deposit_tx, refund_tx,
			payment_tx, spend_tx, spend_txid, min_output_amount
		FROM channels WHERE url = ?`, url,
	).Scan(
		&row.URL, &row.State, &row.CreationTime, &row.DepositTx, &row.RefundTx,
		&row.PaymentTx, &row.SpendTx, &row.SpendTxid, &row.MinOutputAmount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, url)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (t *sqliteTx) Update(row *store.Row) error {
	res, err := t.tx.Exec(
		`UPDATE channels SET
			state = ?, creation_time = ?, deposit_tx = ?, refund_tx = ?,
			payment_tx = ?, spend_tx = ?, spend_txid = ?, min_output_amount = ?
		WHERE url = ?`,
		row.State, row.CreationTime, row.DepositTx, row.RefundTx,
		row.PaymentTx, row.SpendTx, row.SpendTxid, row.MinOutputAmount,
		row.URL,
	)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, row.URL)
	}
	return nil
}

func (t *sqliteTx) List() ([]string, error) {
	rows, err := t.tx.Query(`SELECT url FROM channels ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}
