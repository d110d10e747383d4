// Package kvstore persists channel records in a badger key-value database.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
	"golang.org/x/sys/unix"

	"github.com/21dotco/two1-python-sub000/store"
)

const (
	channelStoreDir = "channels"
	lockFile        = "channels.lock"
)

type kvStore struct {
	db *badgerhold.Store

	mu       sync.Mutex
	lockPath string
	lockFd   int
}

// New opens a badger-backed channel store under baseDir. An empty baseDir
// opens an in-memory database.
func New(baseDir string, logger badger.Logger) (store.Store, error) {
	inMemory := len(baseDir) <= 0

	var dbDir, lockPath string
	if !inMemory {
		dbDir = filepath.Join(baseDir, channelStoreDir)
		lockPath = filepath.Join(baseDir, lockFile)
	}

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger
	if inMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder: badgerhold.DefaultEncode,
		Decoder: badgerhold.DefaultDecode,
		Options: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open channel store: %w", err)
	}

	return &kvStore{db: db, lockPath: lockPath, lockFd: -1}, nil
}

func (s *kvStore) Lock() error {
	s.mu.Lock()

	if s.lockPath == "" {
		return nil
	}
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

func (s *kvStore) Unlock() error {
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

func (s *kvStore) Transaction(
	_ context.Context, fn func(tx store.Tx) error,
) error {
	txn := s.db.Badger().NewTransaction(true)
	defer txn.Discard()

	if err := fn(&kvTx{db: s.db, txn: txn}); err != nil {
		return err
	}

	return txn.Commit()
}

func (s *kvStore) Close() error {
	return s.db.Close()
}

type kvTx struct {
	db  *badgerhold.Store
	txn *badger.Txn
}

func (t *kvTx) Create(row *store.Row) error {
	if err := t.db.TxInsert(t.txn, row.URL, row); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: %s", store.ErrExists, row.URL)
		}
		return err
	}
	return nil
}

func (t *kvTx) Read(url string) (*store.Row, error) {
	row := &store.Row{}
	if err := t.db.TxGet(t.txn, url, row); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, url)
		}
		return nil, err
	}
	return row, nil
}

func (t *kvTx) Update(row *store.Row) error {
	if err := t.db.TxUpdate(t.txn, row.URL, row); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", store.ErrNotFound, row.URL)
		}
		return err
	}
	return nil
}

func (t *kvTx) List() ([]string, error) {
	var rows []store.Row
	if err := t.db.TxFind(t.txn, &rows, nil); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(rows))
	for _, row := range rows {
		urls = append(urls, row.URL)
	}
	return urls, nil
}
