// Package inmemorystore keeps channel records in memory, mainly for tests.
package inmemorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/21dotco/two1-python-sub000/store"
)

type inmemoryStore struct {
	mu   sync.Mutex
	rows map[string]store.Row
}

// New returns an empty in-memory channel store.
func New() store.Store {
	return &inmemoryStore{rows: make(map[string]store.Row)}
}

func (s *inmemoryStore) Lock() error {
	s.mu.Lock()
	return nil
}

func (s *inmemoryStore) Unlock() error {
	s.mu.Unlock()
	return nil
}

// Transaction stages writes on a copy of the table and swaps it in only when
// fn succeeds.
func (s *inmemoryStore) Transaction(
	_ context.Context, fn func(tx store.Tx) error,
) error {
	staged := make(map[string]store.Row, len(s.rows))
	for url, row := range s.rows {
		staged[url] = row
	}

	if err := fn(&inmemoryTx{rows: staged}); err != nil {
		return err
	}

	s.rows = staged
	return nil
}

func (s *inmemoryStore) Close() error {
	return nil
}

type inmemoryTx struct {
	rows map[string]store.Row
}

func (t *inmemoryTx) Create(row *store.Row) error {
	if _, ok := t.rows[row.URL]; ok {
		return fmt.Errorf("%w: %s", store.ErrExists, row.URL)
	}
	t.rows[row.URL] = *row
	return nil
}

func (t *inmemoryTx) Read(url string) (*store.Row, error) {
	row, ok := t.rows[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, url)
	}
	return &row, nil
}

func (t *inmemoryTx) Update(row *store.Row) error {
	if _, ok := t.rows[row.URL]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, row.URL)
	}
	t.rows[row.URL] = *row
	return nil
}

func (t *inmemoryTx) List() ([]string, error) {
	urls := make([]string, 0, len(t.rows))
	for url := range t.rows {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls, nil
}
