// Package store defines the persistence contract for channel records.
//
// A Store serializes all channel operations through Lock/Unlock, which also
// hold an OS-level advisory lock for file-backed backends so concurrent
// processes sharing a database cannot interleave channel updates.
// Transaction scopes atomicity only; it performs no locking of its own.
package store

import (
	"context"
	"errors"

	"github.com/21dotco/two1-python-sub000/statemachine"
)

var (
	// ErrNotFound is returned when no channel exists under the given URL.
	ErrNotFound = errors.New("channel not found")

	// ErrExists is returned when a channel already exists under the given
	// URL.
	ErrExists = errors.New("channel already exists")
)

// Row is the persisted form of a channel record, with all transactions
// serialized to hex.
type Row struct {
	URL             string  `badgerhold:"key"`
	State           string  `json:"state"`
	CreationTime    float64 `json:"creation_time"`
	DepositTx       string  `json:"deposit_tx"`
	RefundTx        string  `json:"refund_tx"`
	PaymentTx       string  `json:"payment_tx"`
	SpendTx         string  `json:"spend_tx"`
	SpendTxid       string  `json:"spend_txid"`
	MinOutputAmount int64   `json:"min_output_amount"`
}

// RowFromRecord serializes a channel record for persistence.
func RowFromRecord(rec *statemachine.Record) (*Row, error) {
	depositTx, err := statemachine.TxHex(rec.DepositTx)
	if err != nil {
		return nil, err
	}
	refundTx, err := statemachine.TxHex(rec.RefundTx)
	if err != nil {
		return nil, err
	}
	paymentTx, err := statemachine.TxHex(rec.PaymentTx)
	if err != nil {
		return nil, err
	}
	spendTx, err := statemachine.TxHex(rec.SpendTx)
	if err != nil {
		return nil, err
	}

	return &Row{
		URL:             rec.URL,
		State:           rec.State.String(),
		CreationTime:    rec.CreationTime,
		DepositTx:       depositTx,
		RefundTx:        refundTx,
		PaymentTx:       paymentTx,
		SpendTx:         spendTx,
		SpendTxid:       rec.SpendTxid,
		MinOutputAmount: rec.MinOutputAmount,
	}, nil
}

// Record deserializes the persisted row back into a channel record.
func (r *Row) Record() (*statemachine.Record, error) {
	state, err := statemachine.StateFromName(r.State)
	if err != nil {
		return nil, err
	}
	depositTx, err := statemachine.TxFromHex(r.DepositTx)
	if err != nil {
		return nil, err
	}
	refundTx, err := statemachine.TxFromHex(r.RefundTx)
	if err != nil {
		return nil, err
	}
	paymentTx, err := statemachine.TxFromHex(r.PaymentTx)
	if err != nil {
		return nil, err
	}
	spendTx, err := statemachine.TxFromHex(r.SpendTx)
	if err != nil {
		return nil, err
	}

	return &statemachine.Record{
		URL:             r.URL,
		State:           state,
		CreationTime:    r.CreationTime,
		DepositTx:       depositTx,
		RefundTx:        refundTx,
		PaymentTx:       paymentTx,
		SpendTx:         spendTx,
		SpendTxid:       r.SpendTxid,
		MinOutputAmount: r.MinOutputAmount,
	}, nil
}

// Tx is a transaction-scoped view of the channel table. Writes become
// visible only if the Transaction callback returns nil.
type Tx interface {
	// Create inserts a new channel row, failing with ErrExists if the URL is
	// already present.
	Create(row *Row) error

	// Read returns the channel row under the given URL, or ErrNotFound.
	Read(url string) (*Row, error)

	// Update overwrites an existing channel row, failing with ErrNotFound if
	// the URL is absent.
	Update(row *Row) error

	// List returns the URLs of all persisted channels.
	List() ([]string, error)
}

// Store persists channel records.
type Store interface {
	// Lock acquires the channel operation lock, blocking until it is
	// available.
	Lock() error

	// Unlock releases the channel operation lock.
	Unlock() error

	// Transaction runs fn atomically: every write made through the Tx is
	// committed if fn returns nil and rolled back otherwise.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the backing resources.
	Close() error
}
