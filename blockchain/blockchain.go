// Package blockchain defines the blockchain oracle contract the channel
// lifecycle depends on, normalized across interchangeable HTTP backends.
package blockchain

import (
	"context"
	"errors"
)

var (
	// ErrOutputIndexOutOfRange is returned by LookupSpendTxid when the
	// requested output index does not exist on the transaction.
	ErrOutputIndexOutOfRange = errors.New("output index out of range")
)

// Oracle is a read/broadcast view of the bitcoin network.
//
// All txids are hex-encoded in RPC byte order, all raw transactions
// hex-encoded.
type Oracle interface {
	// CheckConfirmed reports whether txid has at least numConfirmations
	// confirmations. An unknown transaction is simply unconfirmed, not an
	// error.
	CheckConfirmed(ctx context.Context, txid string, numConfirmations int) (bool, error)

	// LookupSpendTxid returns the txid of the transaction spending the given
	// output, or "" if it is unspent or the transaction is unknown.
	LookupSpendTxid(ctx context.Context, txid string, outputIndex uint32) (string, error)

	// LookupTx returns the raw transaction, or "" if unknown.
	LookupTx(ctx context.Context, txid string) (string, error)

	// Broadcast publishes a raw transaction and returns its txid.
	// Broadcasting an already-known transaction returns its existing txid
	// rather than erroring.
	Broadcast(ctx context.Context, rawTx string) (string, error)
}

// UtxoStatus is the confirmation status of an unspent output.
type UtxoStatus struct {
	Confirmed bool  `json:"confirmed"`
	Blocktime int64 `json:"block_time"`
}

// Utxo is an unspent output of an address.
type Utxo struct {
	Txid   string     `json:"txid"`
	Vout   uint32     `json:"vout"`
	Value  int64      `json:"value"`
	Status UtxoStatus `json:"status"`
}

// UtxoLister lists the unspent outputs of an address. It is a funding-side
// extension implemented by backends that index addresses (esplora); the
// channel protocol itself only needs Oracle.
type UtxoLister interface {
	GetUtxos(ctx context.Context, addr string) ([]Utxo, error)
}
