// Package wallet defines the signing wallet contract consumed by the channel
// state machine.
package wallet

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/21dotco/two1-python-sub000/script"
)

// ErrInsufficientBalance is returned when the wallet cannot fund a deposit.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// Adapter builds and signs the channel transactions against a signing wallet.
type Adapter interface {
	// PublicKey returns the customer public key used in channel redeem
	// scripts.
	PublicKey(ctx context.Context) (*btcec.PublicKey, error)

	// CreateDepositTx builds a fully signed transaction funding the redeem
	// script's P2SH address with amount+fee satoshis, spending fee satoshis
	// as the mining fee. Returns ErrInsufficientBalance if the wallet cannot
	// cover it.
	CreateDepositTx(
		ctx context.Context, redeemScript *script.RedeemScript,
		amount, fee int64, useUnconfirmed bool,
	) (*wire.MsgTx, error)

	// CreateRefundTx builds the fully signed, customer-only refund
	// transaction spending the deposit's P2SH output back to the customer,
	// time-locked to expirationTime.
	CreateRefundTx(
		ctx context.Context, depositTx *wire.MsgTx,
		redeemScript *script.RedeemScript, expirationTime, fee int64,
	) (*wire.MsgTx, error)

	// CreatePaymentTx builds a half-signed payment transaction spending the
	// deposit's P2SH output into a merchant output of amount satoshis and a
	// customer change output.
	CreatePaymentTx(
		ctx context.Context, depositTx *wire.MsgTx,
		redeemScript *script.RedeemScript, amount, fee int64,
	) (*wire.MsgTx, error)

	// Sign signs an arbitrary message with the private key behind pubKey and
	// returns the DER-encoded signature.
	Sign(
		ctx context.Context, message []byte, pubKey *btcec.PublicKey,
	) ([]byte, error)

	// Broadcast publishes a signed transaction to the bitcoin network if it
	// is not already known to it.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}
