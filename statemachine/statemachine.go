// Package statemachine implements the pure transition logic of a single
// payment channel over its persisted record.
//
// A Machine is constructed fresh from a Record at the start of every
// operation and discarded after the record is persisted; it is never shared
// across goroutines. Every operation first asserts the required current state
// and returns ErrStateTransition without mutating anything otherwise.
package statemachine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/21dotco/two1-python-sub000/script"
	"github.com/21dotco/two1-python-sub000/wallet"
)

// MinOutputAmount is the minimum payment transaction output, above the
// network dust limit. Applied as a floor to the first payment of a channel.
const MinOutputAmount = 3000

var (
	// ErrStateTransition is returned when an operation is invoked in a state
	// it is not valid in.
	ErrStateTransition = errors.New("invalid channel state transition")

	// ErrInsufficientBalance is returned when a payment exceeds the channel
	// balance or the wallet cannot fund the deposit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransaction is returned when a settlement transaction fails
	// validation.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Machine drives one channel's state transitions and builds the transactions
// each transition requires.
type Machine struct {
	record *Record
	wallet wallet.Adapter
	clock  clock.Clock

	// Pending payment, held between READY and OUTSTANDING.
	pendingPaymentTx *wire.MsgTx
	pendingAmount    int64
}

// New returns a state machine over the given record.
func New(record *Record, w wallet.Adapter, c clock.Clock) *Machine {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &Machine{record: record, wallet: w, clock: c}
}

// Create opens a new channel: it builds the redeem script, the signed deposit
// transaction and the time-locked refund transaction, then transitions from
// OPENING to CONFIRMING_DEPOSIT, or straight to READY when zeroconf is
// requested.
//
// It returns the serialized deposit transaction and redeem script for the
// server handshake.
func (m *Machine) Create(
	ctx context.Context, merchantPubKey string,
	depositAmount, expirationTime, feeAmount int64,
	zeroconf, useUnconfirmed bool,
) (string, string, error) {
	if m.record.State != StateOpening {
		return "", "", fmt.Errorf("%w: channel state is not OPENING", ErrStateTransition)
	}

	if depositAmount <= 0 {
		return "", "", fmt.Errorf("deposit amount must be positive")
	}
	if feeAmount <= 0 {
		return "", "", fmt.Errorf("fee amount must be positive")
	}
	if expirationTime <= 0 {
		return "", "", fmt.Errorf("expiration time must be positive")
	}

	merchantKeyBytes, err := hex.DecodeString(merchantPubKey)
	if err != nil {
		return "", "", fmt.Errorf("decode merchant public key: %w", err)
	}
	merchantKey, err := btcec.ParsePubKey(merchantKeyBytes)
	if err != nil {
		return "", "", fmt.Errorf("parse merchant public key: %w", err)
	}

	customerKey, err := m.wallet.PublicKey(ctx)
	if err != nil {
		return "", "", err
	}

	redeemScript := script.New(merchantKey, customerKey, expirationTime)

	depositTx, err := m.wallet.CreateDepositTx(
		ctx, redeemScript, depositAmount+MinOutputAmount, feeAmount, useUnconfirmed,
	)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			return "", "", fmt.Errorf("%w: %s", ErrInsufficientBalance, err)
		}
		return "", "", fmt.Errorf("build deposit tx: %w", err)
	}

	refundTx, err := m.wallet.CreateRefundTx(
		ctx, depositTx, redeemScript, expirationTime, feeAmount,
	)
	if err != nil {
		return "", "", fmt.Errorf("build refund tx: %w", err)
	}

	m.record.CreationTime = float64(m.clock.Now().UnixNano()) / 1e9
	m.record.DepositTx = depositTx
	m.record.RefundTx = refundTx
	m.record.MinOutputAmount = MinOutputAmount
	if zeroconf {
		m.record.State = StateReady
	} else {
		m.record.State = StateConfirmingDeposit
	}

	depositTxHex, err := TxHex(depositTx)
	if err != nil {
		return "", "", err
	}
	redeemScriptRaw, err := redeemScript.Script()
	if err != nil {
		return "", "", err
	}

	return depositTxHex, hex.EncodeToString(redeemScriptRaw), nil
}

// Confirm transitions from CONFIRMING_DEPOSIT to READY once the deposit is
// confirmed on-chain.
func (m *Machine) Confirm() error {
	if m.record.State != StateConfirmingDeposit {
		return fmt.Errorf(
			"%w: channel state is not CONFIRMING_DEPOSIT", ErrStateTransition,
		)
	}
	m.record.State = StateReady
	return nil
}

// Pay builds a half-signed payment of amount satoshis, holds it as pending
// and transitions from READY to OUTSTANDING. The first payment of a channel
// is floored to the min output amount so the merchant output clears the dust
// limit.
//
// Returns the serialized half-signed payment transaction.
func (m *Machine) Pay(ctx context.Context, amount int64) (string, error) {
	if m.record.State != StateReady {
		return "", fmt.Errorf("%w: channel not ready", ErrStateTransition)
	}

	if amount < 0 {
		return "", fmt.Errorf("amount must not be negative")
	}
	balance, err := m.BalanceAmount()
	if err != nil {
		return "", err
	}
	if amount > balance {
		return "", fmt.Errorf(
			"%w: requested amount %d, remaining balance %d",
			ErrInsufficientBalance, amount, balance,
		)
	}

	if m.record.PaymentTx == nil && amount < m.record.MinOutputAmount {
		amount = m.record.MinOutputAmount
	}

	depositAmount := m.DepositAmount()
	feeAmount, err := m.FeeAmount()
	if err != nil {
		return "", err
	}
	redeemScript, err := m.redeemScript()
	if err != nil {
		return "", err
	}

	paymentTx, err := m.wallet.CreatePaymentTx(
		ctx, m.record.DepositTx, redeemScript,
		depositAmount-balance+amount, feeAmount,
	)
	if err != nil {
		return "", fmt.Errorf("build payment tx: %w", err)
	}

	m.pendingPaymentTx = paymentTx
	m.pendingAmount = amount
	m.record.State = StateOutstanding

	return TxHex(paymentTx)
}

// PayAck commits the pending payment as the channel's payment transaction,
// durably reducing the balance, and transitions from OUTSTANDING to READY.
func (m *Machine) PayAck() error {
	if m.record.State != StateOutstanding {
		return fmt.Errorf("%w: no payment outstanding", ErrStateTransition)
	}

	m.record.PaymentTx = m.pendingPaymentTx
	m.pendingPaymentTx = nil
	m.pendingAmount = 0
	m.record.State = StateReady
	return nil
}

// PayNack discards the pending payment, leaving the balance unchanged, and
// transitions from OUTSTANDING to READY.
func (m *Machine) PayNack() error {
	if m.record.State != StateOutstanding {
		return fmt.Errorf("%w: no payment outstanding", ErrStateTransition)
	}

	m.pendingPaymentTx = nil
	m.pendingAmount = 0
	m.record.State = StateReady
	return nil
}

// Close transitions any open state to CONFIRMING_SPEND, recording an
// optional externally observed spend txid ("" for none).
func (m *Machine) Close(spendTxid string) error {
	if m.record.State == StateClosed {
		return fmt.Errorf("%w: channel already closed", ErrStateTransition)
	}
	if m.record.State == StateOpening {
		return fmt.Errorf("%w: channel not open", ErrStateTransition)
	}

	m.record.SpendTxid = spendTxid
	m.record.State = StateConfirmingSpend
	return nil
}

// Finalize commits the confirmed spending transaction of the channel so the
// final balance can be ascertained, transitioning to CLOSED. It is valid in
// any non-OPENING state and idempotent once CLOSED.
//
// The spend must have exactly one input referencing the deposit outpoint,
// exactly one output paying the customer key hash, and an input script that
// satisfies the deposit's P2SH output; otherwise ErrInvalidTransaction is
// returned and the record is left untouched.
func (m *Machine) Finalize(spendTxHex string) error {
	if m.record.State == StateOpening {
		return fmt.Errorf("%w: channel not open", ErrStateTransition)
	}

	spendTx, err := TxFromHex(spendTxHex)
	if err != nil || spendTx == nil {
		return fmt.Errorf("%w: malformed spend tx", ErrInvalidTransaction)
	}

	if len(spendTx.TxIn) != 1 {
		return fmt.Errorf("%w: wrong number of inputs", ErrInvalidTransaction)
	}
	if spendTx.TxIn[0].PreviousOutPoint.Hash.String() != m.DepositTxid() {
		return fmt.Errorf(
			"%w: input does not spend the deposit", ErrInvalidTransaction,
		)
	}

	redeemScript, err := m.redeemScript()
	if err != nil {
		return err
	}
	customerPkScript, err := script.PayToPubKeyHash(
		btcutil.Hash160(redeemScript.CustomerPubKey.SerializeCompressed()),
	)
	if err != nil {
		return err
	}
	customerOutputs := 0
	for _, out := range spendTx.TxOut {
		if bytes.Equal(out.PkScript, customerPkScript) {
			customerOutputs++
		}
	}
	if customerOutputs != 1 {
		return fmt.Errorf(
			"%w: missing or duplicate customer output", ErrInvalidTransaction,
		)
	}

	utxoIndex, err := m.DepositUtxoIndex()
	if err != nil {
		return err
	}
	depositOut := m.record.DepositTx.TxOut[utxoIndex]
	vm, err := txscript.NewEngine(
		depositOut.PkScript, spendTx, 0, txscript.StandardVerifyFlags,
		nil, nil, depositOut.Value,
		txscript.NewCannedPrevOutputFetcher(depositOut.PkScript, depositOut.Value),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTransaction, err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("%w: input script verification: %s", ErrInvalidTransaction, err)
	}

	m.record.SpendTx = spendTx
	m.record.SpendTxid = spendTx.TxHash().String()
	m.record.State = StateClosed
	return nil
}

// State returns the current channel state.
func (m *Machine) State() State {
	return m.record.State
}

// CreationTime returns the channel creation UNIX time.
func (m *Machine) CreationTime() float64 {
	return m.record.CreationTime
}

// BalanceAmount returns the remaining channel balance in satoshis.
func (m *Machine) BalanceAmount() (int64, error) {
	switch {
	case m.record.SpendTx != nil:
		redeemScript, err := m.redeemScript()
		if err != nil {
			return 0, err
		}
		customerPkScript, err := script.PayToPubKeyHash(
			btcutil.Hash160(redeemScript.CustomerPubKey.SerializeCompressed()),
		)
		if err != nil {
			return 0, err
		}
		for _, out := range m.record.SpendTx.TxOut {
			if bytes.Equal(out.PkScript, customerPkScript) {
				return out.Value - m.record.MinOutputAmount, nil
			}
		}
		return 0, fmt.Errorf("spend tx has no customer output")

	case m.record.PaymentTx != nil:
		return m.DepositAmount() - m.record.PaymentTx.TxOut[0].Value, nil

	default:
		return m.DepositAmount(), nil
	}
}

// DepositAmount returns the channel deposit in satoshis, zero before the
// channel is created.
func (m *Machine) DepositAmount() int64 {
	if m.record.RefundTx == nil {
		return 0
	}
	return m.record.RefundTx.TxOut[0].Value - m.record.MinOutputAmount
}

// FeeAmount returns the fee in satoshis committed by the channel
// transactions.
func (m *Machine) FeeAmount() (int64, error) {
	if m.record.RefundTx == nil {
		return 0, nil
	}
	utxoIndex, err := m.DepositUtxoIndex()
	if err != nil {
		return 0, err
	}
	return m.record.DepositTx.TxOut[utxoIndex].Value - m.record.RefundTx.TxOut[0].Value, nil
}

// ExpirationTime returns the absolute UNIX time the refund unlocks, zero
// before the channel is created.
func (m *Machine) ExpirationTime() int64 {
	if m.record.RefundTx == nil {
		return 0
	}
	return int64(m.record.RefundTx.LockTime)
}

// DepositUtxoIndex returns the index of the deposit's P2SH output.
func (m *Machine) DepositUtxoIndex() (uint32, error) {
	redeemScript, err := m.redeemScript()
	if err != nil {
		return 0, err
	}
	p2shScript, err := redeemScript.PkScript()
	if err != nil {
		return 0, err
	}
	for i, out := range m.record.DepositTx.TxOut {
		if bytes.Equal(out.PkScript, p2shScript) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("deposit tx has no channel P2SH output")
}

// DepositTx returns the serialized deposit transaction, "" if unset.
func (m *Machine) DepositTx() string {
	raw, _ := TxHex(m.record.DepositTx)
	return raw
}

// DepositTxid returns the deposit txid (RPC byte order), "" if unset.
func (m *Machine) DepositTxid() string {
	if m.record.DepositTx == nil {
		return ""
	}
	return m.record.DepositTx.TxHash().String()
}

// DepositTxidSignature returns a hex DER signature over the deposit txid,
// used to authorize a server-side close.
func (m *Machine) DepositTxidSignature(ctx context.Context) (string, error) {
	if m.record.DepositTx == nil {
		return "", nil
	}
	redeemScript, err := m.redeemScript()
	if err != nil {
		return "", err
	}
	sig, err := m.wallet.Sign(
		ctx, []byte(m.DepositTxid()), redeemScript.CustomerPubKey,
	)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// RefundTx returns the serialized refund transaction, "" if unset.
func (m *Machine) RefundTx() string {
	raw, _ := TxHex(m.record.RefundTx)
	return raw
}

// RefundTxid returns the refund txid (RPC byte order), "" if unset.
func (m *Machine) RefundTxid() string {
	if m.record.RefundTx == nil {
		return ""
	}
	return m.record.RefundTx.TxHash().String()
}

// PaymentTx returns the last committed half-signed payment transaction, ""
// if none.
func (m *Machine) PaymentTx() string {
	raw, _ := TxHex(m.record.PaymentTx)
	return raw
}

// SpendTx returns the serialized spend transaction, "" if unset.
func (m *Machine) SpendTx() string {
	raw, _ := TxHex(m.record.SpendTx)
	return raw
}

// SpendTxid returns the spend txid, falling back to the externally observed
// one recorded by Close.
func (m *Machine) SpendTxid() string {
	if m.record.SpendTx != nil {
		return m.record.SpendTx.TxHash().String()
	}
	return m.record.SpendTxid
}

// redeemScript reconstructs the channel redeem script from the refund
// transaction's input script, where it is the final push.
func (m *Machine) redeemScript() (*script.RedeemScript, error) {
	if m.record.RefundTx == nil {
		return nil, fmt.Errorf("channel has no refund tx")
	}

	sigScript := m.record.RefundTx.TxIn[0].SignatureScript
	var lastPush []byte
	tokenizer := txscript.MakeScriptTokenizer(0, sigScript)
	for tokenizer.Next() {
		lastPush = tokenizer.Data()
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("parse refund input script: %w", err)
	}

	return script.Parse(lastPush)
}
