package statemachine

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// Record is the durable state of one payment channel, keyed by its URL. The
// channel store owns the persisted copy; a Machine operates on a transient
// in-memory one.
//
// Invariants: DepositTx and RefundTx are both set or both unset; PaymentTx is
// only set once DepositTx exists; SpendTx/SpendTxid only populate from
// CONFIRMING_SPEND onwards.
type Record struct {
	URL          string
	State        State
	CreationTime float64

	DepositTx *wire.MsgTx
	RefundTx  *wire.MsgTx
	PaymentTx *wire.MsgTx
	SpendTx   *wire.MsgTx
	SpendTxid string

	// MinOutputAmount is the dust floor applied to the first payment.
	MinOutputAmount int64
}

// NewRecord returns a fresh record for the given channel URL in the OPENING
// state.
func NewRecord(url string) *Record {
	return &Record{URL: url, State: StateOpening}
}

// TxHex serializes a transaction to hex. A nil transaction serializes to "".
func TxHex(tx *wire.MsgTx) (string, error) {
	if tx == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// TxFromHex deserializes a hex-encoded transaction. "" decodes to nil.
func TxFromHex(rawTx string) (*wire.MsgTx, error) {
	if rawTx == "" {
		return nil, nil
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(hex.NewDecoder(strings.NewReader(rawTx))); err != nil {
		return nil, err
	}
	return tx, nil
}
