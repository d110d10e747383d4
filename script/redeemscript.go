// Package script implements the payment channel redeem script codec.
//
// The script commits to two spending branches behind a single P2SH output:
//
//	OP_IF
//	    <merchant pubkey> OP_CHECKSIGVERIFY
//	OP_ELSE
//	    <expiration time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	OP_ENDIF
//	<customer pubkey> OP_CHECKSIG
//
// The IF branch is the cooperative path used by payment and close
// transactions and requires both parties to sign. The ELSE branch is the
// unilateral refund path, spendable by the customer alone once the absolute
// locktime has passed.
package script

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrInvalidScript is returned when a script does not match the payment
// channel redeem script template exactly.
var ErrInvalidScript = errors.New("invalid payment channel redeem script")

const (
	compressedPubKeyLen = 33
	// CLTV operands are script numbers, at most 5 bytes.
	maxLocktimeLen = 5
)

// RedeemScript is the decoded form of a payment channel redeem script.
type RedeemScript struct {
	MerchantPubKey *btcec.PublicKey
	CustomerPubKey *btcec.PublicKey
	// ExpirationTime is the absolute UNIX time enforced by the refund
	// branch's OP_CHECKLOCKTIMEVERIFY.
	ExpirationTime int64
}

// New returns a redeem script for the given channel parties and expiration.
func New(
	merchantPubKey, customerPubKey *btcec.PublicKey, expirationTime int64,
) *RedeemScript {
	return &RedeemScript{
		MerchantPubKey: merchantPubKey,
		CustomerPubKey: customerPubKey,
		ExpirationTime: expirationTime,
	}
}

// Script serializes the redeem script. Encoding is a pure function of the
// channel parameters: the same parameters always produce the same bytes.
func (s *RedeemScript) Script() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddData(s.MerchantPubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_ELSE).
		AddInt64(s.ExpirationTime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_ENDIF).
		AddData(s.CustomerPubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// Parse decodes a serialized redeem script, validating it against the exact
// opcode template. Any structural deviation, a wrong opcode at a fixed
// position, a non-minimal locktime, or a malformed public key, fails with
// ErrInvalidScript.
func Parse(raw []byte) (*RedeemScript, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, raw)

	next := func() (byte, []byte, error) {
		if !tokenizer.Next() {
			if err := tokenizer.Err(); err != nil {
				return 0, nil, fmt.Errorf("%w: %s", ErrInvalidScript, err)
			}
			return 0, nil, fmt.Errorf("%w: script too short", ErrInvalidScript)
		}
		return tokenizer.Opcode(), tokenizer.Data(), nil
	}

	expectOp := func(want byte) error {
		op, _, err := next()
		if err != nil {
			return err
		}
		if op != want {
			return fmt.Errorf("%w: unexpected opcode %#x", ErrInvalidScript, op)
		}
		return nil
	}

	expectPubKey := func() (*btcec.PublicKey, error) {
		op, data, err := next()
		if err != nil {
			return nil, err
		}
		if op != txscript.OP_DATA_33 || len(data) != compressedPubKeyLen {
			return nil, fmt.Errorf("%w: malformed public key push", ErrInvalidScript)
		}
		pubKey, err := btcec.ParsePubKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScript, err)
		}
		return pubKey, nil
	}

	if err := expectOp(txscript.OP_IF); err != nil {
		return nil, err
	}
	merchantPubKey, err := expectPubKey()
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIGVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}

	op, data, err := next()
	if err != nil {
		return nil, err
	}
	if op < txscript.OP_DATA_1 || op > txscript.OP_DATA_5 || len(data) > maxLocktimeLen {
		return nil, fmt.Errorf("%w: malformed locktime push", ErrInvalidScript)
	}
	locktime, err := txscript.MakeScriptNum(data, true, maxLocktimeLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScript, err)
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF); err != nil {
		return nil, err
	}
	customerPubKey, err := expectPubKey()
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}

	if tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing opcodes", ErrInvalidScript)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScript, err)
	}

	return &RedeemScript{
		MerchantPubKey: merchantPubKey,
		CustomerPubKey: customerPubKey,
		ExpirationTime: int64(locktime),
	}, nil
}

// Hash160 returns the script hash committing to the redeem script, the hash
// the P2SH deposit output pays to.
func (s *RedeemScript) Hash160() ([]byte, error) {
	raw, err := s.Script()
	if err != nil {
		return nil, err
	}
	return btcutil.Hash160(raw), nil
}

// Address returns the P2SH address of the redeem script on the given network.
func (s *RedeemScript) Address(params *chaincfg.Params) (btcutil.Address, error) {
	raw, err := s.Script()
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressScriptHash(raw, params)
}

// PkScript returns the P2SH output script paying to the redeem script hash.
func (s *RedeemScript) PkScript() ([]byte, error) {
	hash, err := s.Hash160()
	if err != nil {
		return nil, err
	}
	return PayToScriptHash(hash)
}

// PayToScriptHash builds a P2SH output script for the given script hash.
func PayToScriptHash(scriptHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(scriptHash).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// PayToPubKeyHash builds a P2PKH output script for the given public key hash.
func PayToPubKeyHash(pubKeyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}
