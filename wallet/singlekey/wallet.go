// Package singlekeywallet implements the channel wallet over a single
// private key, funding deposits from the key's P2PKH address.
package singlekeywallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/21dotco/two1-python-sub000/blockchain"
	"github.com/21dotco/two1-python-sub000/script"
	"github.com/21dotco/two1-python-sub000/wallet"
)

type singlekeyWallet struct {
	privateKey *btcec.PrivateKey
	publicKey  *btcec.PublicKey
	netParams  *chaincfg.Params
	utxos      blockchain.UtxoLister
	oracle     blockchain.Oracle
}

// New returns a wallet over a raw hex-encoded private key.
func New(
	privKeyHex string, netParams *chaincfg.Params,
	utxos blockchain.UtxoLister, oracle blockchain.Oracle,
) (wallet.Adapter, error) {
	privKeyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	privateKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return fromKey(privateKey, netParams, utxos, oracle), nil
}

// NewFromWIF returns a wallet over a WIF-encoded private key.
func NewFromWIF(
	wifKey string, netParams *chaincfg.Params,
	utxos blockchain.UtxoLister, oracle blockchain.Oracle,
) (wallet.Adapter, error) {
	wif, err := btcutil.DecodeWIF(wifKey)
	if err != nil {
		return nil, fmt.Errorf("decode WIF key: %w", err)
	}
	if !wif.IsForNet(netParams) {
		return nil, fmt.Errorf("WIF key is for another network")
	}
	return fromKey(wif.PrivKey, netParams, utxos, oracle), nil
}

func fromKey(
	privateKey *btcec.PrivateKey, netParams *chaincfg.Params,
	utxos blockchain.UtxoLister, oracle blockchain.Oracle,
) wallet.Adapter {
	return &singlekeyWallet{
		privateKey: privateKey,
		publicKey:  privateKey.PubKey(),
		netParams:  netParams,
		utxos:      utxos,
		oracle:     oracle,
	}
}

func (w *singlekeyWallet) PublicKey(_ context.Context) (*btcec.PublicKey, error) {
	return w.publicKey, nil
}

// Address returns the wallet's P2PKH funding address.
func (w *singlekeyWallet) Address() (btcutil.Address, error) {
	return btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(w.publicKey.SerializeCompressed()), w.netParams,
	)
}

func (w *singlekeyWallet) pkScript() ([]byte, error) {
	return script.PayToPubKeyHash(
		btcutil.Hash160(w.publicKey.SerializeCompressed()),
	)
}

func (w *singlekeyWallet) CreateDepositTx(
	ctx context.Context, redeemScript *script.RedeemScript,
	amount, fee int64, useUnconfirmed bool,
) (*wire.MsgTx, error) {
	addr, err := w.Address()
	if err != nil {
		return nil, err
	}
	utxos, err := w.utxos.GetUtxos(ctx, addr.EncodeAddress())
	if err != nil {
		return nil, fmt.Errorf("list utxos: %w", err)
	}

	// The P2SH output carries amount+fee so the spending transaction can pay
	// its own fee; the deposit pays another fee satoshis to the miners.
	target := amount + 2*fee
	selected, total, err := selectUtxos(utxos, target, useUnconfirmed)
	if err != nil {
		return nil, err
	}

	myPkScript, err := w.pkScript()
	if err != nil {
		return nil, err
	}
	p2shScript, err := redeemScript.PkScript()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range selected {
		hash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return nil, fmt.Errorf("parse utxo txid: %w", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, utxo.Vout), nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(amount+fee, p2shScript))

	change := total - target
	changeOut := wire.NewTxOut(change, myPkScript)
	if change > 0 && !txrules.IsDustOutput(changeOut, txrules.DefaultRelayFeePerKb) {
		tx.AddTxOut(changeOut)
	}

	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(
			tx, i, myPkScript, txscript.SigHashAll, w.privateKey, true,
		)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return tx, nil
}

func (w *singlekeyWallet) CreateRefundTx(
	ctx context.Context, depositTx *wire.MsgTx,
	redeemScript *script.RedeemScript, expirationTime, fee int64,
) (*wire.MsgTx, error) {
	utxoIndex, value, err := depositOutput(depositTx, redeemScript)
	if err != nil {
		return nil, err
	}
	myPkScript, err := w.pkScript()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	depositHash := depositTx.TxHash()
	txIn := wire.NewTxIn(wire.NewOutPoint(&depositHash, utxoIndex), nil, nil)
	// A non-final sequence so the absolute lock time is enforced.
	txIn.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(value-fee, myPkScript))
	tx.LockTime = uint32(expirationTime)

	sigScript, err := w.redeemSigScript(tx, redeemScript, false)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = sigScript

	return tx, nil
}

func (w *singlekeyWallet) CreatePaymentTx(
	ctx context.Context, depositTx *wire.MsgTx,
	redeemScript *script.RedeemScript, amount, fee int64,
) (*wire.MsgTx, error) {
	utxoIndex, value, err := depositOutput(depositTx, redeemScript)
	if err != nil {
		return nil, err
	}
	myPkScript, err := w.pkScript()
	if err != nil {
		return nil, err
	}
	merchantPkScript, err := script.PayToPubKeyHash(
		btcutil.Hash160(redeemScript.MerchantPubKey.SerializeCompressed()),
	)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	depositHash := depositTx.TxHash()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&depositHash, utxoIndex), nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, merchantPkScript))
	tx.AddTxOut(wire.NewTxOut(value-fee-amount, myPkScript))

	sigScript, err := w.redeemSigScript(tx, redeemScript, true)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = sigScript

	return tx, nil
}

func (w *singlekeyWallet) Sign(
	_ context.Context, message []byte, pubKey *btcec.PublicKey,
) ([]byte, error) {
	if !pubKey.IsEqual(w.publicKey) {
		return nil, fmt.Errorf("unknown public key")
	}
	digest := sha256.Sum256(message)
	return ecdsa.Sign(w.privateKey, digest[:]).Serialize(), nil
}

func (w *singlekeyWallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	txid := tx.TxHash().String()
	known, err := w.oracle.LookupTx(ctx, txid)
	if err != nil {
		return err
	}
	if known != "" {
		return nil
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	_, err = w.oracle.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	return err
}

// redeemSigScript signs the transaction's only input against the redeem
// script and assembles the input script selecting the multisig branch when
// multisig is set, the time-locked refund branch otherwise. The multisig
// input script is half-signed, leaving room for the merchant signature.
func (w *singlekeyWallet) redeemSigScript(
	tx *wire.MsgTx, redeemScript *script.RedeemScript, multisig bool,
) ([]byte, error) {
	redeemRaw, err := redeemScript.Script()
	if err != nil {
		return nil, err
	}
	sig, err := txscript.RawTxInSignature(
		tx, 0, redeemRaw, txscript.SigHashAll, w.privateKey,
	)
	if err != nil {
		return nil, fmt.Errorf("sign redeem input: %w", err)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(sig)
	if multisig {
		builder.AddOp(txscript.OP_1)
	} else {
		builder.AddOp(txscript.OP_0)
	}
	builder.AddData(redeemRaw)
	return builder.Script()
}

// depositOutput locates the redeem script's P2SH output in the deposit
// transaction.
func depositOutput(
	depositTx *wire.MsgTx, redeemScript *script.RedeemScript,
) (uint32, int64, error) {
	p2shScript, err := redeemScript.PkScript()
	if err != nil {
		return 0, 0, err
	}
	for i, out := range depositTx.TxOut {
		if bytes.Equal(out.PkScript, p2shScript) {
			return uint32(i), out.Value, nil
		}
	}
	return 0, 0, fmt.Errorf("deposit tx does not fund the redeem script")
}

// selectUtxos picks unspent outputs worth at least target satoshis, spending
// confirmed coins first.
func selectUtxos(
	utxos []blockchain.Utxo, target int64, useUnconfirmed bool,
) ([]blockchain.Utxo, int64, error) {
	var selected []blockchain.Utxo
	var total int64
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			continue
		}
		selected = append(selected, utxo)
		total += utxo.Value
		if total >= target {
			return selected, total, nil
		}
	}
	if useUnconfirmed {
		for _, utxo := range utxos {
			if utxo.Status.Confirmed {
				continue
			}
			selected = append(selected, utxo)
			total += utxo.Value
			if total >= target {
				return selected, total, nil
			}
		}
	}
	return nil, 0, fmt.Errorf(
		"%w: have %d satoshis, need %d", wallet.ErrInsufficientBalance, total, target,
	)
}
