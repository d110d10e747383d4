package blockchain

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// TxidFromRaw computes the txid (RPC byte order) of a hex-encoded raw
// transaction.
func TxidFromRaw(rawTx string) (string, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(hex.NewDecoder(strings.NewReader(rawTx))); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}
