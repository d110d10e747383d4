package script_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/21dotco/two1-python-sub000/script"
)

func newTestScript(t *testing.T) *script.RedeemScript {
	t.Helper()

	merchantKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	customerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return script.New(merchantKey.PubKey(), customerKey.PubKey(), 1742422963)
}

func TestRoundTrip(t *testing.T) {
	redeemScript := newTestScript(t)

	raw, err := redeemScript.Script()
	require.NoError(t, err)

	decoded, err := script.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, redeemScript.ExpirationTime, decoded.ExpirationTime)
	require.True(t, redeemScript.MerchantPubKey.IsEqual(decoded.MerchantPubKey))
	require.True(t, redeemScript.CustomerPubKey.IsEqual(decoded.CustomerPubKey))

	reencoded, err := decoded.Script()
	require.NoError(t, err)
	require.Equal(t, raw, reencoded)
}

func TestParseRejectsMalformedScripts(t *testing.T) {
	raw, err := newTestScript(t).Script()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name: "truncated",
			mutate: func(s []byte) []byte {
				return s[:len(s)-1]
			},
		},
		{
			name: "trailing opcode",
			mutate: func(s []byte) []byte {
				return append(s, txscript.OP_NOP)
			},
		},
		{
			name: "swapped leading opcode",
			mutate: func(s []byte) []byte {
				s[0] = txscript.OP_NOTIF
				return s
			},
		},
		{
			name: "wrong checksig opcode",
			mutate: func(s []byte) []byte {
				s[35] = txscript.OP_CHECKSIG
				return s
			},
		},
		{
			name: "wrong final opcode",
			mutate: func(s []byte) []byte {
				s[len(s)-1] = txscript.OP_CHECKSIGVERIFY
				return s
			},
		},
		{
			name: "empty",
			mutate: func(s []byte) []byte {
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte{}, raw...))
			_, err := script.Parse(mutated)
			require.ErrorIs(t, err, script.ErrInvalidScript)
		})
	}
}

func TestParseRejectsInvalidPubKey(t *testing.T) {
	raw, err := newTestScript(t).Script()
	require.NoError(t, err)

	// Corrupt the parity byte of the merchant key push.
	raw[2] = 0x05
	_, err = script.Parse(raw)
	require.ErrorIs(t, err, script.ErrInvalidScript)
}

func TestAddressMatchesPkScript(t *testing.T) {
	redeemScript := newTestScript(t)

	addr, err := redeemScript.Address(&chaincfg.MainNetParams)
	require.NoError(t, err)

	pkScript, err := redeemScript.PkScript()
	require.NoError(t, err)

	fromAddr, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	require.Equal(t, fromAddr, pkScript)
}
