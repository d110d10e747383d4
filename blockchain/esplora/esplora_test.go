package esplora

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/21dotco/two1-python-sub000/blockchain"
	"github.com/21dotco/two1-python-sub000/statemachine"
)

func newTestOracle(t *testing.T, handler http.Handler) blockchain.Oracle {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func testTx(t *testing.T) (string, string) {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	raw, err := statemachine.TxHex(tx)
	require.NoError(t, err)
	return raw, tx.TxHash().String()
}

func TestCheckConfirmed(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/tx/confirmed":
				fmt.Fprint(w, `{"txid": "confirmed", "status": {"confirmed": true, "block_height": 800000}}`)
			case "/tx/mempool":
				fmt.Fprint(w, `{"txid": "mempool", "status": {"confirmed": false}}`)
			case "/blocks/tip/height":
				fmt.Fprint(w, "800002")
			default:
				http.NotFound(w, r)
			}
		},
	))
	ctx := context.Background()

	confirmed, err := oracle.CheckConfirmed(ctx, "confirmed", 1)
	require.NoError(t, err)
	require.True(t, confirmed)

	// Tip 800002, confirmed at 800000: three confirmations.
	confirmed, err = oracle.CheckConfirmed(ctx, "confirmed", 3)
	require.NoError(t, err)
	require.True(t, confirmed)

	confirmed, err = oracle.CheckConfirmed(ctx, "confirmed", 4)
	require.NoError(t, err)
	require.False(t, confirmed)

	confirmed, err = oracle.CheckConfirmed(ctx, "mempool", 1)
	require.NoError(t, err)
	require.False(t, confirmed)

	// Unknown transactions are unconfirmed, not errors.
	confirmed, err = oracle.CheckConfirmed(ctx, "unknown", 1)
	require.NoError(t, err)
	require.False(t, confirmed)
}

func TestLookupSpendTxid(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/tx/deposit/outspends", r.URL.Path)
			fmt.Fprint(w, `[{"spent": true, "txid": "spender"}, {"spent": false}]`)
		},
	))
	ctx := context.Background()

	txid, err := oracle.LookupSpendTxid(ctx, "deposit", 0)
	require.NoError(t, err)
	require.Equal(t, "spender", txid)

	txid, err = oracle.LookupSpendTxid(ctx, "deposit", 1)
	require.NoError(t, err)
	require.Empty(t, txid)

	_, err = oracle.LookupSpendTxid(ctx, "deposit", 2)
	require.ErrorIs(t, err, blockchain.ErrOutputIndexOutOfRange)
}

func TestLookupTx(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/tx/known/hex" {
				fmt.Fprint(w, "0100beef\n")
				return
			}
			http.NotFound(w, r)
		},
	))
	ctx := context.Background()

	raw, err := oracle.LookupTx(ctx, "known")
	require.NoError(t, err)
	require.Equal(t, "0100beef", raw)

	raw, err = oracle.LookupTx(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestBroadcast(t *testing.T) {
	rawTx, wantTxid := testTx(t)

	posted := 0
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				require.Equal(t, "/tx", r.URL.Path)
				posted++
				fmt.Fprint(w, wantTxid)
				return
			}
			http.NotFound(w, r)
		},
	))

	txid, err := oracle.Broadcast(context.Background(), rawTx)
	require.NoError(t, err)
	require.Equal(t, wantTxid, txid)
	require.Equal(t, 1, posted)
}

func TestBroadcastAlreadyKnown(t *testing.T) {
	rawTx, wantTxid := testTx(t)

	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/tx/"+wantTxid+"/hex", r.URL.Path)
			fmt.Fprint(w, rawTx)
		},
	))

	txid, err := oracle.Broadcast(context.Background(), rawTx)
	require.NoError(t, err)
	require.Equal(t, wantTxid, txid)
}

func TestGetUtxos(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/address/addr1/utxo", r.URL.Path)
			fmt.Fprint(w, `[{"txid": "aa", "vout": 1, "value": 5000, "status": {"confirmed": true}}]`)
		},
	))

	lister, ok := oracle.(blockchain.UtxoLister)
	require.True(t, ok)

	utxos, err := lister.GetUtxos(context.Background(), "addr1")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, "aa", utxos[0].Txid)
	require.Equal(t, uint32(1), utxos[0].Vout)
	require.Equal(t, int64(5000), utxos[0].Value)
	require.True(t, utxos[0].Status.Confirmed)
}
