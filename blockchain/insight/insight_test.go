package insight

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

func TestCheckConfirmed(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/tx/known" {
				fmt.Fprint(w, `{"txid": "known", "confirmations": 3, "vout": []}`)
				return
			}
			http.NotFound(w, r)
		},
	))
	ctx := context.Background()

	confirmed, err := oracle.CheckConfirmed(ctx, "known", 3)
	require.NoError(t, err)
	require.True(t, confirmed)

	confirmed, err = oracle.CheckConfirmed(ctx, "known", 4)
	require.NoError(t, err)
	require.False(t, confirmed)

	confirmed, err = oracle.CheckConfirmed(ctx, "unknown", 1)
	require.NoError(t, err)
	require.False(t, confirmed)
}

func TestLookupSpendTxid(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"txid": "deposit", "confirmations": 1, "vout": [{"spentTxId": "spender"}, {"spentTxId": null}]}`)
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
			if r.URL.Path == "/rawtx/known" {
				fmt.Fprint(w, `{"rawtx": "0100beef"}`)
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
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	rawTx, err := statemachine.TxHex(tx)
	require.NoError(t, err)
	wantTxid := tx.TxHash().String()

	posted := 0
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				require.Equal(t, "/tx/send", r.URL.Path)
				require.NoError(t, r.ParseForm())
				require.Equal(t, rawTx, r.PostForm.Get("rawtx"))
				posted++
				fmt.Fprintf(w, `{"txid": %q}`, wantTxid)
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
