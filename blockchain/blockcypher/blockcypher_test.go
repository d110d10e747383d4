package blockcypher

import (
	"context"
	"encoding/json"
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
			if r.URL.Path == "/txs/known" {
				fmt.Fprint(w, `{"hash": "known", "confirmations": 6, "outputs": []}`)
				return
			}
			http.NotFound(w, r)
		},
	))
	ctx := context.Background()

	confirmed, err := oracle.CheckConfirmed(ctx, "known", 6)
	require.NoError(t, err)
	require.True(t, confirmed)

	confirmed, err = oracle.CheckConfirmed(ctx, "known", 7)
	require.NoError(t, err)
	require.False(t, confirmed)

	confirmed, err = oracle.CheckConfirmed(ctx, "unknown", 1)
	require.NoError(t, err)
	require.False(t, confirmed)
}

func TestLookupSpendTxid(t *testing.T) {
	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"hash": "deposit", "confirmations": 1, "outputs": [{"spent_by": "spender"}, {}]}`)
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
			if r.URL.Path == "/txs/known" {
				require.Equal(t, "true", r.URL.Query().Get("includeHex"))
				fmt.Fprint(w, `{"hash": "known", "confirmations": 1, "hex": "0100beef"}`)
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
				require.Equal(t, "/txs/push", r.URL.Path)

				var payload map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				require.Equal(t, rawTx, payload["tx"])

				posted++
				w.WriteHeader(http.StatusCreated)
				fmt.Fprintf(w, `{"tx": {"hash": %q}}`, wantTxid)
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
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	rawTx, err := statemachine.TxHex(tx)
	require.NoError(t, err)
	wantTxid := tx.TxHash().String()

	oracle := newTestOracle(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			fmt.Fprintf(w, `{"hash": %q, "confirmations": 0}`, wantTxid)
		},
	))

	txid, err := oracle.Broadcast(context.Background(), rawTx)
	require.NoError(t, err)
	require.Equal(t, wantTxid, txid)
}
