package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/21dotco/two1-python-sub000/server"
)

const testDepositTxid = "ab7e922b76fec94c6c4c07b1f8d1de8ff1e0d00d6d24b3e0531e7e1f0de3e0aa"

func newTestTransport(t *testing.T, handler http.Handler) server.Transport {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	baseURL, err := url.Parse(ts.URL)
	require.NoError(t, err)
	transport, err := NewTransport(baseURL)
	require.NoError(t, err)
	return transport
}

func TestGetInfo(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/", r.URL.Path)
			fmt.Fprint(w, `{"version": 2, "public_key": "02deadbeef", "zeroconf": true}`)
		},
	))

	info, err := transport.GetInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "02deadbeef", info.PublicKey)
	require.True(t, info.Zeroconf)
}

func TestGetInfoVersionMismatch(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"version": 1, "public_key": "02deadbeef"}`)
		},
	))

	_, err := transport.GetInfo(context.Background())
	require.ErrorIs(t, err, server.ErrProtocol)
	require.ErrorContains(t, err, "unsupported protocol version")
}

func TestOpen(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "010000beef", r.PostForm.Get("deposit_tx"))
			require.Equal(t, "63deadbeef", r.PostForm.Get("redeem_script"))
		},
	))

	err := transport.Open(context.Background(), "010000beef", "63deadbeef")
	require.NoError(t, err)
}

func TestOpenRejected(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad deposit", http.StatusBadRequest)
		},
	))

	err := transport.Open(context.Background(), "010000beef", "63deadbeef")
	require.ErrorIs(t, err, server.ErrProtocol)
	require.ErrorContains(t, err, "bad deposit")
}

func TestPay(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPut, r.Method)
			require.Equal(t, "/"+testDepositTxid, r.URL.Path)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "0100cafe", r.PostForm.Get("payment_tx"))
			fmt.Fprint(w, `{"payment_txid": "feedbead"}`)
		},
	))

	result, err := transport.Pay(context.Background(), testDepositTxid, "0100cafe")
	require.NoError(t, err)
	require.Equal(t, server.PayAccepted, result.Status)
	require.Equal(t, "feedbead", result.PaymentTxid)
}

func TestPayChannelNotFound(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		},
	))

	result, err := transport.Pay(context.Background(), testDepositTxid, "0100cafe")
	require.NoError(t, err)
	require.Equal(t, server.PayChannelNotFound, result.Status)
}

func TestPayServerError(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "stale payment", http.StatusConflict)
		},
	))

	_, err := transport.Pay(context.Background(), testDepositTxid, "0100cafe")
	require.ErrorIs(t, err, server.ErrProtocol)
}

func TestStatus(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/"+testDepositTxid, r.URL.Path)
			fmt.Fprint(w, `{"status": "ready"}`)
		},
	))

	status, err := transport.Status(context.Background(), testDepositTxid)
	require.NoError(t, err)
	require.Equal(t, "ready", status["status"])
}

func TestClose(t *testing.T) {
	transport := newTestTransport(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/"+testDepositTxid, r.URL.Path)
			// ParseForm never reads the body for DELETE requests, so parse
			// the form-encoded body directly.
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			form, err := url.ParseQuery(string(body))
			require.NoError(t, err)
			require.Equal(t, "3044beef", form.Get("signature"))
			fmt.Fprint(w, `{"payment_txid": "feedbead"}`)
		},
	))

	txid, err := transport.Close(context.Background(), testDepositTxid, "3044beef")
	require.NoError(t, err)
	require.Equal(t, "feedbead", txid)
}
