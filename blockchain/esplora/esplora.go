// Package esplora implements the blockchain oracle against an esplora HTTP
// API (blockstream.info and compatible servers).
package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/21dotco/two1-python-sub000/blockchain"
)

type client struct {
	baseURL string
	http    *http.Client
}

// New returns an esplora-backed oracle. The returned client also implements
// blockchain.UtxoLister.
func New(baseURL string) blockchain.Oracle {
	return &client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    http.DefaultClient,
	}
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type txInfo struct {
	Txid   string   `json:"txid"`
	Status txStatus `json:"status"`
}

type outspend struct {
	Spent bool   `json:"spent"`
	Txid  string `json:"txid"`
}

func (c *client) CheckConfirmed(
	ctx context.Context, txid string, numConfirmations int,
) (bool, error) {
	body, found, err := c.get(ctx, "/tx/"+txid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	var info txInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return false, err
	}
	if !info.Status.Confirmed {
		return false, nil
	}
	if numConfirmations <= 1 {
		return true, nil
	}

	tipBody, _, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return false, err
	}
	tip, err := strconv.ParseInt(strings.TrimSpace(string(tipBody)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse tip height: %w", err)
	}

	return tip-info.Status.BlockHeight+1 >= int64(numConfirmations), nil
}

func (c *client) LookupSpendTxid(
	ctx context.Context, txid string, outputIndex uint32,
) (string, error) {
	body, found, err := c.get(ctx, "/tx/"+txid+"/outspends")
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}

	var outspends []outspend
	if err := json.Unmarshal(body, &outspends); err != nil {
		return "", err
	}
	if int(outputIndex) >= len(outspends) {
		return "", blockchain.ErrOutputIndexOutOfRange
	}
	if !outspends[outputIndex].Spent {
		return "", nil
	}

	return outspends[outputIndex].Txid, nil
}

func (c *client) LookupTx(ctx context.Context, txid string) (string, error) {
	body, found, err := c.get(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *client) Broadcast(ctx context.Context, rawTx string) (string, error) {
	// The server rejects a transaction it already knows, so look it up first
	// and return its id instead.
	txid, err := blockchain.TxidFromRaw(rawTx)
	if err != nil {
		return "", err
	}
	if known, err := c.LookupTx(ctx, txid); err != nil {
		return "", err
	} else if known != "" {
		return txid, nil
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/tx", strings.NewReader(rawTx),
	)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"broadcast transaction: status %d, %s", resp.StatusCode, string(body),
		)
	}

	return strings.TrimSpace(string(body)), nil
}

func (c *client) GetUtxos(
	ctx context.Context, addr string,
) ([]blockchain.Utxo, error) {
	body, found, err := c.get(ctx, "/address/"+addr+"/utxo")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	utxos := []blockchain.Utxo{}
	if err := json.Unmarshal(body, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// get performs a GET request, reporting 404 as not-found rather than error.
func (c *client) get(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+path, nil,
	)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf(
			"%s: status %d, %s", path, resp.StatusCode, string(body),
		)
	}

	return body, true, nil
}
