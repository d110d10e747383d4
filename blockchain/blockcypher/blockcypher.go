// Package blockcypher implements the blockchain oracle against a BlockCypher
// HTTP API.
package blockcypher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/21dotco/two1-python-sub000/blockchain"
)

type client struct {
	baseURL string
	http    *http.Client
}

// New returns a BlockCypher-backed oracle.
func New(baseURL string) blockchain.Oracle {
	return &client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    http.DefaultClient,
	}
}

type txInfo struct {
	Hash          string `json:"hash"`
	Confirmations int    `json:"confirmations"`
	Hex           string `json:"hex"`
	Outputs       []struct {
		SpentBy *string `json:"spent_by"`
	} `json:"outputs"`
}

func (c *client) CheckConfirmed(
	ctx context.Context, txid string, numConfirmations int,
) (bool, error) {
	info, found, err := c.getTx(ctx, txid, false)
	if err != nil || !found {
		return false, err
	}
	return info.Confirmations >= numConfirmations, nil
}

func (c *client) LookupSpendTxid(
	ctx context.Context, txid string, outputIndex uint32,
) (string, error) {
	info, found, err := c.getTx(ctx, txid, false)
	if err != nil || !found {
		return "", err
	}
	if int(outputIndex) >= len(info.Outputs) {
		return "", blockchain.ErrOutputIndexOutOfRange
	}
	if spent := info.Outputs[outputIndex].SpentBy; spent != nil {
		return *spent, nil
	}
	return "", nil
}

func (c *client) LookupTx(ctx context.Context, txid string) (string, error) {
	info, found, err := c.getTx(ctx, txid, true)
	if err != nil || !found {
		return "", err
	}
	return info.Hex, nil
}

func (c *client) Broadcast(ctx context.Context, rawTx string) (string, error) {
	// BlockCypher returns 400 when broadcasting a transaction it already
	// knows, so check for it first.
	txid, err := blockchain.TxidFromRaw(rawTx)
	if err != nil {
		return "", err
	}
	if _, found, err := c.getTx(ctx, txid, false); err != nil {
		return "", err
	} else if found {
		return txid, nil
	}

	payload, err := json.Marshal(map[string]string{"tx": rawTx})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/txs/push", bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf(
			"broadcast transaction: status %d, %s", resp.StatusCode, string(body),
		)
	}

	var pushed struct {
		Tx txInfo `json:"tx"`
	}
	if err := json.Unmarshal(body, &pushed); err != nil {
		return "", err
	}
	return pushed.Tx.Hash, nil
}

func (c *client) getTx(
	ctx context.Context, txid string, includeHex bool,
) (*txInfo, bool, error) {
	path := c.baseURL + "/txs/" + txid
	if includeHex {
		path += "?includeHex=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
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
			"get transaction: status %d, %s", resp.StatusCode, string(body),
		)
	}

	var info txInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, false, err
	}
	return &info, true, nil
}
