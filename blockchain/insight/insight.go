// Package insight implements the blockchain oracle against an Insight HTTP
// API.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/21dotco/two1-python-sub000/blockchain"
)

type client struct {
	baseURL string
	http    *http.Client
}

// New returns an Insight-backed oracle.
func New(baseURL string) blockchain.Oracle {
	return &client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    http.DefaultClient,
	}
}

type txInfo struct {
	Txid          string `json:"txid"`
	Confirmations int    `json:"confirmations"`
	Vout          []struct {
		SpentTxid *string `json:"spentTxId"`
	} `json:"vout"`
}

func (c *client) CheckConfirmed(
	ctx context.Context, txid string, numConfirmations int,
) (bool, error) {
	info, found, err := c.getTx(ctx, txid)
	if err != nil || !found {
		return false, err
	}
	return info.Confirmations >= numConfirmations, nil
}

func (c *client) LookupSpendTxid(
	ctx context.Context, txid string, outputIndex uint32,
) (string, error) {
	info, found, err := c.getTx(ctx, txid)
	if err != nil || !found {
		return "", err
	}
	if int(outputIndex) >= len(info.Vout) {
		return "", blockchain.ErrOutputIndexOutOfRange
	}
	if spent := info.Vout[outputIndex].SpentTxid; spent != nil {
		return *spent, nil
	}
	return "", nil
}

func (c *client) LookupTx(ctx context.Context, txid string) (string, error) {
	body, found, err := c.get(ctx, "/rawtx/"+txid)
	if err != nil || !found {
		return "", err
	}
	var payload struct {
		RawTx string `json:"rawtx"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	return payload.RawTx, nil
}

func (c *client) Broadcast(ctx context.Context, rawTx string) (string, error) {
	// Insight returns 400 when broadcasting a transaction it already knows,
	// so check for it first.
	txid, err := blockchain.TxidFromRaw(rawTx)
	if err != nil {
		return "", err
	}
	if _, found, err := c.getTx(ctx, txid); err != nil {
		return "", err
	} else if found {
		return txid, nil
	}

	form := url.Values{"rawtx": {rawTx}}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/tx/send",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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

	var payload struct {
		Txid string `json:"txid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	return payload.Txid, nil
}

func (c *client) getTx(ctx context.Context, txid string) (*txInfo, bool, error) {
	body, found, err := c.get(ctx, "/tx/"+txid)
	if err != nil || !found {
		return nil, false, err
	}
	var info txInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, false, err
	}
	return &info, true, nil
}

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
