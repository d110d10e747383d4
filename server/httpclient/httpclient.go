// Package httpclient implements the channel server transport over the
// RESTful HTTP payment channel protocol, version 2.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/21dotco/two1-python-sub000/server"
)

// ProtocolVersion is the HTTP payment channel protocol version this client
// speaks. Servers reporting any other version are rejected.
const ProtocolVersion = 2

const requestTimeout = 30 * time.Second

type client struct {
	baseURL    string
	httpClient *http.Client
}

// NewTransport returns an HTTP channel server transport bound to baseURL. It
// satisfies server.Factory.
func NewTransport(baseURL *url.URL) (server.Transport, error) {
	return &client{
		baseURL:    strings.TrimRight(baseURL.String(), "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

type infoResponse struct {
	Version   int    `json:"version"`
	PublicKey string `json:"public_key"`
	Zeroconf  bool   `json:"zeroconf"`
}

type paymentResponse struct {
	PaymentTxid string `json:"payment_txid"`
}

func (c *client) GetInfo(ctx context.Context) (*server.Info, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protocolError("getting channel server info", resp)
	}

	info := infoResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode channel server info: %w", err)
	}
	if info.Version != ProtocolVersion {
		return nil, fmt.Errorf(
			"%w: unsupported protocol version: server version is %d, client version is %d",
			server.ErrProtocol, info.Version, ProtocolVersion,
		)
	}

	return &server.Info{PublicKey: info.PublicKey, Zeroconf: info.Zeroconf}, nil
}

func (c *client) Open(
	ctx context.Context, depositTxHex, redeemScriptHex string,
) error {
	form := url.Values{
		"deposit_tx":    {depositTxHex},
		"redeem_script": {redeemScriptHex},
	}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocolError("opening payment channel", resp)
	}
	return nil
}

func (c *client) Pay(
	ctx context.Context, depositTxid, paymentTxHex string,
) (*server.PayResult, error) {
	form := url.Values{"payment_tx": {paymentTxHex}}
	resp, err := c.do(ctx, http.MethodPut, c.channelURL(depositTxid), form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &server.PayResult{Status: server.PayChannelNotFound}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, protocolError("sending payment transaction", resp)
	}

	payment := paymentResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}

	return &server.PayResult{
		Status:      server.PayAccepted,
		PaymentTxid: payment.PaymentTxid,
	}, nil
}

func (c *client) Status(
	ctx context.Context, depositTxid string,
) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, c.channelURL(depositTxid), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protocolError("getting payment channel status", resp)
	}

	status := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}

func (c *client) Close(
	ctx context.Context, depositTxid, depositTxidSignature string,
) (string, error) {
	form := url.Values{"signature": {depositTxidSignature}}
	resp, err := c.do(ctx, http.MethodDelete, c.channelURL(depositTxid), form)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", protocolError("closing payment channel", resp)
	}

	payment := paymentResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return "", fmt.Errorf("decode close response: %w", err)
	}
	return payment.PaymentTxid, nil
}

func (c *client) channelURL(depositTxid string) string {
	return c.baseURL + "/" + depositTxid
}

func (c *client) do(
	ctx context.Context, method, rawURL string, form url.Values,
) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to payment channel server: %w", err)
	}
	return resp, nil
}

func protocolError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf(
		"%w: %s: status code %d, %s",
		server.ErrProtocol, action, resp.StatusCode,
		strings.TrimSpace(string(body)),
	)
}
