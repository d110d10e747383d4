// Package server defines the client-side contract to a merchant payment
// channel server and the registry mapping URL schemes to transport
// implementations.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

var (
	// ErrUnknownScheme is returned when no transport is registered for a
	// channel URL scheme.
	ErrUnknownScheme = errors.New("unsupported protocol scheme")

	// ErrProtocol is returned when the server rejects a request or speaks an
	// incompatible protocol version.
	ErrProtocol = errors.New("payment channel server error")
)

// Info describes the merchant side of a channel server.
type Info struct {
	// PublicKey is the merchant's serialized compressed public key, hex
	// encoded.
	PublicKey string

	// Zeroconf reports whether the server accepts payments against an
	// unconfirmed deposit.
	Zeroconf bool
}

// PayStatus tags the outcome of a payment submission.
type PayStatus int

const (
	// PayAccepted means the server validated and recorded the payment.
	PayAccepted PayStatus = iota + 1

	// PayChannelNotFound means the server has no record of the channel. The
	// caller treats this as an authoritative server-side close.
	PayChannelNotFound
)

// PayResult is the outcome of submitting a payment transaction.
type PayResult struct {
	Status PayStatus

	// PaymentTxid identifies the accepted payment, set only when Status is
	// PayAccepted.
	PaymentTxid string
}

// Transport is the wire client of one merchant channel server. A transport
// is bound to the server's base URL; channels are addressed by deposit txid.
type Transport interface {
	// GetInfo fetches the merchant info used for the open handshake.
	GetInfo(ctx context.Context) (*Info, error)

	// Open submits the deposit transaction and redeem script to open a new
	// channel.
	Open(ctx context.Context, depositTxHex, redeemScriptHex string) error

	// Pay submits a half-signed payment transaction. A server that does not
	// know the channel yields PayChannelNotFound rather than an error.
	Pay(ctx context.Context, depositTxid, paymentTxHex string) (*PayResult, error)

	// Status fetches the server's view of the channel.
	Status(ctx context.Context, depositTxid string) (map[string]interface{}, error)

	// Close requests the server co-sign and broadcast the last payment,
	// authorized by a signature over the deposit txid. Returns the broadcast
	// txid.
	Close(ctx context.Context, depositTxid, depositTxidSignature string) (string, error)
}

// Factory builds a transport bound to a channel server base URL.
type Factory func(baseURL *url.URL) (Transport, error)

// Registry maps URL schemes to transport factories. It is populated at
// construction time and injected into the channel client.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a URL scheme to a transport factory, replacing any previous
// binding.
func (r *Registry) Register(scheme string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Resolve builds a transport for the given server base URL, failing with
// ErrUnknownScheme if no factory is registered for its scheme.
func (r *Registry) Resolve(baseURL string) (Transport, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel server url: %w", err)
	}

	r.mu.RLock()
	factory, ok := r.factories[parsed.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, parsed.Scheme)
	}

	return factory(parsed)
}
