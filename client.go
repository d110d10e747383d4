package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lightningnetwork/lnd/clock"
	log "github.com/sirupsen/logrus"

	"github.com/21dotco/two1-python-sub000/blockchain"
	"github.com/21dotco/two1-python-sub000/server"
	"github.com/21dotco/two1-python-sub000/server/httpclient"
	"github.com/21dotco/two1-python-sub000/store"
	"github.com/21dotco/two1-python-sub000/wallet"
)

// ClientArgs configure a PaymentChannelClient.
type ClientArgs struct {
	// Wallet builds and signs the channel transactions.
	Wallet wallet.Adapter

	// Oracle is the blockchain read/broadcast backend.
	Oracle blockchain.Oracle

	// Store persists the channel records.
	Store store.Store

	// Registry maps channel URL schemes to server transports. Defaults to
	// the HTTP transport under http and https.
	Registry *server.Registry

	// Clock supplies the current time. Defaults to the wall clock.
	Clock clock.Clock
}

func (a ClientArgs) validate() error {
	if a.Wallet == nil {
		return fmt.Errorf("missing wallet")
	}
	if a.Oracle == nil {
		return fmt.Errorf("missing blockchain oracle")
	}
	if a.Store == nil {
		return fmt.Errorf("missing channel store")
	}
	return nil
}

// DefaultRegistry returns a transport registry speaking the HTTP payment
// channel protocol under the http and https schemes.
func DefaultRegistry() *server.Registry {
	registry := server.NewRegistry()
	registry.Register("http", httpclient.NewTransport)
	registry.Register("https", httpclient.NewTransport)
	return registry
}

// PaymentChannelClient manages the set of payment channels keyed by URL,
// lazily rehydrated from the store.
//
// Every public operation acquires the store lock for its whole
// read-modify-persist span, serializing all channel operations within the
// client (and, for file-backed stores, across processes sharing the
// database).
type PaymentChannelClient struct {
	store    store.Store
	wallet   wallet.Adapter
	oracle   blockchain.Oracle
	registry *server.Registry
	clock    clock.Clock

	channels map[string]*PaymentChannel
}

// NewClient returns a payment channel client over the given wallet, oracle
// and store, rehydrating any channels already persisted.
func NewClient(ctx context.Context, args ClientArgs) (*PaymentChannelClient, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}

	registry := args.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	c := args.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}

	client := &PaymentChannelClient{
		store:    args.Store,
		wallet:   args.Wallet,
		oracle:   args.Oracle,
		registry: registry,
		clock:    c,
		channels: make(map[string]*PaymentChannel),
	}

	if err := client.store.Lock(); err != nil {
		return nil, err
	}
	defer client.store.Unlock()

	if err := client.updateChannels(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Open opens a new payment channel and returns its URL.
func (c *PaymentChannelClient) Open(
	ctx context.Context, args OpenArgs,
) (string, error) {
	if err := c.store.Lock(); err != nil {
		return "", err
	}
	defer c.store.Unlock()

	channel, err := openChannel(
		ctx, c.store, c.wallet, c.oracle, c.registry, c.clock, args,
	)
	if err != nil {
		return "", err
	}

	c.channels[channel.URL()] = channel
	return channel.URL(), nil
}

// Pay makes a payment of amount satoshis over the channel at url and
// returns the accepted payment txid.
func (c *PaymentChannelClient) Pay(
	ctx context.Context, url string, amount int64,
) (string, error) {
	if err := c.store.Lock(); err != nil {
		return "", err
	}
	defer c.store.Unlock()

	channel, ok := c.channels[url]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return channel.Pay(ctx, amount)
}

// Sync reconciles the channel at url with the blockchain. An empty url
// syncs every known channel, continuing past individual failures.
func (c *PaymentChannelClient) Sync(ctx context.Context, url string) error {
	if err := c.store.Lock(); err != nil {
		return err
	}
	defer c.store.Unlock()

	if err := c.updateChannels(ctx); err != nil {
		return err
	}

	if url != "" {
		channel, ok := c.channels[url]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, url)
		}
		return channel.Sync(ctx)
	}

	for _, channel := range c.channels {
		if err := channel.Sync(ctx); err != nil {
			log.WithError(err).Warnf(
				"failed to sync channel %s", channel.URL(),
			)
		}
	}
	return nil
}

// Status returns a snapshot of the channel at url, including the raw
// channel transactions when includeTxs is set.
func (c *PaymentChannelClient) Status(
	ctx context.Context, url string, includeTxs bool,
) (*ChannelStatus, error) {
	if err := c.store.Lock(); err != nil {
		return nil, err
	}
	defer c.store.Unlock()

	channel, ok := c.channels[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return channel.Status(ctx, includeTxs)
}

// Close settles the channel at url through the server.
func (c *PaymentChannelClient) Close(ctx context.Context, url string) error {
	if err := c.store.Lock(); err != nil {
		return err
	}
	defer c.store.Unlock()

	channel, ok := c.channels[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return channel.Close(ctx)
}

// List returns the known channel URLs, optionally filtered to those with
// the given prefix, sorted so the best channel to spend from comes first:
// descending by readiness, then balance, then creation time.
func (c *PaymentChannelClient) List(
	ctx context.Context, prefix string,
) ([]string, error) {
	if err := c.store.Lock(); err != nil {
		return nil, err
	}
	defer c.store.Unlock()

	if err := c.updateChannels(ctx); err != nil {
		return nil, err
	}

	type channelRank struct {
		url          string
		ready        bool
		balance      int64
		creationTime float64
	}

	ranks := make([]channelRank, 0, len(c.channels))
	for url, channel := range c.channels {
		if prefix != "" && !strings.HasPrefix(url, prefix) {
			continue
		}
		status, err := channel.Status(ctx, false)
		if err != nil {
			return nil, err
		}
		ranks = append(ranks, channelRank{
			url:          url,
			ready:        status.Ready,
			balance:      status.Balance,
			creationTime: status.CreationTime,
		})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].ready != ranks[j].ready {
			return ranks[i].ready
		}
		if ranks[i].balance != ranks[j].balance {
			return ranks[i].balance > ranks[j].balance
		}
		return ranks[i].creationTime > ranks[j].creationTime
	})

	urls := make([]string, 0, len(ranks))
	for _, rank := range ranks {
		urls = append(urls, rank.url)
	}
	return urls, nil
}

// updateChannels rehydrates channels persisted in the store but not yet
// known to this client.
func (c *PaymentChannelClient) updateChannels(ctx context.Context) error {
	return c.store.Transaction(ctx, func(tx store.Tx) error {
		urls, err := tx.List()
		if err != nil {
			return err
		}
		for _, url := range urls {
			if _, ok := c.channels[url]; ok {
				continue
			}
			c.channels[url] = &PaymentChannel{
				url:      url,
				store:    c.store,
				wallet:   c.wallet,
				oracle:   c.oracle,
				registry: c.registry,
				clock:    c.clock,
			}
		}
		return nil
	})
}
