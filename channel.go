// Package channels implements the customer side of a bitcoin payment
// channel protocol: a single on-chain deposit funds many fast off-chain
// payments to a merchant, settled by one co-signed spend or, past
// expiration, a unilateral refund.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/21dotco/two1-python-sub000/blockchain"
	"github.com/21dotco/two1-python-sub000/server"
	"github.com/21dotco/two1-python-sub000/statemachine"
	"github.com/21dotco/two1-python-sub000/store"
	"github.com/21dotco/two1-python-sub000/wallet"
)

const (
	// DepositRebroadcastTimeout is how long Sync waits for deposit
	// confirmation before rebroadcasting the deposit.
	DepositRebroadcastTimeout = time.Hour

	// MinExpirationTimeout is the minimum channel duration.
	MinExpirationTimeout = 12 * time.Hour

	// RefundBroadcastTimeOffset delays the refund broadcast past the
	// locktime to account for median time-past (BIP113) node policy.
	// Broadcasting earlier risks a non-final classification by the
	// blockchain data provider.
	RefundBroadcastTimeOffset = 90 * time.Minute
)

// PaymentChannel manages the full lifecycle of one payment channel. It holds
// no channel state of its own; every call re-reads the persisted record
// inside a store transaction. Callers serialize operations through the
// store lock.
type PaymentChannel struct {
	url      string
	store    store.Store
	wallet   wallet.Adapter
	oracle   blockchain.Oracle
	registry *server.Registry
	clock    clock.Clock
}

// OpenArgs are the parameters for opening a new payment channel.
type OpenArgs struct {
	// URL is the channel server URL; its scheme selects the transport.
	URL string

	// DepositAmount is the channel deposit in satoshis.
	DepositAmount int64

	// Expiration is the channel duration before the refund unlocks.
	Expiration time.Duration

	// FeeAmount is the fee in satoshis for each channel transaction.
	FeeAmount int64

	// Zeroconf makes the channel ready without waiting for deposit
	// confirmation.
	Zeroconf bool

	// UseUnconfirmed allows funding the deposit with unconfirmed coins.
	UseUnconfirmed bool
}

func (a OpenArgs) validate() error {
	if a.URL == "" {
		return fmt.Errorf("missing channel server url")
	}
	if a.DepositAmount <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}
	if a.FeeAmount <= 0 {
		return fmt.Errorf("fee amount must be positive")
	}
	if a.Expiration <= 0 {
		return fmt.Errorf("expiration must be positive")
	}
	if a.Expiration < MinExpirationTimeout {
		return fmt.Errorf(
			"expiration must be at least %v", MinExpirationTimeout,
		)
	}
	return nil
}

// openChannel opens a new channel against the server at args.URL: it runs
// the get-info/create/open handshake, persists the new record under the
// final channel URL and broadcasts the deposit. The caller holds the store
// lock.
func openChannel(
	ctx context.Context, st store.Store, w wallet.Adapter,
	oracle blockchain.Oracle, registry *server.Registry, c clock.Clock,
	args OpenArgs,
) (*PaymentChannel, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}

	transport, err := registry.Resolve(args.URL)
	if err != nil {
		if errors.Is(err, server.ErrUnknownScheme) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, args.URL)
		}
		return nil, err
	}

	var channelURL string
	err = st.Transaction(ctx, func(tx store.Tx) error {
		record := statemachine.NewRecord("")
		m := statemachine.New(record, w, c)

		info, err := transport.GetInfo(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrServer, err)
		}

		expirationTime := c.Now().Unix() + int64(args.Expiration.Seconds())
		depositTx, redeemScript, err := m.Create(
			ctx, info.PublicKey, args.DepositAmount, expirationTime,
			args.FeeAmount, args.Zeroconf, args.UseUnconfirmed,
		)
		if err != nil {
			if errors.Is(err, statemachine.ErrInsufficientBalance) {
				return fmt.Errorf("%w: %s", ErrInsufficientBalance, err)
			}
			return err
		}

		if err := transport.Open(ctx, depositTx, redeemScript); err != nil {
			return fmt.Errorf("%w: %s", ErrServer, err)
		}

		channelURL = strings.TrimRight(args.URL, "/") + "/" + m.DepositTxid()
		record.URL = channelURL

		row, err := store.RowFromRecord(record)
		if err != nil {
			return err
		}
		if err := tx.Create(row); err != nil {
			return err
		}

		return w.Broadcast(ctx, record.DepositTx)
	})
	if err != nil {
		return nil, err
	}

	return &PaymentChannel{
		url:      channelURL,
		store:    st,
		wallet:   w,
		oracle:   oracle,
		registry: registry,
		clock:    c,
	}, nil
}

// URL returns the channel URL.
func (pc *PaymentChannel) URL() string {
	return pc.url
}

// Pay makes an off-chain payment of amount satoshis over the channel and
// returns the accepted payment txid.
//
// If the server reports the channel unknown, the channel is closed locally
// and ErrClosed is returned; the server's loss of the channel is treated as
// authoritative and terminal. Any other server failure rolls the pending
// payment back and surfaces as ErrServer.
func (pc *PaymentChannel) Pay(ctx context.Context, amount int64) (string, error) {
	var paymentTxid string
	closedByServer := false

	err := pc.store.Transaction(ctx, func(tx store.Tx) error {
		record, m, err := pc.readMachine(tx)
		if err != nil {
			return err
		}

		if m.State() == statemachine.StateClosed {
			return ErrClosed
		}
		if m.State() != statemachine.StateReady {
			return ErrNotReady
		}

		transport, err := pc.serverTransport()
		if err != nil {
			return err
		}

		paymentTx, err := m.Pay(ctx, amount)
		if err != nil {
			if errors.Is(err, statemachine.ErrInsufficientBalance) {
				return fmt.Errorf("%w: %s", ErrInsufficientBalance, err)
			}
			return err
		}

		result, err := transport.Pay(ctx, m.DepositTxid(), paymentTx)
		if err != nil {
			if nackErr := m.PayNack(); nackErr != nil {
				return nackErr
			}
			return fmt.Errorf("%w: %s", ErrServer, err)
		}

		switch result.Status {
		case server.PayAccepted:
			if err := m.PayAck(); err != nil {
				return err
			}
			paymentTxid = result.PaymentTxid

		case server.PayChannelNotFound:
			if err := m.PayNack(); err != nil {
				return err
			}
			if err := m.Close(""); err != nil {
				return err
			}
			closedByServer = true

		default:
			return fmt.Errorf("%w: unknown pay status %d", ErrServer, result.Status)
		}

		return pc.update(tx, record)
	})
	if err != nil {
		return "", err
	}
	if closedByServer {
		return "", fmt.Errorf("%w by server", ErrClosed)
	}

	return paymentTxid, nil
}

// Sync reconciles the channel with the blockchain: it confirms or
// rebroadcasts the deposit, detects and finalizes a spend of the deposit,
// and broadcasts the refund once the channel has expired. Sync is
// idempotent and a no-op once the channel is closed.
func (pc *PaymentChannel) Sync(ctx context.Context) error {
	return pc.store.Transaction(ctx, func(tx store.Tx) error {
		record, m, err := pc.readMachine(tx)
		if err != nil {
			return err
		}

		if m.State() == statemachine.StateClosed {
			return nil
		}

		// Deposit confirmation.
		if m.State() == statemachine.StateConfirmingDeposit {
			confirmed, err := pc.oracle.CheckConfirmed(ctx, m.DepositTxid(), 1)
			if err != nil {
				return err
			}
			if confirmed {
				if err := m.Confirm(); err != nil {
					return err
				}
			} else if pc.now()-m.CreationTime() > DepositRebroadcastTimeout.Seconds() {
				if _, err := pc.oracle.Broadcast(ctx, m.DepositTx()); err != nil {
					return err
				}
			}
		}

		// Spend detection.
		state := m.State()
		if state == statemachine.StateConfirmingSpend || state == statemachine.StateReady {
			utxoIndex, err := m.DepositUtxoIndex()
			if err != nil {
				return err
			}
			spendTxid, err := pc.oracle.LookupSpendTxid(
				ctx, m.DepositTxid(), utxoIndex,
			)
			if err != nil {
				return err
			}
			if spendTxid != "" {
				if err := m.Close(spendTxid); err != nil {
					return err
				}

				confirmed, err := pc.oracle.CheckConfirmed(ctx, spendTxid, 1)
				if err != nil {
					return err
				}
				if confirmed {
					spendTx, err := pc.oracle.LookupTx(ctx, spendTxid)
					if err != nil {
						return err
					}
					if err := m.Finalize(spendTx); err != nil {
						return err
					}
				}
			}
		}

		// Expiration refund.
		if m.State() != statemachine.StateClosed {
			refundTime := m.ExpirationTime() + int64(RefundBroadcastTimeOffset.Seconds())
			if pc.clock.Now().Unix() > refundTime {
				if _, err := pc.oracle.Broadcast(ctx, m.RefundTx()); err != nil {
					return err
				}
				if err := m.Close(m.RefundTxid()); err != nil {
					return err
				}
			}
		}

		return pc.update(tx, record)
	})
}

// Close requests the server co-sign and broadcast the last payment
// transaction, settling the channel. Valid only when the channel is ready
// and has at least one payment.
func (pc *PaymentChannel) Close(ctx context.Context) error {
	return pc.store.Transaction(ctx, func(tx store.Tx) error {
		record, m, err := pc.readMachine(tx)
		if err != nil {
			return err
		}

		if m.State() != statemachine.StateReady {
			return ErrNotReady
		}
		if m.PaymentTx() == "" {
			return ErrNoPayment
		}

		transport, err := pc.serverTransport()
		if err != nil {
			return err
		}

		signature, err := m.DepositTxidSignature(ctx)
		if err != nil {
			return err
		}
		paymentTxid, err := transport.Close(ctx, m.DepositTxid(), signature)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrServer, err)
		}

		if err := m.Close(paymentTxid); err != nil {
			return err
		}

		return pc.update(tx, record)
	})
}

// ChannelTransactions are the raw channel transactions, hex encoded, empty
// when unset.
type ChannelTransactions struct {
	DepositTx string
	RefundTx  string
	PaymentTx string
	SpendTx   string
}

// ChannelStatus is a point-in-time snapshot of a channel.
type ChannelStatus struct {
	URL            string
	State          statemachine.State
	Ready          bool
	Balance        int64
	Deposit        int64
	Fee            int64
	CreationTime   float64
	ExpirationTime int64
	Expired        bool
	DepositTxid    string
	SpendTxid      string

	// Transactions is populated only when requested.
	Transactions *ChannelTransactions
}

// Status returns a snapshot of the channel, including the raw transactions
// when includeTxs is set.
func (pc *PaymentChannel) Status(
	ctx context.Context, includeTxs bool,
) (*ChannelStatus, error) {
	var status *ChannelStatus
	err := pc.store.Transaction(ctx, func(tx store.Tx) error {
		_, m, err := pc.readMachine(tx)
		if err != nil {
			return err
		}

		balance, err := m.BalanceAmount()
		if err != nil {
			return err
		}
		fee, err := m.FeeAmount()
		if err != nil {
			return err
		}

		status = &ChannelStatus{
			URL:            pc.url,
			State:          m.State(),
			Ready:          m.State() == statemachine.StateReady,
			Balance:        balance,
			Deposit:        m.DepositAmount(),
			Fee:            fee,
			CreationTime:   m.CreationTime(),
			ExpirationTime: m.ExpirationTime(),
			Expired:        pc.clock.Now().Unix() > m.ExpirationTime(),
			DepositTxid:    m.DepositTxid(),
			SpendTxid:      m.SpendTxid(),
		}
		if includeTxs {
			status.Transactions = &ChannelTransactions{
				DepositTx: m.DepositTx(),
				RefundTx:  m.RefundTx(),
				PaymentTx: m.PaymentTx(),
				SpendTx:   m.SpendTx(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// readMachine loads the channel record and builds a state machine over it.
func (pc *PaymentChannel) readMachine(
	tx store.Tx,
) (*statemachine.Record, *statemachine.Machine, error) {
	row, err := tx.Read(pc.url)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, pc.url)
		}
		return nil, nil, err
	}
	record, err := row.Record()
	if err != nil {
		return nil, nil, err
	}
	return record, statemachine.New(record, pc.wallet, pc.clock), nil
}

func (pc *PaymentChannel) update(tx store.Tx, record *statemachine.Record) error {
	row, err := store.RowFromRecord(record)
	if err != nil {
		return err
	}
	return tx.Update(row)
}

// serverTransport resolves the transport for this channel's server, whose
// base URL is the channel URL minus the deposit txid segment.
func (pc *PaymentChannel) serverTransport() (server.Transport, error) {
	idx := strings.LastIndex(pc.url, "/")
	if idx < 0 {
		return nil, fmt.Errorf("%w: malformed channel url %q", ErrUnsupportedProtocol, pc.url)
	}
	transport, err := pc.registry.Resolve(pc.url[:idx])
	if err != nil {
		if errors.Is(err, server.ErrUnknownScheme) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, pc.url)
		}
		return nil, err
	}
	return transport, nil
}

func (pc *PaymentChannel) now() float64 {
	return float64(pc.clock.Now().UnixNano()) / 1e9
}
