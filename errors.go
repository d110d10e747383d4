package channels

import "errors"

var (
	// ErrNotReady is returned when a channel is not ready for the requested
	// operation.
	ErrNotReady = errors.New("channel not ready")

	// ErrNoPayment is returned when closing a channel that has no payments.
	ErrNoPayment = errors.New("channel has no payments")

	// ErrClosed is returned when operating on a closed channel, including one
	// the server has authoritatively lost.
	ErrClosed = errors.New("channel closed")

	// ErrInsufficientBalance is returned when a payment exceeds the channel
	// balance or the wallet cannot fund a deposit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnsupportedProtocol is returned when no transport is registered for
	// a channel URL scheme.
	ErrUnsupportedProtocol = errors.New("unsupported channel protocol")

	// ErrNotFound is returned when no channel exists under the given URL.
	ErrNotFound = errors.New("channel not found")

	// ErrServer is returned when the channel server fails a request for any
	// reason other than not knowing the channel.
	ErrServer = errors.New("channel server error")
)
