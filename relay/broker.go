// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import "context"

// Dialer opens sessions to the broker.
type Dialer interface {
	// Dial opens a connection and a channel in confirm mode.
	Dial(ctx context.Context) (Session, error)
}

// Session is one connection/channel pair. A session is never reused after it
// closes; the relay dials a new one.
type Session interface {
	// Subscribe declares queue, applies a channel-wide prefetch limit and
	// starts consuming under consumerTag.
	Subscribe(queue, consumerTag string, prefetch int) (<-chan Delivery, error)

	// Forward publishes body to queue as a persistent message.
	Forward(ctx context.Context, queue string, body []byte) error

	// Cancel stops the consumer registered under consumerTag.
	Cancel(consumerTag string) error

	// Closed yields a single value once the session is gone and is then
	// closed. ErrConnectionClosing (or nil) means the close was requested
	// locally.
	Closed() <-chan error

	// Close closes the channel and the connection.
	Close() error
}

// Delivery is a single message handed out by the broker.
type Delivery interface {
	Body() []byte
	ContentType() string
	Ack() error
	Nack(requeue bool) error
}
