// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp connects the relay to an AMQP 0.9.1 broker.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxdelay/relay"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker sessions. It implements relay.Dialer.
type Dialer struct {
	opts *Options
}

var _ relay.Dialer = (*Dialer)(nil)

// New creates a new dialer with the given options.
func New(opts *Options) (*Dialer, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{opts: opts}, nil
}

// Dial implements relay.Dialer.
func (d *Dialer) Dial(ctx context.Context) (relay.Session, error) {
	s, err := d.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens a connection and a channel in confirm mode.
func (d *Dialer) Connect(ctx context.Context) (*Session, error) {
	url, err := d.opts.dialURL()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: d.opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: d.opts.TLSConfig,
		Heartbeat:       d.opts.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}

	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// WaitConfirm only decides whether Publish waits for the broker's answer.
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	s := &Session{
		opts:     d.opts,
		conn:     conn,
		ch:       ch,
		closed:   make(chan error, 1),
		done:     make(chan struct{}),
		declared: make(map[string]struct{}),
	}
	s.watchClose()

	return s, nil
}

// Session is one connection and channel to the broker. It implements
// relay.Session.
type Session struct {
	opts *Options

	conn *amqp091.Connection
	ch   *amqp091.Channel
	chMu sync.Mutex

	declaredMu sync.Mutex
	declared   map[string]struct{}

	closed    chan error
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	doneOnce  sync.Once
}

var _ relay.Session = (*Session)(nil)

// Closed implements relay.Session. A close we started ourselves yields no
// error before the channel is closed.
func (s *Session) Closed() <-chan error {
	return s.closed
}

// Close closes the channel and the connection. Closing an already closed
// session is not an error.
func (s *Session) Close() error {
	s.closing.Store(true)

	var errs []error
	s.closeOnce.Do(func() {
		s.chMu.Lock()
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		s.chMu.Unlock()

		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	})
	s.finish()

	return errors.Join(errs...)
}

func (s *Session) watchClose() {
	connClose := s.conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClose := s.ch.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		var amqpErr *amqp091.Error
		channelOnly := false
		select {
		case amqpErr = <-connClose:
		case amqpErr = <-chClose:
			channelOnly = true
		}

		// A dead channel leaves the connection without a consumer, so it
		// is dropped as well and the relay reconnects from scratch.
		if channelOnly && !s.conn.IsClosed() {
			_ = s.conn.Close()
		}

		if amqpErr != nil && !s.closing.Load() {
			s.closed <- amqpErr
		}
		close(s.closed)
		s.finish()
	}()
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// closingErr maps errors caused by a closed connection to
// relay.ErrConnectionClosing.
func closingErr(err error) error {
	if errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("%w: %w", relay.ErrConnectionClosing, err)
	}
	return err
}
