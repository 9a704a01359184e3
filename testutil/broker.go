// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxdelay/relay"
)

// ErrSessionClosed is returned by operations on a closed fake session.
var ErrSessionClosed = errors.New("fake session closed")

// Publication is a message forwarded through a fake session.
type Publication struct {
	Queue string
	Body  []byte
}

// Broker is an in-memory relay.Dialer. Each successful Dial creates a new
// Session that tests drive directly.
type Broker struct {
	mu        sync.Mutex
	failDials int
	dialErr   error
	dials     int
	sessions  []*Session
}

// NewBroker creates an empty fake broker.
func NewBroker() *Broker {
	return &Broker{}
}

// FailDials makes the next n dials fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.dialErr = err
}

// Dial implements relay.Dialer.
func (b *Broker) Dial(ctx context.Context) (relay.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.failDials > 0 {
		b.failDials--
		return nil, b.dialErr
	}

	s := newSession()
	b.sessions = append(b.sessions, s)
	return s, nil
}

// Dials returns the number of Dial calls so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Sessions returns the number of sessions created.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Session returns the i-th session created.
func (b *Broker) Session(i int) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

// Last returns the most recent session or nil.
func (b *Broker) Last() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// Published returns every forward across all sessions in order of session.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	sessions := append([]*Session(nil), b.sessions...)
	b.mu.Unlock()

	var out []Publication
	for _, s := range sessions {
		out = append(out, s.Published()...)
	}
	return out
}

// Session is an in-memory relay.Session.
type Session struct {
	mu          sync.Mutex
	deliveries  chan relay.Delivery
	closed      chan error
	isClosed    bool
	subscribed  bool
	queue       string
	consumerTag string
	prefetch    int
	published   []Publication
	cancels     int
	closes      int

	// Errors injected by tests.
	ForwardErr error
	CancelErr  error
	CloseErr   error

	// Block, when set, holds every Forward until it is closed.
	Block chan struct{}
}

func newSession() *Session {
	return &Session{
		deliveries: make(chan relay.Delivery, 64),
		closed:     make(chan error, 1),
	}
}

// Subscribe implements relay.Session.
func (s *Session) Subscribe(queue, consumerTag string, prefetch int) (<-chan relay.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil, ErrSessionClosed
	}
	s.subscribed = true
	s.queue = queue
	s.consumerTag = consumerTag
	s.prefetch = prefetch
	return s.deliveries, nil
}

// Forward implements relay.Session.
func (s *Session) Forward(ctx context.Context, queue string, body []byte) error {
	s.mu.Lock()
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return ErrSessionClosed
	}
	if s.ForwardErr != nil {
		return s.ForwardErr
	}
	s.published = append(s.published, Publication{Queue: queue, Body: append([]byte(nil), body...)})
	return nil
}

// Cancel implements relay.Session.
func (s *Session) Cancel(consumerTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	if s.CancelErr != nil {
		return s.CancelErr
	}
	s.subscribed = false
	return nil
}

// Closed implements relay.Session.
func (s *Session) Closed() <-chan error {
	return s.closed
}

// Close implements relay.Session. A local close reports no error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	closeErr := s.CloseErr
	s.mu.Unlock()

	s.shutdown(nil)
	return closeErr
}

// Drop simulates the broker closing the connection with err.
func (s *Session) Drop(err error) {
	s.shutdown(err)
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	s.isClosed = true
	if err != nil {
		s.closed <- err
	}
	close(s.closed)
	close(s.deliveries)
}

// Deliver pushes a message to the subscribed consumer.
func (s *Session) Deliver(body []byte, contentType string) *Delivery {
	d := &Delivery{session: s, body: body, contentType: contentType}
	s.deliveries <- d
	return d
}

// Published returns the forwards made through this session.
func (s *Session) Published() []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Publication(nil), s.published...)
}

// Subscription returns the queue, consumer tag and prefetch of the consumer.
func (s *Session) Subscription() (queue, consumerTag string, prefetch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue, s.consumerTag, s.prefetch
}

// Subscribed reports whether the consumer is active.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Cancels returns how many times Cancel was called.
func (s *Session) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// IsClosed reports whether the session is gone.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// Delivery is an in-memory relay.Delivery that records its settlement.
type Delivery struct {
	session     *Session
	body        []byte
	contentType string

	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

// Body implements relay.Delivery.
func (d *Delivery) Body() []byte { return d.body }

// ContentType implements relay.Delivery.
func (d *Delivery) ContentType() string { return d.contentType }

// Ack implements relay.Delivery.
func (d *Delivery) Ack() error {
	if d.session.IsClosed() {
		return ErrSessionClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return nil
}

// Nack implements relay.Delivery.
func (d *Delivery) Nack(requeue bool) error {
	if d.session.IsClosed() {
		return ErrSessionClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacks++
	d.requeue = requeue
	return nil
}

// Acked reports how many times the delivery was acked.
func (d *Delivery) Acked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks
}

// Nacked reports how many times the delivery was nacked and whether the last
// nack asked for requeue.
func (d *Delivery) Nacked() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacks, d.requeue
}
