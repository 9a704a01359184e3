// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"fmt"

	"github.com/absmach/fluxdelay/relay"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// QueueMessage is a delivery from the delay queue. It implements
// relay.Delivery.
type QueueMessage struct {
	amqp091.Delivery
	session *Session
}

var _ relay.Delivery = (*QueueMessage)(nil)

// Body implements relay.Delivery.
func (qm *QueueMessage) Body() []byte {
	return qm.Delivery.Body
}

// ContentType implements relay.Delivery.
func (qm *QueueMessage) ContentType() string {
	return qm.Delivery.ContentType
}

// Ack acknowledges the message.
func (qm *QueueMessage) Ack() error {
	return qm.withChannelLock(func() error {
		return closingErr(qm.Delivery.Ack(false))
	})
}

// Nack negatively acknowledges the message. A message that is not requeued
// is dropped or dead-lettered by the broker.
func (qm *QueueMessage) Nack(requeue bool) error {
	return qm.withChannelLock(func() error {
		return closingErr(qm.Delivery.Nack(false, requeue))
	})
}

func (qm *QueueMessage) withChannelLock(fn func() error) error {
	if qm.session == nil {
		return fn()
	}
	qm.session.chMu.Lock()
	defer qm.session.chMu.Unlock()
	return fn()
}

// DeclareQueue declares a durable queue.
func (s *Session) DeclareQueue(name string) error {
	if name == "" {
		return ErrInvalidQueueName
	}

	s.chMu.Lock()
	defer s.chMu.Unlock()

	if _, err := s.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return closingErr(err)
	}
	return nil
}

// Subscribe implements relay.Session. It declares the queue, limits
// unacknowledged deliveries on the whole channel to prefetch and starts a
// manual-ack consumer.
func (s *Session) Subscribe(queue, consumerTag string, prefetch int) (<-chan relay.Delivery, error) {
	if err := s.DeclareQueue(queue); err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	s.chMu.Lock()
	defer s.chMu.Unlock()

	if err := s.ch.Qos(prefetch, 0, true); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", closingErr(err))
	}

	msgs, err := s.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", closingErr(err))
	}

	out := make(chan relay.Delivery)
	go s.consume(msgs, out)
	return out, nil
}

// Cancel implements relay.Session. In-flight deliveries stay valid.
func (s *Session) Cancel(consumerTag string) error {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return closingErr(s.ch.Cancel(consumerTag, false))
}

func (s *Session) consume(msgs <-chan amqp091.Delivery, out chan<- relay.Delivery) {
	defer close(out)

	for d := range msgs {
		select {
		case out <- &QueueMessage{Delivery: d, session: s}:
		case <-s.done:
			return
		}
	}
}
