// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Forward implements relay.Session. It publishes body to queue through the
// default exchange.
func (s *Session) Forward(ctx context.Context, queue string, body []byte) error {
	if s.opts.DeclareReplyQueue {
		if err := s.declareOnce(queue); err != nil {
			return err
		}
	}
	return s.Publish(ctx, queue, body, nil)
}

// Publish sends payload to queue through the default exchange and, when
// confirms are enabled, waits for the broker to take responsibility for it.
func (s *Session) Publish(ctx context.Context, queue string, payload []byte, props map[string]string) error {
	if queue == "" {
		return ErrInvalidQueueName
	}

	publishing := amqp091.Publishing{
		Timestamp: time.Now(),
		Body:      payload,
	}
	if s.opts.Persistent {
		publishing.DeliveryMode = amqp091.Persistent
	}
	applyProperties(&publishing, props)

	s.chMu.Lock()
	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	s.chMu.Unlock()
	if err != nil {
		return closingErr(err)
	}

	if !s.opts.WaitConfirm || dc == nil {
		return nil
	}
	return s.waitConfirm(ctx, dc)
}

func (s *Session) waitConfirm(ctx context.Context, dc *amqp091.DeferredConfirmation) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	ack, err := dc.WaitContext(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: publisher confirm", ErrTimeout)
	case err != nil:
		return err
	case !ack:
		return ErrPublisherConfirm
	}
	return nil
}

func (s *Session) declareOnce(queue string) error {
	s.declaredMu.Lock()
	_, ok := s.declared[queue]
	s.declaredMu.Unlock()
	if ok {
		return nil
	}

	if err := s.DeclareQueue(queue); err != nil {
		return fmt.Errorf("failed to declare reply queue %s: %w", queue, err)
	}

	s.declaredMu.Lock()
	s.declared[queue] = struct{}{}
	s.declaredMu.Unlock()
	return nil
}

func applyProperties(p *amqp091.Publishing, props map[string]string) {
	if len(props) == 0 {
		return
	}

	for key, value := range props {
		switch strings.ToLower(key) {
		case "content-type":
			p.ContentType = value
		case "content-encoding":
			p.ContentEncoding = value
		case "correlation-id":
			p.CorrelationId = value
		case "reply-to":
			p.ReplyTo = value
		case "message-id":
			p.MessageId = value
		case "type":
			p.Type = value
		case "app-id":
			p.AppId = value
		case "expiration":
			p.Expiration = value
		default:
			if p.Headers == nil {
				p.Headers = amqp091.Table{}
			}
			p.Headers[key] = value
		}
	}
}
