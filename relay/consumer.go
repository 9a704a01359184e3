// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"

	"github.com/absmach/fluxdelay/timers"
)

func (r *Relay) handleDelivery(d Delivery) {
	body := d.Body()
	r.metrics.RecordReceived(len(body))
	r.logger.Debug("Received message", "size", len(body))

	msg, err := Decode(body, d.ContentType(), r.opts.MaxMessageSize)
	if err != nil {
		r.reject(d, err)
		return
	}

	left := msg.TimeLeft(r.clock.Now())
	if left <= 0 {
		r.logger.Debug("Time already passed, forwarding message", "queue", msg.ReplyQueueName)
		r.startForward("", msg, d, r.session)
		return
	}

	pd := &pendingDelivery{msg: msg, delivery: d, session: r.session}
	key := r.timers.Register(left, func(key timers.Key) {
		post(r, r.fired, firedEvent{key: key, pd: pd})
	})
	r.syncPending()
	r.metrics.RecordScheduled(left)

	r.logger.Debug("Scheduled forward",
		"queue", msg.ReplyQueueName,
		"delay", left,
		"expire_at", msg.ExpireAt,
		"key", key)
}

// reject drops a message that can never be forwarded. It is not requeued.
func (r *Relay) reject(d Delivery, err error) {
	reason := RejectValidation
	var pe *ParseError
	if errors.As(err, &pe) {
		reason = RejectParse
	}

	r.logger.Debug("Rejected message", "reason", reason, "error", err)
	r.metrics.RecordRejected(reason)

	if err := d.Nack(false); err != nil {
		r.logger.Warn("Failed to nack rejected message", "error", err)
	}
}

func (r *Relay) handleFired(ev firedEvent) {
	// Timers cancelled on disconnect may still have been racing to post.
	if !r.timers.Contains(ev.key) {
		r.logger.Debug("Dropped stale timer", "key", ev.key)
		return
	}

	r.logger.Info("Message delay expired, forwarding message", "queue", ev.pd.msg.ReplyQueueName)
	r.startForward(ev.key, ev.pd.msg, ev.pd.delivery, ev.pd.session)
}

// startForward publishes msg off the loop. For a timed message the key stays
// in the store until the forward completes.
func (r *Relay) startForward(key timers.Key, msg DelayedMessage, d Delivery, session Session) {
	r.inflight++
	r.inflightVal.Store(int64(r.inflight))

	ctx := r.fwdCtx
	go func() {
		res := forwardResult{key: key, queue: msg.ReplyQueueName}

		if err := r.fwd.forward(ctx, session, msg.ReplyQueueName, []byte(msg.Payload)); err != nil {
			res.err = err
			if nerr := d.Nack(true); nerr != nil {
				res.err = errors.Join(err, nerr)
			}
		} else {
			res.ackErr = d.Ack()
			res.lateness = r.clock.Since(msg.ExpireAt)
		}

		post(r, r.forwarded, res)
	}()
}

func (r *Relay) handleForwarded(res forwardResult) {
	r.inflight--
	r.inflightVal.Store(int64(r.inflight))

	if res.key != "" && r.timers.Remove(res.key) {
		r.syncPending()
	}

	if res.err != nil {
		r.logger.Warn("Failed to forward message", "queue", res.queue, "error", res.err)
		r.metrics.RecordForwardFailed()
		return
	}
	if res.ackErr != nil {
		r.logger.Warn("Failed to ack forwarded message", "queue", res.queue, "error", res.ackErr)
	}

	r.logger.Info("Sent", "queue", res.queue)
	r.metrics.RecordForwarded(res.lateness)
}
