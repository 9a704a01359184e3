// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// drain stops intake, abandons scheduled forwards and closes the session
// once in-flight forwards finish or the grace period runs out. Abandoned
// deliveries are never acked, so the broker hands them to the next consumer.
func (r *Relay) drain() error {
	r.phase = phaseDraining
	r.shouldReconnect = false
	r.logger.Info("Shutting down relay")

	var errs []error

	if r.cancelDial != nil {
		r.cancelDial()
		r.cancelDial = nil
	}

	if r.session != nil {
		if err := r.session.Cancel(r.opts.ConsumerTag); err != nil {
			errs = append(errs, fmt.Errorf("failed to cancel consumer: %w", err))
		}
	}
	r.deliveries = nil

	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}

	if n := r.timers.CancelAll(); n > 0 {
		r.logger.Info("Cleared all timers because of shutdown", "count", n)
		r.metrics.RecordTimersCancelled(n, CancelShutdown)
	}
	r.syncPending()

	r.awaitForwards()

	if r.session != nil {
		if err := r.session.Close(); err != nil && !IsClosing(err) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		r.session = nil
		r.closed = nil
	}

	r.setState(StateDisconnected)
	r.phase = phaseTerminated

	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error("Error in closing channel", "error", err)
		return err
	}
	r.logger.Info("Relay stopped")
	return nil
}

// awaitForwards lets forwards that already left their timer finish, for at
// most ShutdownGrace.
func (r *Relay) awaitForwards() {
	if r.inflight == 0 {
		return
	}

	r.logger.Info("Waiting for in-flight forwards", "count", r.inflight, "grace", r.opts.ShutdownGrace)

	grace := r.clock.NewTimer(r.opts.ShutdownGrace)
	defer grace.Stop()

	for r.inflight > 0 {
		select {
		case res := <-r.forwarded:
			r.handleForwarded(res)
		case <-grace.Chan():
			r.logger.Warn("Shutdown grace period expired", "in_flight", r.inflight)
			r.cancelForwards()
			return
		}
	}
}
