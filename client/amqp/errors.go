// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import "errors"

// Client errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrNotConnected     = errors.New("session not connected")
	ErrPublisherConfirm = errors.New("publisher confirm not acknowledged")
	ErrTimeout          = errors.New("operation timed out")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
)
