// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// Relay errors.
var (
	ErrConnectionClosing = errors.New("connection closing")
	ErrAlreadyRunning    = errors.New("relay already running")
	ErrNilDialer         = errors.New("dialer cannot be nil")
	ErrInvalidQueueName  = errors.New("queue name cannot be empty")
	ErrInvalidPrefetch   = errors.New("prefetch must be at least 1")
	ErrMessageTooLarge   = errors.New("message exceeds maximum size")
)

// ParseError reports a delivery body that could not be decoded at all.
type ParseError struct {
	ContentType string
	Err         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message (%s): %v", e.ContentType, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError reports a decoded message that does not have the delayed
// message shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message: %q %s", e.Field, e.Reason)
}

// IsClosing reports whether err describes a close we initiated ourselves.
func IsClosing(err error) bool {
	return err == nil || errors.Is(err, ErrConnectionClosing)
}
