// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import "time"

// Rejection reasons reported to Metrics.
const (
	RejectParse      = "parse"
	RejectValidation = "validation"
)

// Cancellation reasons reported to Metrics.
const (
	CancelDisconnect = "disconnect"
	CancelShutdown   = "shutdown"
)

// Metrics receives relay instrumentation. Implementations must be safe for
// concurrent use; forwards report from their own goroutines.
type Metrics interface {
	RecordReceived(sizeBytes int)
	RecordRejected(reason string)
	RecordScheduled(delay time.Duration)
	RecordForwarded(lateness time.Duration)
	RecordForwardFailed()
	RecordTimersCancelled(n int, reason string)
	RecordPending(n int)
	RecordState(s State)
	RecordReconnect()
}

type noopMetrics struct{}

func (noopMetrics) RecordReceived(int)                {}
func (noopMetrics) RecordRejected(string)             {}
func (noopMetrics) RecordScheduled(time.Duration)     {}
func (noopMetrics) RecordForwarded(time.Duration)     {}
func (noopMetrics) RecordForwardFailed()              {}
func (noopMetrics) RecordTimersCancelled(int, string) {}
func (noopMetrics) RecordPending(int)                 {}
func (noopMetrics) RecordState(State)                 {}
func (noopMetrics) RecordReconnect()                  {}
