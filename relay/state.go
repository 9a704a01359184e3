// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

// State is the connection state of the relay.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// phase tracks the shutdown state machine.
type phase int

const (
	phaseRunning phase = iota
	phaseDraining
	phaseTerminated
)
