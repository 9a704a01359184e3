// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package timers keeps the set of scheduled forwards that are waiting for
// their delivery time.
package timers

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Key identifies a live entry in a Store.
type Key string

// Store maps keys to cancellable timers.
//
// A Store is not safe for concurrent use. The relay confines it to its event
// loop; actions run on the clock's goroutine and must not touch the Store
// directly.
type Store struct {
	clock   clockwork.Clock
	entries map[Key]clockwork.Timer
	newKey  func() Key
}

// New creates an empty store driven by clock. A nil clock uses wall time.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:   clock,
		entries: make(map[Key]clockwork.Timer),
		newKey:  func() Key { return Key(uuid.NewString()) },
	}
}

// Register schedules action to run after d and returns the key of the new
// entry. The key never collides with another live key.
func (s *Store) Register(d time.Duration, action func(Key)) Key {
	key := s.newKey()
	for {
		if _, exists := s.entries[key]; !exists {
			break
		}
		key = s.newKey()
	}

	s.entries[key] = s.clock.AfterFunc(d, func() {
		action(key)
	})
	return key
}

// Remove releases the entry for key, stopping its timer if it has not fired.
// It reports whether the key was live.
func (s *Store) Remove(key Key) bool {
	t, ok := s.entries[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.entries, key)
	return true
}

// Contains reports whether key is live.
func (s *Store) Contains(key Key) bool {
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// CancelAll stops every timer and empties the store without running any
// action. It returns the number of entries dropped.
func (s *Store) CancelAll() int {
	n := len(s.entries)
	for key, t := range s.entries {
		t.Stop()
		delete(s.entries, key)
	}
	return n
}
