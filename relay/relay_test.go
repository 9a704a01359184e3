// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxdelay/relay"
	"github.com/absmach/fluxdelay/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

// recorder is a relay.Metrics that counts what the relay reports.
type recorder struct {
	mu         sync.Mutex
	received   int
	rejected   map[string]int
	scheduled  int
	forwarded  int
	failed     int
	cancelled  map[string]int
	reconnects int
}

func newRecorder() *recorder {
	return &recorder{
		rejected:  make(map[string]int),
		cancelled: make(map[string]int),
	}
}

func (r *recorder) RecordReceived(int) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *recorder) RecordRejected(reason string) {
	r.mu.Lock()
	r.rejected[reason]++
	r.mu.Unlock()
}

func (r *recorder) RecordScheduled(time.Duration) {
	r.mu.Lock()
	r.scheduled++
	r.mu.Unlock()
}

func (r *recorder) RecordForwarded(time.Duration) {
	r.mu.Lock()
	r.forwarded++
	r.mu.Unlock()
}

func (r *recorder) RecordForwardFailed() {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
}

func (r *recorder) RecordTimersCancelled(n int, reason string) {
	r.mu.Lock()
	r.cancelled[reason] += n
	r.mu.Unlock()
}

func (r *recorder) RecordPending(int)       {}
func (r *recorder) RecordState(relay.State) {}

func (r *recorder) RecordReconnect() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()
}

func (r *recorder) Reconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnects
}

func (r *recorder) Cancelled(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[reason]
}

func (r *recorder) Rejected(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[reason]
}

type harness struct {
	t       *testing.T
	clock   fakeClock
	broker  *testutil.Broker
	metrics *recorder
	relay   *relay.Relay
	cancel  context.CancelFunc
	errCh   chan error
}

func newHarness(t *testing.T, mutate func(*relay.Options)) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	broker := testutil.NewBroker()
	metrics := newRecorder()

	opts := relay.NewOptions()
	opts.Clock = clock
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Metrics = metrics
	opts.Backoff = func() time.Duration { return time.Second }
	if mutate != nil {
		mutate(opts)
	}

	r, err := relay.New(broker, opts)
	require.NoError(t, err)

	return &harness{
		t:       t,
		clock:   clock,
		broker:  broker,
		metrics: metrics,
		relay:   r,
	}
}

func (h *harness) start() {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.errCh = make(chan error, 1)
	go func() {
		h.errCh <- h.relay.Run(ctx)
	}()

	h.t.Cleanup(func() {
		cancel()
		<-h.relay.Done()
	})
}

func (h *harness) waitReady(sessions int) *testutil.Session {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.broker.Sessions() == sessions && h.relay.Ready()
	}, waitFor, tick)
	return h.broker.Last()
}

func (h *harness) waitReconnects(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.metrics.Reconnects() == n
	}, waitFor, tick)
}

func (h *harness) waitStopped() error {
	h.t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("relay did not stop")
		return nil
	}
}

func (h *harness) message(in time.Duration, queue, payload string) []byte {
	h.t.Helper()
	body, err := relay.NewWireMessage(h.clock.Now().Add(in), queue, payload).Encode(relay.ContentTypeJSON)
	require.NoError(h.t, err)
	return body
}

func TestDueMessageForwardedImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	s := h.waitReady(1)

	d := s.Deliver(h.message(-5*time.Second, "reply", "hi"), relay.ContentTypeJSON)

	require.Eventually(t, func() bool { return d.Acked() == 1 }, waitFor, tick)
	assert.Equal(t, []testutil.Publication{{Queue: "reply", Body: []byte("hi")}}, s.Published())
	assert.Equal(t, 0, h.relay.Pending())
	assert.Equal(t, 0, h.metrics.scheduledCount())
}

func TestMessageExactlyDueIsForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	s := h.waitReady(1)

	d := s.Deliver(h.message(0, "reply", "now"), relay.ContentTypeJSON)

	require.Eventually(t, func() bool { return d.Acked() == 1 }, waitFor, tick)
	assert.Len(t, s.Published(), 1)
}

func TestDelayedMessageScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	s := h.waitReady(1)

	d := s.Deliver(h.message(100*time.Second, "reply", "hi"), relay.ContentTypeJSON)
	require.Eventually(t, func() bool { return h.relay.Pending() == 1 }, waitFor, tick)

	h.clock.Advance(99 * time.Second)
	assert.Never(t, func() bool { return len(s.Published()) > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, 0, d.Acked())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return d.Acked() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.relay.Pending() == 0 }, waitFor, tick)
	assert.Equal(t, []testutil.Publication{{Queue: "reply", Body: []byte("hi")}}, s.Published())

	// The timer fires once.
	h.clock.Advance(time.Hour)
	assert.Never(t, func() bool { return len(s.Published()) > 1 }, 100*time.Millisecond, tick)
}

func TestMessagesMayBeForwardedOutOfOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	s := h.waitReady(1)

	s.Deliver(h.message(50*time.Second, "late", "second"), relay.ContentTypeJSON)
	s.Deliver(h.message(10*time.Second, "early", "first"), relay.ContentTypeJSON)
	require.Eventually(t, func() bool { return h.relay.Pending() == 2 }, waitFor, tick)

	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(s.Published()) == 1 }, waitFor, tick)
	assert.Equal(t, "early", s.Published()[0].Queue)

	h.clock.Advance(40 * time.Second)
	require.Eventually(t, func() bool { return len(s.Published()) == 2 }, waitFor, tick)
	assert.Equal(t, "late", s.Published()[1].Queue)
}

func TestMsgpackMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	s := h.waitReady(1)

	body, err := relay.NewWireMessage(h.clock.Now(), "reply", "packed").Encode(relay.ContentTypeMsgpack)
	require.NoError(t, err)
	d := s.Deliver(body, relay.ContentTypeMsgpack)

	require.Eventually(t, func() bool { return d.Acked() == 1 }, waitFor, tick)
	assert.Equal(t, []byte("packed"), s.Published()[0].Body)
}

func TestInvalidMessagesAreRejected(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "not structured", body: "hello", reason: relay.RejectParse},
		{name: "truncated json", body: `{"expireAt": 1`, reason: relay.RejectParse},
		{name: "array", body: `[1, 2]`, reason: relay.RejectValidation},
		{name: "missing expireAt", body: `{"replyQueueName": "q", "payload": "p"}`, reason: relay.RejectValidation},
		{name: "empty queue", body: `{"expireAt": 1, "replyQueueName": "", "payload": "p"}`, reason: relay.RejectValidation},
		{name: "payload not string", body: `{"expireAt": 1, "replyQueueName": "q", "payload": 7}`, reason: relay.RejectValidation},
		{name: "unknown field", body: `{"expireAt": 1, "replyQueueName": "q", "payload": "p", "x": 1}`, reason: relay.RejectValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start()
			s := h.waitReady(1)

			d := s.Deliver([]byte(tc.body), relay.ContentTypeJSON)

			require.Eventually(t, func() bool {
				n, _ := d.Nacked()
				return n == 1
			}, waitFor, tick)
			_, requeue := d.Nacked()
			assert.False(t, requeue)
			assert.Equal(t, 0, d.Acked())
			assert.Empty(t, s.Published())
			assert.Equal(t, 0, h.relay.Pending())
			assert.Equal(t, 1, h.metrics.Rejected(tc.reason))
		})
	}
}

func TestOversizedMessageIsRejected(t *testing.T) {
	h := newHarness(t, func(o *relay.Options) { o.MaxMessageSize = 16 })
	h.start()
	s := h.waitReady(1)

	d := s.Deliver(h.message(0, "reply", "this payload is too long"), relay.ContentTypeJSON)

	require.Eventually(t, func() bool {
		n, _ := d.Nacked()
		return n == 1
	}, waitFor, tick)
	assert.Empty(t, s.Published())
	assert.Equal(t, 1, h.metrics.Rejected(relay.RejectParse))
}

func TestSubscribeUsesOptions(t *testing.T) {
	h := newHarness(t, func(o *relay.Options) {
		o.Queue = "delayed"
		o.ConsumerTag = "relay-1"
		o.Prefetch = 7
	})
	h.start()
	s := h.waitReady(1)

	queue, tag, prefetch := s.Subscription()
	assert.Equal(t, "delayed", queue)
	assert.Equal(t, "relay-1", tag)
	assert.Equal(t, 7, prefetch)
}

func TestDisconnectCancelsPendingTimers(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	first := h.waitReady(1)

	var deliveries []*testutil.Delivery
	for i := 1; i <= 3; i++ {
		d := first.Deliver(h.message(time.Duration(i)*10*time.Second, "reply", "hi"), relay.ContentTypeJSON)
		deliveries = append(deliveries, d)
	}
	require.Eventually(t, func() bool { return h.relay.Pending() == 3 }, waitFor, tick)

	first.Drop(errors.New("CONNECTION_FORCED - broker forced connection closure"))

	h.waitReconnects(1)
	assert.Equal(t, 0, h.relay.Pending())
	assert.Equal(t, 3, h.metrics.Cancelled(relay.CancelDisconnect))
	assert.NotEqual(t, relay.StateConnected, h.relay.State())

	h.clock.Advance(time.Second)
	second := h.waitReady(2)
	assert.Equal(t, 0, h.relay.Pending())

	// Nothing from the previous connection fires.
	h.clock.Advance(time.Minute)
	assert.Never(t, func() bool { return len(h.broker.Published()) > 0 }, 100*time.Millisecond, tick)
	for _, d := range deliveries {
		assert.Equal(t, 0, d.Acked())
	}

	// The broker redelivers the originals, which are scheduled afresh.
	var redelivered []*testutil.Delivery
	for i := 1; i <= 3; i++ {
		d := second.Deliver(h.message(time.Duration(i)*10*time.Second, "reply", "hi"), relay.ContentTypeJSON)
		redelivered = append(redelivered, d)
	}
	require.Eventually(t, func() bool { return h.relay.Pending() == 3 }, waitFor, tick)

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(second.Published()) == 3 }, waitFor, tick)
	for _, d := range redelivered {
		require.Eventually(t, func() bool { return d.Acked() == 1 }, waitFor, tick)
	}
	assert.Empty(t, first.Published())
	require.Eventually(t, func() bool { return h.relay.Pending() == 0 }, waitFor, tick)
}

func TestReconnectAfterDialFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.FailDials(2, errors.New("connection refused"))
	h.start()

	h.waitReconnects(1)
	h.clock.Advance(time.Second)
	h.waitReconnects(2)
	h.clock.Advance(time.Second)

	h.waitReady(1)
	assert.Equal(t, 3, h.broker.Dials())
}

func TestDefaultBackoffWithinRange(t *testing.T) {
	broker := testutil.NewBroker()
	opts := relay.NewOptions()
	require.NoError(t, opts.Validate())

	for i := 0; i < 100; i++ {
		d := opts.Backoff()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
		assert.Zero(t, d%time.Second)
	}

	_, err := relay.New(broker, opts)
	require.NoError(t, err)
}

func TestForwardFailureRequeues(t *testing.T) {
	h := newHarness(t, func(o *relay.Options) { o.BreakerThreshold = 0 })
	h.start()
	s := h.waitReady(1)
	s.ForwardErr = errors.New("channel busy")

	d := s.Deliver(h.message(0, "reply", "hi"), relay.ContentTypeJSON)

	require.Eventually(t, func() bool {
		n, _ := d.Nacked()
		return n == 1
	}, waitFor, tick)
	_, requeue := d.Nacked()
	assert.True(t, requeue)
	assert.Equal(t, 0, d.Acked())
	assert.False(t, s.IsClosed())
}

func TestCircuitBreakerRecyclesConnection(t *testing.T) {
	h := newHarness(t, func(o *relay.Options) { o.BreakerThreshold = 2 })
	h.start()
	s := h.waitReady(1)
	s.ForwardErr = errors.New("channel busy")

	s.Deliver(h.message(0, "reply", "a"), relay.ContentTypeJSON)
	s.Deliver(h.message(0, "reply", "b"), relay.ContentTypeJSON)

	require.Eventually(t, s.IsClosed, waitFor, tick)
	h.waitReconnects(1)
	h.clock.Advance(time.Second)
	h.waitReady(2)
}

func TestReconnectedSessionForwardsAfterBreakerOpens(t *testing.T) {
	h := newHarness(t, func(o *relay.Options) {
		o.BreakerThreshold = 2
		o.BreakerTimeout = time.Hour
	})
	h.start()
	first := h.waitReady(1)
	first.ForwardErr = errors.New("channel busy")

	first.Deliver(h.message(0, "reply", "a"), relay.ContentTypeJSON)
	first.Deliver(h.message(0, "reply", "b"), relay.ContentTypeJSON)

	require.Eventually(t, first.IsClosed, waitFor, tick)
	h.waitReconnects(1)
	h.clock.Advance(time.Second)
	second := h.waitReady(2)

	for _, payload := range []string{"a", "b"} {
		d := second.Deliver(h.message(0, "reply", payload), relay.ContentTypeJSON)
		require.Eventually(t, func() bool { return d.Acked() == 1 }, waitFor, tick)
		n, _ := d.Nacked()
		assert.Zero(t, n)
	}

	assert.Len(t, second.Published(), 2)
	assert.False(t, second.IsClosed())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.waitReady(1)

	err := h.relay.Run(context.Background())
	assert.ErrorIs(t, err, relay.ErrAlreadyRunning)
}

func TestNewValidates(t *testing.T) {
	_, err := relay.New(nil, nil)
	assert.ErrorIs(t, err, relay.ErrNilDialer)

	opts := relay.NewOptions()
	opts.Queue = ""
	_, err = relay.New(testutil.NewBroker(), opts)
	assert.ErrorIs(t, err, relay.ErrInvalidQueueName)

	for _, prefetch := range []int{0, -1} {
		opts = relay.NewOptions()
		opts.Prefetch = prefetch
		_, err = relay.New(testutil.NewBroker(), opts)
		assert.ErrorIs(t, err, relay.ErrInvalidPrefetch, "prefetch %d", prefetch)
	}
}

func (r *recorder) scheduledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled
}
