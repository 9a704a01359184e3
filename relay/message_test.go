// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expireAt time.Time
		queue    string
		payload  string
	}{
		{
			name:     "integer seconds",
			body:     `{"expireAt": 1700000000, "replyQueueName": "orders", "payload": "hello"}`,
			expireAt: time.Unix(1700000000, 0),
			queue:    "orders",
			payload:  "hello",
		},
		{
			name:     "fractional seconds",
			body:     `{"expireAt": 1700000000.25, "replyQueueName": "orders", "payload": "x"}`,
			expireAt: time.UnixMilli(1700000000250),
			queue:    "orders",
			payload:  "x",
		},
		{
			name:     "sub-millisecond precision is rounded",
			body:     `{"expireAt": 1.0004, "replyQueueName": "q", "payload": "x"}`,
			expireAt: time.UnixMilli(1000),
			queue:    "q",
			payload:  "x",
		},
		{
			name:     "numeric string",
			body:     `{"expireAt": "1700000000", "replyQueueName": "q", "payload": "x"}`,
			expireAt: time.Unix(1700000000, 0),
			queue:    "q",
			payload:  "x",
		},
		{
			name:     "negative timestamp",
			body:     `{"expireAt": -10, "replyQueueName": "q", "payload": "x"}`,
			expireAt: time.Unix(-10, 0),
			queue:    "q",
			payload:  "x",
		},
		{
			name:     "trailing whitespace",
			body:     "{\"expireAt\": 1, \"replyQueueName\": \"q\", \"payload\": \"x\"}\n",
			expireAt: time.Unix(1, 0),
			queue:    "q",
			payload:  "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body), ContentTypeJSON, 0)
			require.NoError(t, err)
			assert.True(t, tt.expireAt.Equal(msg.ExpireAt), "expireAt %s, want %s", msg.ExpireAt, tt.expireAt)
			assert.Equal(t, tt.queue, msg.ReplyQueueName)
			assert.Equal(t, tt.payload, msg.Payload)
		})
	}
}

func TestDecodeParseErrors(t *testing.T) {
	bodies := map[string]string{
		"empty":          "",
		"plain text":     "hello",
		"truncated":      `{"expireAt": 1,`,
		"trailing value": `{"expireAt": 1, "replyQueueName": "q", "payload": "x"} {}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body), ContentTypeJSON, 0)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, ContentTypeJSON, pe.ContentType)
		})
	}
}

func TestDecodeValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "string", body: `"text"`},
		{name: "number", body: `42`},
		{name: "null", body: `null`},
		{name: "array", body: `[]`},
		{name: "missing expireAt", body: `{"replyQueueName": "q", "payload": "x"}`, field: FieldExpireAt},
		{name: "null expireAt", body: `{"expireAt": null, "replyQueueName": "q", "payload": "x"}`, field: FieldExpireAt},
		{name: "boolean expireAt", body: `{"expireAt": true, "replyQueueName": "q", "payload": "x"}`, field: FieldExpireAt},
		{name: "text expireAt", body: `{"expireAt": "tomorrow", "replyQueueName": "q", "payload": "x"}`, field: FieldExpireAt},
		{name: "expireAt out of range", body: `{"expireAt": 1e13, "replyQueueName": "q", "payload": "x"}`, field: FieldExpireAt},
		{name: "missing replyQueueName", body: `{"expireAt": 1, "payload": "x"}`, field: FieldReplyQueueName},
		{name: "numeric replyQueueName", body: `{"expireAt": 1, "replyQueueName": 5, "payload": "x"}`, field: FieldReplyQueueName},
		{name: "empty replyQueueName", body: `{"expireAt": 1, "replyQueueName": "", "payload": "x"}`, field: FieldReplyQueueName},
		{name: "missing payload", body: `{"expireAt": 1, "replyQueueName": "q"}`, field: FieldPayload},
		{name: "empty payload", body: `{"expireAt": 0, "replyQueueName": "q", "payload": ""}`, field: FieldPayload},
		{name: "object payload", body: `{"expireAt": 1, "replyQueueName": "q", "payload": {"a": 1}}`, field: FieldPayload},
		{name: "unknown field", body: `{"expireAt": 1, "replyQueueName": "q", "payload": "x", "priority": 1}`, field: "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), ContentTypeJSON, 0)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			var pe *ParseError
			assert.False(t, errors.As(err, &pe))
		})
	}
}

func TestDecodeMaxSize(t *testing.T) {
	body := []byte(`{"expireAt": 1, "replyQueueName": "q", "payload": "x"}`)

	_, err := Decode(body, ContentTypeJSON, len(body))
	require.NoError(t, err)

	_, err = Decode(body, ContentTypeJSON, len(body)-1)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecodeMsgpack(t *testing.T) {
	expireAt := time.UnixMilli(1700000000123)
	body, err := NewWireMessage(expireAt, "orders", "packed").Encode(ContentTypeMsgpack)
	require.NoError(t, err)

	for _, ct := range []string{ContentTypeMsgpack, ContentTypeMsgpackAlt, "Application/MsgPack; charset=binary"} {
		msg, err := Decode(body, ct, 0)
		require.NoError(t, err, ct)
		assert.True(t, expireAt.Equal(msg.ExpireAt))
		assert.Equal(t, "orders", msg.ReplyQueueName)
		assert.Equal(t, "packed", msg.Payload)
	}

	// Integer timestamps from other producers.
	body, err = msgpack.Marshal(map[string]any{
		FieldExpireAt:       int64(1700000000),
		FieldReplyQueueName: "orders",
		FieldPayload:        "",
	})
	require.NoError(t, err)
	msg, err := Decode(body, ContentTypeMsgpack, 0)
	require.NoError(t, err)
	assert.True(t, time.Unix(1700000000, 0).Equal(msg.ExpireAt))

	// JSON sent with a msgpack content type is not valid msgpack structure.
	_, err = Decode([]byte(`{"expireAt": 1}`), ContentTypeMsgpack, 0)
	assert.Error(t, err)
}

func TestWireMessageRoundTrip(t *testing.T) {
	expireAt := time.UnixMilli(1700000000999)
	body, err := NewWireMessage(expireAt, "q", "p").Encode(ContentTypeJSON)
	require.NoError(t, err)

	msg, err := Decode(body, "", 0)
	require.NoError(t, err)
	assert.True(t, expireAt.Equal(msg.ExpireAt))
}

func TestTimeLeft(t *testing.T) {
	now := time.Unix(1000, 0)
	msg := DelayedMessage{ExpireAt: now.Add(100 * time.Second)}

	assert.Equal(t, 100*time.Second, msg.TimeLeft(now))
	assert.Equal(t, time.Duration(0), msg.TimeLeft(now.Add(100*time.Second)))
	assert.Negative(t, msg.TimeLeft(now.Add(101*time.Second)))
}
