// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire field names of a delayed message.
const (
	FieldExpireAt       = "expireAt"
	FieldReplyQueueName = "replyQueueName"
	FieldPayload        = "payload"
)

// Content types understood by Decode. Anything else is treated as JSON.
const (
	ContentTypeJSON       = "application/json"
	ContentTypeMsgpack    = "application/msgpack"
	ContentTypeMsgpackAlt = "application/x-msgpack"
)

// Largest instant representable as a date, in milliseconds from the epoch.
const maxDateMillis = 8.64e15

// DelayedMessage is a payload waiting to be forwarded to ReplyQueueName no
// earlier than ExpireAt.
type DelayedMessage struct {
	ExpireAt       time.Time
	ReplyQueueName string
	Payload        string
}

// TimeLeft returns how long the message still has to wait at now. Zero or
// negative means the message is due.
func (m DelayedMessage) TimeLeft(now time.Time) time.Duration {
	return m.ExpireAt.Sub(now)
}

// WireMessage is the encoded form producers publish to the delay queue.
type WireMessage struct {
	ExpireAt       float64 `json:"expireAt" msgpack:"expireAt"`
	ReplyQueueName string  `json:"replyQueueName" msgpack:"replyQueueName"`
	Payload        string  `json:"payload" msgpack:"payload"`
}

// NewWireMessage builds the wire form of a message due at expireAt.
func NewWireMessage(expireAt time.Time, replyQueue, payload string) WireMessage {
	return WireMessage{
		ExpireAt:       float64(expireAt.UnixMilli()) / 1000,
		ReplyQueueName: replyQueue,
		Payload:        payload,
	}
}

// Encode serializes the message for the given content type.
func (w WireMessage) Encode(contentType string) ([]byte, error) {
	if isMsgpack(contentType) {
		return msgpack.Marshal(w)
	}
	return json.Marshal(w)
}

// Decode parses and validates a delivery body. It returns a *ParseError when
// the body is not structured data and a *ValidationError when it does not
// have the delayed message shape. maxSize of zero disables the size check.
func Decode(body []byte, contentType string, maxSize int) (DelayedMessage, error) {
	if maxSize > 0 && len(body) > maxSize {
		return DelayedMessage{}, &ParseError{ContentType: contentType, Err: ErrMessageTooLarge}
	}

	raw, err := parse(body, contentType)
	if err != nil {
		return DelayedMessage{}, &ParseError{ContentType: contentType, Err: err}
	}

	return validate(raw)
}

func isMsgpack(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == ContentTypeMsgpack || ct == ContentTypeMsgpackAlt
}

func parse(body []byte, contentType string) (any, error) {
	var v any
	if isMsgpack(contentType) {
		if err := msgpack.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

func validate(raw any) (DelayedMessage, error) {
	fields, ok := asObject(raw)
	if !ok {
		return DelayedMessage{}, &ValidationError{Reason: "must be an object"}
	}

	var msg DelayedMessage

	v, ok := fields[FieldExpireAt]
	if !ok || v == nil {
		return DelayedMessage{}, &ValidationError{Field: FieldExpireAt, Reason: "is required"}
	}
	if msg.ExpireAt, ok = unixSeconds(v); !ok {
		return DelayedMessage{}, &ValidationError{Field: FieldExpireAt, Reason: "must be a unix timestamp in seconds"}
	}

	v, ok = fields[FieldReplyQueueName]
	if !ok || v == nil {
		return DelayedMessage{}, &ValidationError{Field: FieldReplyQueueName, Reason: "is required"}
	}
	if msg.ReplyQueueName, ok = v.(string); !ok {
		return DelayedMessage{}, &ValidationError{Field: FieldReplyQueueName, Reason: "must be a string"}
	}
	if msg.ReplyQueueName == "" {
		return DelayedMessage{}, &ValidationError{Field: FieldReplyQueueName, Reason: "is not allowed to be empty"}
	}

	v, ok = fields[FieldPayload]
	if !ok || v == nil {
		return DelayedMessage{}, &ValidationError{Field: FieldPayload, Reason: "is required"}
	}
	if msg.Payload, ok = v.(string); !ok {
		return DelayedMessage{}, &ValidationError{Field: FieldPayload, Reason: "must be a string"}
	}
	if msg.Payload == "" {
		return DelayedMessage{}, &ValidationError{Field: FieldPayload, Reason: "is not allowed to be empty"}
	}

	for name := range fields {
		switch name {
		case FieldExpireAt, FieldReplyQueueName, FieldPayload:
		default:
			return DelayedMessage{}, &ValidationError{Field: name, Reason: "is not allowed"}
		}
	}

	return msg, nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			name, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[name] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// unixSeconds accepts numbers and numeric strings, keeping millisecond
// precision of fractional seconds.
func unixSeconds(v any) (time.Time, bool) {
	var secs float64
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return time.Time{}, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			secs = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			secs = float64(rv.Uint())
		case reflect.Float32, reflect.Float64:
			secs = rv.Float()
		default:
			return time.Time{}, false
		}
	}

	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, false
	}
	ms := math.Round(secs * 1000)
	if math.Abs(ms) > maxDateMillis {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// String is used in logs.
func (m DelayedMessage) String() string {
	return fmt.Sprintf("%s at %s (%d bytes)", m.ReplyQueueName, m.ExpireAt.UTC().Format(time.RFC3339), len(m.Payload))
}
