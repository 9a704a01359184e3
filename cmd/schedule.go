// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxdelay/client/amqp"
	"github.com/absmach/fluxdelay/config"
	"github.com/absmach/fluxdelay/relay"
	"github.com/spf13/cobra"
)

var (
	errNoReplyQueue  = errors.New("--reply is required")
	errNoPayload     = errors.New("--payload is required")
	errDelayAndAt    = errors.New("--delay and --at are mutually exclusive")
	errUnknownFormat = errors.New("--format must be json or msgpack")
)

type scheduleFlags struct {
	url     string
	queue   string
	reply   string
	delay   time.Duration
	at      string
	payload string
	format  string
	timeout time.Duration
}

func newScheduleCmd() *cobra.Command {
	var f scheduleFlags

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Publish a delayed message to the delay queue",
		Long: `Publish a delayed message to the delay queue. The relay forwards the
payload to the reply queue once the expiry time is reached.

Examples:
  fluxdelay schedule --reply jobs --delay 30s --payload '{"id":1}'
  fluxdelay schedule --reply jobs --at 2026-01-02T15:04:05Z --format msgpack --payload hello`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if f.url == "" {
				f.url = cfg.Broker.URL
			}
			if f.queue == "" {
				f.queue = cfg.Relay.Queue
			}

			body, contentType, err := buildMessage(f, time.Now())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			if err := publishDelayed(ctx, cfg, f, body, contentType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled message for %s on %s\n", f.reply, f.queue)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.url, "url", "", "AMQP URL (default from config)")
	cmd.Flags().StringVarP(&f.queue, "queue", "q", "", "Delay queue (default from config)")
	cmd.Flags().StringVarP(&f.reply, "reply", "r", "", "Queue that receives the payload when due")
	cmd.Flags().DurationVarP(&f.delay, "delay", "d", 0, "Delay from now")
	cmd.Flags().StringVar(&f.at, "at", "", "Absolute expiry time (RFC 3339)")
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "Payload to forward")
	cmd.Flags().StringVar(&f.format, "format", "json", "Encoding: json or msgpack")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Publish timeout")

	return cmd
}

// buildMessage encodes the delayed message described by f, resolving a
// relative delay against now.
func buildMessage(f scheduleFlags, now time.Time) ([]byte, string, error) {
	if f.reply == "" {
		return nil, "", errNoReplyQueue
	}
	if f.payload == "" {
		return nil, "", errNoPayload
	}

	expireAt := now.Add(f.delay)
	if f.at != "" {
		if f.delay != 0 {
			return nil, "", errDelayAndAt
		}
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return nil, "", fmt.Errorf("invalid --at: %w", err)
		}
		expireAt = t
	}

	var contentType string
	switch f.format {
	case "", "json":
		contentType = relay.ContentTypeJSON
	case "msgpack":
		contentType = relay.ContentTypeMsgpack
	default:
		return nil, "", errUnknownFormat
	}

	body, err := relay.NewWireMessage(expireAt, f.reply, f.payload).Encode(contentType)
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

func publishDelayed(ctx context.Context, cfg *config.Config, f scheduleFlags, body []byte, contentType string) error {
	opts := dialerOptions(cfg).SetURL(f.url)
	dialer, err := amqp.New(opts)
	if err != nil {
		return err
	}

	session, err := dialer.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer session.Close()

	if err := session.DeclareQueue(f.queue); err != nil {
		return err
	}

	return session.Publish(ctx, f.queue, body, map[string]string{
		"content-type": contentType,
	})
}
