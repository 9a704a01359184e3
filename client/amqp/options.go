// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress        = "localhost:5672"
	DefaultDialTimeout    = 10 * time.Second
	DefaultHeartbeat      = 45 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
)

// Options configures the AMQP 0.9.1 dialer.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Username/Password/Vhost)
	Address     string      // Broker address (host:port)
	Username    string      // Username for PLAIN auth
	Password    string      // Password for PLAIN auth
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Publishing
	Persistent        bool          // Forwarded messages survive a broker restart
	WaitConfirm       bool          // Wait for the broker to confirm each forward
	ConfirmTimeout    time.Duration // Upper bound on a confirm wait
	DeclareReplyQueue bool          // Declare a durable reply queue before the first forward to it
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:        DefaultAddress,
		Username:       "guest",
		Password:       "guest",
		Vhost:          "/",
		DialTimeout:    DefaultDialTimeout,
		Heartbeat:      DefaultHeartbeat,
		Persistent:     true,
		WaitConfirm:    true,
		ConfirmTimeout: DefaultConfirmTimeout,
	}
}

// SetURL sets the full AMQP URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetAddress sets the broker address (host:port).
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetVhost sets the virtual host.
func (o *Options) SetVhost(vhost string) *Options {
	o.Vhost = vhost
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialTimeout sets the dial timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetHeartbeat sets the heartbeat interval.
func (o *Options) SetHeartbeat(d time.Duration) *Options {
	o.Heartbeat = d
	return o
}

// SetConfirm sets whether forwards wait for publisher confirms and for how long.
func (o *Options) SetConfirm(wait bool, timeout time.Duration) *Options {
	o.WaitConfirm = wait
	o.ConfirmTimeout = timeout
	return o
}

// SetDeclareReplyQueue enables declaring reply queues before forwarding.
func (o *Options) SetDeclareReplyQueue(enable bool) *Options {
	o.DeclareReplyQueue = enable
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	return nil
}

func (o *Options) dialURL() (string, error) {
	if o.URL != "" {
		if _, err := url.Parse(o.URL); err != nil {
			return "", err
		}
		return o.URL, nil
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}

	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String(), nil
}
