// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo holds the session handling shared by everything that talks
// to a mongo server: the source tailers, the topology discovery and the
// mongo backed stores.
package mongo

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/juju/retry"

	"github.com/juju/mongoriver/core/river"
)

var logger = loggo.GetLogger("mongoriver.mongo")

const (
	// DefaultDialTimeout bounds a single attempt to reach a server.
	DefaultDialTimeout = 30 * time.Second

	// DefaultSocketTimeout bounds a single operation on an open session.
	DefaultSocketTimeout = 21 * time.Second

	defaultDialAttempts = 3
	defaultDialDelay    = time.Second
)

// DialOpts holds configuration for dialing a mongo server.
type DialOpts struct {
	// Timeout is the amount of time to wait contacting a server. Zero
	// means DefaultDialTimeout.
	Timeout time.Duration

	// SocketTimeout is the amount of time to wait for a non-responding
	// socket to the database before it is forcefully closed. Zero means
	// DefaultSocketTimeout.
	SocketTimeout time.Duration

	// Direct connects to the given servers only, without discovering the
	// rest of a replica set. It is used when following a single shard
	// member.
	Direct bool

	// SecondaryOK allows reads from secondaries.
	SecondaryOK bool

	// Username and Password authenticate against Source when set.
	Username string
	Password string
	Source   string

	// Attempts is the number of dial attempts made before giving up. Zero
	// means a small default.
	Attempts int

	// Clock is used to wait between attempts. Nil means the wall clock.
	Clock clock.Clock

	// Stop aborts any remaining attempts when closed.
	Stop <-chan struct{}
}

// DialInfo returns the mgo dial information for the given servers.
func DialInfo(servers []river.ServerAddress, opts DialOpts) (*mgo.DialInfo, error) {
	if len(servers) == 0 {
		return nil, errors.NotValidf("empty server list")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	return &mgo.DialInfo{
		Addrs:    river.ServerAddresses(servers),
		Direct:   opts.Direct,
		Timeout:  timeout,
		Username: opts.Username,
		Password: opts.Password,
		Source:   opts.Source,
	}, nil
}

// Dial opens a session to the given servers. Transient failures are
// retried; the session mode follows opts.SecondaryOK.
func Dial(servers []river.ServerAddress, opts DialOpts) (*mgo.Session, error) {
	info, err := DialInfo(servers, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}

	attempts := opts.Attempts
	if attempts == 0 {
		attempts = defaultDialAttempts
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var session *mgo.Session
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			session, err = mgo.DialWithInfo(info)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("dialing %v, attempt %d: %v", info.Addrs, attempt, err)
		},
		Attempts:    attempts,
		Delay:       defaultDialDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        opts.Stop,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %v", info.Addrs)
	}

	socketTimeout := opts.SocketTimeout
	if socketTimeout == 0 {
		socketTimeout = DefaultSocketTimeout
	}
	session.SetSocketTimeout(socketTimeout)
	if opts.SecondaryOK {
		session.SetMode(mgo.SecondaryPreferred, true)
	} else {
		session.SetMode(mgo.Primary, true)
	}
	return session, nil
}

// IsNotFound returns true if err is the driver's not found error.
func IsNotFound(err error) bool {
	return errors.Cause(err) == mgo.ErrNotFound
}
