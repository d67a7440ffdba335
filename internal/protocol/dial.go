package protocol

import (
	"context"
	"fmt"
	"net"

	"github.com/haggle-project/haggled/pkg/log"
)

// Dial establishes a connection to addr over network, retrying up to
// ConnectionAttempts times with a rate-limited backoff between attempts
// (spec §4.7: "opens a connection if needed, up to
// PROT_CONNECTION_ATTEMPTS, backoff = random 5-25s between attempts").
// The backoff is enforced per addr via a golang.org/x/time/rate.Limiter
// (see waitBackoff), so concurrent dials to different peers never throttle
// each other.
func Dial(ctx context.Context, network, addr string, transport Transport) (*Conn, error) {
	logger := log.WithComponent("protocol").With().Str("addr", addr).Logger()

	var lastErr error
	dialer := net.Dialer{}
	for attempt := 1; attempt <= ConnectionAttempts; attempt++ {
		raw, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			return NewConn(raw, transport, DirectionClient), nil
		}
		lastErr = err
		logger.Debug().Int("attempt", attempt).Err(err).Msg("connection attempt failed")

		if attempt == ConnectionAttempts {
			break
		}
		if err := waitBackoff(ctx, addr); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("protocol: dial %s after %d attempts: %w", addr, ConnectionAttempts, lastErr)
}

// Listener accepts incoming connections on behalf of a server-side
// interface and wraps each in a Conn.
type Listener struct {
	raw       net.Listener
	Transport Transport
}

// Listen opens a listener on addr.
func Listen(network, addr string, transport Transport) (*Listener, error) {
	raw, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("protocol: listen %s: %w", addr, err)
	}
	return &Listener{raw: raw, Transport: transport}, nil
}

// Accept blocks until a peer connects, returning the wrapped Conn.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.raw.Accept()
	if err != nil {
		return nil, fmt.Errorf("protocol: accept: %w", err)
	}
	return NewConn(raw, l.Transport, DirectionServer), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.raw.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.raw.Close() }
