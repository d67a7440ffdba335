// Package protocol implements Haggle's peer-to-peer wire protocol (spec
// §4.7/§6): a connection-oriented state machine that streams a data
// object's metadata and optional payload, exchanging fixed-size control
// messages (accept/reject/ack/terminate) with the peer in between.
package protocol

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Transport distinguishes the physical/session layer a connection runs
// over. Only Tcp and Local are implemented; Rfcomm and Udp are declared
// so callers can express intent even though haggled's Go port targets
// IP-reachable links plus the local application port (spec §9's "UDP
// variant (local IPC only)").
type Transport int

const (
	TransportUndefined Transport = iota
	TransportTcp
	TransportRfcomm
	TransportUdp
	TransportLocal
)

func (t Transport) String() string {
	switch t {
	case TransportTcp:
		return "tcp"
	case TransportRfcomm:
		return "rfcomm"
	case TransportUdp:
		return "udp"
	case TransportLocal:
		return "local"
	default:
		return "undefined"
	}
}

// State is a connection's position in the idle → connecting → connected →
// (sending|receiving) → idle → done/garbage state machine (spec §4.7).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSending
	StateReceiving
	StateDone
	StateGarbage
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateReceiving:
		return "receiving"
	case StateDone:
		return "done"
	case StateGarbage:
		return "garbage"
	default:
		return "undefined"
	}
}

// Direction distinguishes which side of a connection this endpoint plays.
type Direction int

const (
	DirectionClient Direction = iota
	DirectionServer
)

// Protocol-level constants (spec §4.7/§5's timeouts and retry bounds).
const (
	// ConnectionAttempts bounds how many times the engine tries to
	// establish a connection before giving up (PROT_CONNECTION_ATTEMPTS).
	ConnectionAttempts = 4

	// BackoffMin/BackoffMax bound the random sleep between connection
	// attempts.
	BackoffMin = 5 * time.Second
	BackoffMax = 25 * time.Second

	// SendTimeout/ReceiveTimeout bound a single send/receive operation.
	SendTimeout    = 20 * time.Second
	ReceiveTimeout = 20 * time.Second

	// BlockSleep/BlockTryMax bound how long and how many times the engine
	// retries a would-block write before declaring a fatal error
	// (PROT_BLOCK_SLEEP_TIME_MSECS / PROT_BLOCK_TRY_MAX).
	BlockSleep  = 100 * time.Millisecond
	BlockTryMax = 50

	// SendRetries/SendRetryWait bound how many times a failed push is
	// re-queued and the delay before each retry (spec §4.6).
	SendRetries   = 3
	SendRetryWait = 10 * time.Second
)

// backoffLimiters holds one rate.Limiter per destination address, so
// repeated attempts to one peer back off independently of attempts to
// another (mirrors Warren's pkg/ingress/middleware.go per-client-IP
// limiter map).
var (
	backoffMu       sync.Mutex
	backoffLimiters = make(map[string]*rate.Limiter)
)

// backoffLimiterFor returns addr's connection-attempt limiter, creating
// one the first time addr is dialed. Its rate is a random interval in
// [BackoffMin, BackoffMax) chosen once at creation (spec §4.7: "backoff
// = random 5-25s between attempts") and held fixed thereafter, so the
// randomness lands once per peer rather than being redrawn every retry.
func backoffLimiterFor(addr string) *rate.Limiter {
	backoffMu.Lock()
	defer backoffMu.Unlock()

	lim, ok := backoffLimiters[addr]
	if !ok {
		span := BackoffMax - BackoffMin
		interval := BackoffMin + time.Duration(rand.Int63n(int64(span)))
		lim = rate.NewLimiter(rate.Every(interval), 1)
		lim.Allow() // consume the initial burst so the first wait is real
		backoffLimiters[addr] = lim
	}
	return lim
}

// waitBackoff blocks until addr's limiter admits another connection
// attempt, or ctx is cancelled first.
func waitBackoff(ctx context.Context, addr string) error {
	return backoffLimiterFor(addr).Wait(ctx)
}
