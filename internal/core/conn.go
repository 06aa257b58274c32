package core

import (
	"context"
	"time"

	"github.com/lucsky/cuid"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// AuthState is the authentication progress of a connection.
type AuthState int

const (
	Unauthenticated AuthState = iota
	LookupPending
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case LookupPending:
		return "lookup_pending"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

type channel struct {
	active bool
	name   string
	volume int16
	pan    int8
	flags  uint8
}

type vote struct {
	value int
	at    time.Time
}

// Conn is one client connection. All fields below the transport section are
// owned by the Group and only touched with the group lock held.
type Conn struct {
	id     string
	remote string
	group  *Group
	out    *outbox
	done   chan struct{}

	state       AuthState
	dead        bool
	status      bool
	challenge   [protocol.ChallengeSize]byte
	authTimer   Timer
	passHash    [protocol.PassHashSize]byte
	clientCaps  uint32
	username    string
	privs       privs.Set
	maxChannels int
	channels    [protocol.MaxUserChannels]channel

	// subs maps a lowercased peer username to the channel bitmask wanted
	// from that peer.
	subs map[string]uint32

	uploads   map[protocol.GUID]*transfer
	downloads map[protocol.GUID]*transfer

	voteBPM vote
	voteBPI vote

	connectedAt time.Time
	lastRecv    time.Time
	lastSend    time.Time
}

func newConn(g *Group, remote string, now time.Time) *Conn {
	return &Conn{
		id:          cuid.New(),
		remote:      remote,
		group:       g,
		out:         newOutbox(),
		done:        make(chan struct{}),
		subs:        make(map[string]uint32),
		uploads:     make(map[protocol.GUID]*transfer),
		downloads:   make(map[protocol.GUID]*transfer),
		connectedAt: now,
		lastRecv:    now,
		lastSend:    now,
	}
}

// ID returns the connection id used in logs and the status API.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address given at accept time.
func (c *Conn) RemoteAddr() string { return c.remote }

// Next blocks until the next outbound message is available. It returns
// ErrClosed once the connection is shut down and every queued message has
// been returned.
func (c *Conn) Next(ctx context.Context) (protocol.Message, error) {
	return c.out.next(ctx)
}

// Done is closed when the room drops the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) member() bool {
	return c.state == Authenticated && !c.dead && !c.status
}

func (c *Conn) activeChannels() int {
	n := 0
	for i := range c.channels {
		if c.channels[i].active {
			n++
		}
	}
	return n
}
