package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// fakeClock stands still until Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// fakeLookup resolves usernames from a fixed table of passwords.
type fakeLookup struct {
	accounts map[string]fakeAccount
	err      error
}

type fakeAccount struct {
	password    string
	privs       privs.Set
	maxChannels int
	status      bool
}

func (l *fakeLookup) LookupUser(_ context.Context, username, _ string) (Account, error) {
	if l.err != nil {
		return Account{}, l.err
	}
	a, ok := l.accounts[strings.ToLower(username)]
	if !ok {
		return Account{}, nil
	}
	return Account{
		Valid:       true,
		Secret:      PasswordSecret(strings.ToLower(username), a.password),
		Privs:       a.privs,
		MaxChannels: a.maxChannels,
		Status:      a.status,
	}, nil
}

// fakeArchive keeps intervals and clips in memory.
type fakeArchive struct {
	mu        sync.Mutex
	intervals [][2]int
	clips     []*fakeClip
}

type fakeClip struct {
	guid     protocol.GUID
	fourcc   protocol.FourCC
	username string
	channel  int
	name     string
	data     bytes.Buffer
	closed   bool
}

func (c *fakeClip) Write(p []byte) (int, error) { return c.data.Write(p) }

func (c *fakeClip) Close() error {
	if c.closed {
		return errors.New("already closed")
	}
	c.closed = true
	return nil
}

func (a *fakeArchive) Interval(bpm, bpi int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intervals = append(a.intervals, [2]int{bpm, bpi})
	return nil
}

func (a *fakeArchive) Clip(guid protocol.GUID, fourcc protocol.FourCC, username string, channel int, name string) (io.WriteCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &fakeClip{guid: guid, fourcc: fourcc, username: username, channel: channel, name: name}
	a.clips = append(a.clips, c)
	return c, nil
}

type harness struct {
	t      *testing.T
	g      *Group
	clock  *fakeClock
	lookup *fakeLookup
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  newFakeClock(),
		lookup: &fakeLookup{accounts: map[string]fakeAccount{}},
	}
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.g = NewGroup(cfg, h.lookup, opts...)
	return h
}

func (h *harness) addUser(name, password string, p privs.Set) {
	h.lookup.accounts[strings.ToLower(name)] = fakeAccount{password: password, privs: p}
}

// testClient is one connection plus the messages it has received.
type testClient struct {
	h *harness
	c *Conn
}

func (h *harness) accept() *testClient {
	return &testClient{h: h, c: h.g.Accept("192.0.2.1:5000")}
}

// recv blocks for the next outbound message.
func (tc *testClient) recv() protocol.Message {
	tc.h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := tc.c.Next(ctx)
	require.NoError(tc.h.t, err)
	return m
}

// drain returns every message currently queued.
func (tc *testClient) drain() []protocol.Message {
	var out []protocol.Message
	for tc.c.out.pending() > 0 {
		out = append(out, tc.recv())
	}
	return out
}

func (tc *testClient) send(m protocol.Message) {
	tc.h.g.Handle(tc.c, m)
}

func (tc *testClient) sendChat(parms ...string) {
	tc.send(protocol.NewChat(parms...).Marshal())
}

// authenticate answers the challenge and waits for the auth reply. The
// lookup completes on another goroutine, so the room lock is taken once
// before returning to make sure completion has finished.
func (tc *testClient) authenticate(name, password string, caps uint32) protocol.AuthReply {
	t := tc.h.t
	t.Helper()
	m := tc.recv()
	require.Equal(t, protocol.TypeAuthChallenge, m.Type)
	ch, err := protocol.ParseAuthChallenge(m.Payload)
	require.NoError(t, err)

	tc.send(protocol.AuthUser{
		PassHash:      ChallengeResponse(PasswordSecret(strings.ToLower(name), password), ch.Challenge[:]),
		Username:      name,
		ClientCaps:    caps,
		ClientVersion: protocol.ProtocolVersion,
	}.Marshal())

	m = tc.recv()
	require.Equal(t, protocol.TypeAuthReply, m.Type)
	reply, err := protocol.ParseAuthReply(m.Payload)
	require.NoError(t, err)
	tc.h.g.ClientCount()
	return reply
}

// join logs a user in and discards the welcome messages.
func (h *harness) join(name string, p privs.Set) *testClient {
	h.t.Helper()
	h.addUser(name, "pw-"+name, p)
	tc := h.accept()
	reply := tc.authenticate(name, "pw-"+name, 0)
	require.True(h.t, reply.OK, reply.Message)
	tc.drain()
	return tc
}

func (tc *testClient) closed() bool {
	select {
	case <-tc.c.Done():
		return true
	default:
		return false
	}
}

func chats(t *testing.T, msgs []protocol.Message) []protocol.Chat {
	t.Helper()
	var out []protocol.Chat
	for _, m := range msgs {
		if m.Type != protocol.TypeChatMessage {
			continue
		}
		c, err := protocol.ParseChat(m.Payload)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func notices(t *testing.T, msgs []protocol.Message) []string {
	t.Helper()
	var out []string
	for _, c := range chats(t, msgs) {
		if c.Parm(0) == "MSG" && c.Parm(1) == "" {
			out = append(out, c.Parm(2))
		}
	}
	return out
}

func ofType(msgs []protocol.Message, typ protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
