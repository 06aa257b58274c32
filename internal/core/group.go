package core

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// Room limits.
const (
	AuthTimeout       = 120 * time.Second
	TransferStaleTime = 8 * time.Second
	MinBPM, MaxBPM    = 20, 400
	MinBPI, MaxBPI    = 2, 1024

	housekeepingInterval = time.Second
	lookupTimeout        = 30 * time.Second
)

// Config is the room configuration.
type Config struct {
	ServerName       string
	License          string
	Topic            string
	BPM              int
	BPI              int
	MaxUsers         int
	MaxChannels      int
	Keepalive        time.Duration
	VotingThreshold  int
	VotingWindow     time.Duration
	AllowHiddenUsers bool
}

// Archive records the session: interval boundaries and received intervals.
type Archive interface {
	Interval(bpm, bpi int) error
	Clip(guid protocol.GUID, fourcc protocol.FourCC, username string, channel int, channelName string) (io.WriteCloser, error)
}

// Option customizes a Group.
type Option func(*Group)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(g *Group) { g.clock = c }
}

// WithArchive enables session archival.
func WithArchive(a Archive) Option {
	return func(g *Group) { g.archive = a }
}

// Group is one room: its connections, tempo, topic and relay state. Every
// mutation happens with mu held, one event at a time.
type Group struct {
	mu      sync.Mutex
	cfg     Config
	lookup  UserLookup
	clock   Clock
	archive Archive
	baseCtx context.Context

	conns map[string]*Conn
	bpm   int
	bpi   int
	topic string

	intervalTimer Timer
	overflowed    []*Conn
}

// NewGroup constructs a room. Out-of-range tempo and channel settings fall
// back to defaults.
func NewGroup(cfg Config, lookup UserLookup, opts ...Option) *Group {
	if cfg.BPM < MinBPM || cfg.BPM > MaxBPM {
		cfg.BPM = 120
	}
	if cfg.BPI < MinBPI || cfg.BPI > MaxBPI {
		cfg.BPI = 8
	}
	if cfg.MaxChannels <= 0 || cfg.MaxChannels > protocol.MaxUserChannels {
		cfg.MaxChannels = protocol.MaxUserChannels
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "wahjam"
	}
	if cfg.VotingWindow <= 0 {
		cfg.VotingWindow = 60 * time.Second
	}
	g := &Group{
		cfg:     cfg,
		lookup:  lookup,
		clock:   RealClock(),
		baseCtx: context.Background(),
		conns:   make(map[string]*Conn),
		bpm:     cfg.BPM,
		bpi:     cfg.BPI,
		topic:   cfg.Topic,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// unlock releases mu after dropping connections whose send queue overflowed
// during the operation.
func (g *Group) unlock() {
	for len(g.overflowed) > 0 {
		c := g.overflowed[0]
		g.overflowed = g.overflowed[1:]
		g.dropLocked(c, "send queue overflow")
	}
	g.mu.Unlock()
}

// Run drives the room timers until ctx is canceled, then disconnects every
// remaining connection.
func (g *Group) Run(ctx context.Context) {
	g.mu.Lock()
	g.baseCtx = ctx
	g.restartIntervalLocked()
	g.unlock()

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return
		case <-ticker.C:
			g.Housekeep()
		}
	}
}

func (g *Group) shutdown() {
	g.mu.Lock()
	defer g.unlock()
	if g.intervalTimer != nil {
		g.intervalTimer.Stop()
		g.intervalTimer = nil
	}
	for _, c := range g.conns {
		g.dropLocked(c, "server shutting down")
	}
	log.Info().Str("module", "core.group").Msg("room stopped")
}

// Accept registers a new connection, sends it the auth challenge and starts
// its authentication timeout.
func (g *Group) Accept(remote string) *Conn {
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}

	g.mu.Lock()
	defer g.unlock()

	c := newConn(g, remote, g.clock.Now())
	c.challenge = sha1.Sum(seed[:])
	g.conns[c.id] = c

	caps := (uint32(g.cfg.Keepalive/time.Second) & 0xff) << 8
	if g.cfg.License != "" {
		caps |= protocol.ServerCapLicense
	}
	g.sendLocked(c, protocol.AuthChallenge{
		Challenge:       c.challenge,
		ServerCaps:      caps,
		ProtocolVersion: protocol.ProtocolVersion,
		License:         g.cfg.License,
	}.Marshal())

	c.authTimer = g.clock.AfterFunc(AuthTimeout, func() { g.authTimedOut(c) })

	log.Info().Str("module", "core.group").Str("conn", c.id).Str("remote", remote).Int("connections", len(g.conns)).Msg("connection accepted")
	return c
}

// Disconnect removes c from the room. Safe to call more than once.
func (g *Group) Disconnect(c *Conn, reason string) {
	g.mu.Lock()
	defer g.unlock()
	g.dropLocked(c, reason)
}

// Handle processes one inbound message from c.
func (g *Group) Handle(c *Conn, m protocol.Message) {
	g.mu.Lock()
	defer g.unlock()

	if c.dead {
		return
	}
	c.lastRecv = g.clock.Now()

	switch c.state {
	case Unauthenticated:
		if m.Type == protocol.TypeAuthUser {
			g.handleAuthUserLocked(c, m)
		}
	case LookupPending:
		// Nothing is accepted until the lookup completes.
	case Authenticated:
		g.handleMemberLocked(c, m)
	}
}

func (g *Group) handleMemberLocked(c *Conn, m protocol.Message) {
	var err error
	switch m.Type {
	case protocol.TypeSetChannelInfo:
		var msg protocol.SetChannelInfo
		if msg, err = protocol.ParseSetChannelInfo(m.Payload); err == nil {
			g.setChannelInfoLocked(c, msg)
		}
	case protocol.TypeSetUsermask:
		var msg protocol.SetUsermask
		if msg, err = protocol.ParseSetUsermask(m.Payload); err == nil {
			g.setUsermaskLocked(c, msg)
		}
	case protocol.TypeUploadIntervalBegin:
		var msg protocol.UploadBegin
		if msg, err = protocol.ParseUploadBegin(m.Payload); err == nil {
			g.uploadBeginLocked(c, msg)
		}
	case protocol.TypeUploadIntervalWrite:
		var msg protocol.IntervalWrite
		if msg, err = protocol.ParseIntervalWrite(m.Payload); err == nil {
			g.uploadWriteLocked(c, msg, m.Payload)
		}
	case protocol.TypeChatMessage:
		var msg protocol.Chat
		if msg, err = protocol.ParseChat(m.Payload); err == nil {
			g.handleChatLocked(c, msg, m)
		}
	case protocol.TypeKeepalive:
	default:
		log.Debug().Str("module", "core.conn").Str("conn", c.id).Stringer("type", m.Type).Msg("ignoring message")
	}
	if err != nil {
		log.Warn().Str("module", "core.conn").Str("conn", c.id).Str("user", c.username).Stringer("type", m.Type).Err(err).Msg("malformed message")
		g.dropLocked(c, "protocol error: "+err.Error())
	}
}

// sendLocked queues m for c. A connection whose queue overflows is dropped
// when the current operation finishes.
func (g *Group) sendLocked(c *Conn, m protocol.Message) {
	if c.dead {
		return
	}
	if !c.out.push(m) {
		log.Warn().Str("module", "core.group").Str("conn", c.id).Str("user", c.username).Int("queued", c.out.pending()).Msg("send queue overflow")
		g.overflowed = append(g.overflowed, c)
		return
	}
	c.lastSend = g.clock.Now()
}

// broadcastLocked sends m to every authenticated member except except.
func (g *Group) broadcastLocked(m protocol.Message, except *Conn) {
	sent := 0
	for _, c := range g.conns {
		if c == except || !c.member() {
			continue
		}
		g.sendLocked(c, m)
		sent++
	}
	log.Debug().Str("module", "core.group").Stringer("type", m.Type).Int("recipients", sent).Msg("broadcast")
}

func (g *Group) noticeLocked(c *Conn, text string) {
	g.sendLocked(c, protocol.NewChat("MSG", "", text).Marshal())
}

func (g *Group) announceLocked(text string) {
	g.broadcastLocked(protocol.NewChat("MSG", "", text).Marshal(), nil)
}

// dropLocked terminates c: its transfers are released, it leaves the
// connection set, and the remaining members learn of the departure before
// the outbound queue is closed.
func (g *Group) dropLocked(c *Conn, reason string) {
	if c.dead {
		return
	}
	wasMember := c.member()
	c.dead = true
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}

	for guid, t := range c.uploads {
		t.release()
		delete(c.uploads, guid)
		for _, o := range g.conns {
			delete(o.downloads, guid)
		}
	}
	for guid := range c.downloads {
		delete(c.downloads, guid)
	}
	delete(g.conns, c.id)

	if wasMember {
		var recs []protocol.UserInfoRecord
		for i := range c.channels {
			if c.channels[i].active {
				c.channels[i].active = false
				recs = append(recs, protocol.UserInfoRecord{Channel: uint8(i), Username: c.username})
			}
		}
		if len(recs) > 0 {
			g.broadcastLocked(protocol.UserInfoChange{Records: recs}.Marshal(), nil)
		}
		if !c.privs.Has(privs.Hidden) {
			g.broadcastLocked(protocol.NewChat("PART", c.username).Marshal(), nil)
		}
	}

	c.out.close()
	close(c.done)

	log.Info().Str("module", "core.group").Str("conn", c.id).Str("user", c.username).Str("reason", reason).Int("connections", len(g.conns)).Msg("connection dropped")
}

// Housekeep releases stale transfers and enforces keepalives.
func (g *Group) Housekeep() {
	g.mu.Lock()
	defer g.unlock()

	now := g.clock.Now()
	for _, c := range g.conns {
		if c.dead {
			continue
		}
		for guid, t := range c.uploads {
			if t.stale(now) {
				log.Debug().Str("module", "core.relay").Str("user", c.username).Stringer("guid", guid).Int64("bytes", t.bytes).Msg("releasing stale upload")
				t.release()
				delete(c.uploads, guid)
			}
		}
		for guid, t := range c.downloads {
			if t.stale(now) {
				delete(c.downloads, guid)
			}
		}

		ka := g.cfg.Keepalive
		if ka <= 0 || c.state != Authenticated {
			continue
		}
		if now.Sub(c.lastRecv) >= 3*ka {
			g.dropLocked(c, "keepalive timeout")
			continue
		}
		if now.Sub(c.lastSend) >= ka {
			g.sendLocked(c, protocol.Keepalive())
		}
	}
}

// Tempo returns the room tempo.
func (g *Group) Tempo() (bpm, bpi int) {
	g.mu.Lock()
	defer g.unlock()
	return g.bpm, g.bpi
}

// Topic returns the room topic.
func (g *Group) Topic() string {
	g.mu.Lock()
	defer g.unlock()
	return g.topic
}

// setTempoLocked commits a tempo change and tells every member.
func (g *Group) setTempoLocked(bpm, bpi int) {
	g.bpm, g.bpi = bpm, bpi
	g.broadcastLocked(protocol.ConfigChange{BPM: uint16(bpm), BPI: uint16(bpi)}.Marshal(), nil)
	g.restartIntervalLocked()
	log.Info().Str("module", "core.group").Int("bpm", bpm).Int("bpi", bpi).Msg("tempo changed")
}

// intervalLength is the duration of one interval at the given tempo.
func intervalLength(bpm, bpi int) time.Duration {
	return time.Duration(bpi) * 60000 * time.Millisecond / time.Duration(bpm)
}

// restartIntervalLocked writes an interval boundary to the archive and
// schedules the next one at the current tempo.
func (g *Group) restartIntervalLocked() {
	if g.intervalTimer != nil {
		g.intervalTimer.Stop()
		g.intervalTimer = nil
	}
	if g.archive == nil {
		return
	}
	if err := g.archive.Interval(g.bpm, g.bpi); err != nil {
		log.Warn().Str("module", "core.group").Err(err).Msg("archive interval")
	}
	var timer Timer
	timer = g.clock.AfterFunc(intervalLength(g.bpm, g.bpi), func() {
		g.mu.Lock()
		defer g.unlock()
		if g.intervalTimer != timer {
			return
		}
		g.intervalTimer = nil
		g.restartIntervalLocked()
	})
	g.intervalTimer = timer
}

// findMemberLocked returns the member named name (case-insensitive),
// ignoring except.
func (g *Group) findMemberLocked(name string, except *Conn) *Conn {
	for _, c := range g.conns {
		if c != except && c.member() && strings.EqualFold(c.username, name) {
			return c
		}
	}
	return nil
}

// visibleCountLocked counts members that are not hidden.
func (g *Group) visibleCountLocked(except *Conn) int {
	n := 0
	for _, c := range g.conns {
		if c != except && c.member() && !c.privs.Has(privs.Hidden) {
			n++
		}
	}
	return n
}

// sortedMembersLocked returns members ordered by username for stable output.
func (g *Group) sortedMembersLocked() []*Conn {
	out := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		if c.member() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].username == out[j].username {
			return out[i].id < out[j].id
		}
		return out[i].username < out[j].username
	})
	return out
}

// ClientCount returns the number of open connections.
func (g *Group) ClientCount() int {
	g.mu.Lock()
	defer g.unlock()
	return len(g.conns)
}

// ChannelSnapshot is one active channel in a RoomSnapshot.
type ChannelSnapshot struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Volume int16  `json:"volume"`
	Pan    int8   `json:"pan"`
	Flags  uint8  `json:"flags"`
}

// UserSnapshot is one visible member in a RoomSnapshot.
type UserSnapshot struct {
	Name        string            `json:"name"`
	Remote      string            `json:"remote"`
	Privs       string            `json:"privs"`
	ConnectedAt time.Time         `json:"connected_at"`
	Channels    []ChannelSnapshot `json:"channels"`
}

// RoomSnapshot is a point-in-time view of the room.
type RoomSnapshot struct {
	ServerName  string         `json:"server_name"`
	BPM         int            `json:"bpm"`
	BPI         int            `json:"bpi"`
	Topic       string         `json:"topic"`
	MaxUsers    int            `json:"max_users"`
	Connections int            `json:"connections"`
	Users       []UserSnapshot `json:"users"`
}

// Snapshot returns the room state. Hidden members are left out.
func (g *Group) Snapshot() RoomSnapshot {
	g.mu.Lock()
	defer g.unlock()

	snap := RoomSnapshot{
		ServerName:  g.cfg.ServerName,
		BPM:         g.bpm,
		BPI:         g.bpi,
		Topic:       g.topic,
		MaxUsers:    g.cfg.MaxUsers,
		Connections: len(g.conns),
		Users:       []UserSnapshot{},
	}
	for _, c := range g.sortedMembersLocked() {
		if c.privs.Has(privs.Hidden) {
			continue
		}
		u := UserSnapshot{
			Name:        c.username,
			Remote:      c.remote,
			Privs:       c.privs.String(),
			ConnectedAt: c.connectedAt,
			Channels:    []ChannelSnapshot{},
		}
		for i := range c.channels {
			ch := &c.channels[i]
			if !ch.active {
				continue
			}
			u.Channels = append(u.Channels, ChannelSnapshot{Index: i, Name: ch.name, Volume: ch.volume, Pan: ch.pan, Flags: ch.flags})
		}
		snap.Users = append(snap.Users, u)
	}
	return snap
}
