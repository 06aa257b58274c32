package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

func TestAuthSuccessSendsRoomState(t *testing.T) {
	h := newHarness(t, Config{Topic: "blues in A", BPM: 100, BPI: 16})
	bob := h.join("bob", privs.All)

	h.addUser("alice", "secret", privs.All)
	alice := h.accept()
	reply := alice.authenticate("Alice", "secret", protocol.ClientCapExtended)
	require.True(t, reply.OK)
	assert.Equal(t, "Alice", reply.Message)
	assert.EqualValues(t, protocol.MaxUserChannels, reply.MaxChannels)

	msgs := alice.drain()
	users := ofType(msgs, protocol.TypeUserInfoChangeNotify)
	require.Len(t, users, 1)
	uic, err := protocol.ParseUserInfoChange(users[0].Payload)
	require.NoError(t, err)
	require.Len(t, uic.Records, 1)
	assert.Equal(t, "bob", uic.Records[0].Username)

	cfgs := ofType(msgs, protocol.TypeConfigChangeNotify)
	require.Len(t, cfgs, 1)
	cc, err := protocol.ParseConfigChange(cfgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ConfigChange{BPM: 100, BPI: 16}, cc)

	var sawTopic, sawPrivs bool
	for _, c := range chats(t, msgs) {
		switch c.Parm(0) {
		case "TOPIC":
			sawTopic = true
			assert.Equal(t, "blues in A", c.Parm(2))
		case "PRIVS":
			sawPrivs = true
			assert.Equal(t, "tcbkrmv", c.Parm(1))
		}
	}
	assert.True(t, sawTopic)
	assert.True(t, sawPrivs)

	joins := chats(t, bob.drain())
	require.Len(t, joins, 1)
	assert.Equal(t, []string{"JOIN", "Alice"}, joins[0].Parms)
}

func TestAuthRejectsBadPassword(t *testing.T) {
	h := newHarness(t, Config{})
	h.addUser("alice", "secret", privs.All)
	alice := h.accept()

	reply := alice.authenticate("alice", "wrong", 0)
	assert.False(t, reply.OK)
	assert.Equal(t, ErrTextInvalidLogin, reply.Message)
	assert.True(t, alice.closed())
	assert.Equal(t, 0, h.g.ClientCount())
}

func TestAuthRejectsUnknownUserAndLookupErrors(t *testing.T) {
	h := newHarness(t, Config{})
	reply := h.accept().authenticate("nobody", "x", 0)
	assert.False(t, reply.OK)
	assert.Equal(t, ErrTextInvalidLogin, reply.Message)

	h.addUser("alice", "secret", privs.All)
	h.lookup.err = errors.New("directory unavailable")
	reply = h.accept().authenticate("alice", "secret", 0)
	assert.False(t, reply.OK)
	assert.Equal(t, ErrTextInvalidLogin, reply.Message)
}

func TestAuthRequiresLicenseAgreement(t *testing.T) {
	h := newHarness(t, Config{License: "play nice", Keepalive: 3 * time.Second})
	h.addUser("alice", "secret", privs.All)

	alice := h.accept()
	m := alice.recv()
	ch, err := protocol.ParseAuthChallenge(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, "play nice", ch.License)
	assert.Equal(t, 3, ch.KeepaliveSeconds())

	alice.send(protocol.AuthUser{
		PassHash:      ChallengeResponse(PasswordSecret("alice", "secret"), ch.Challenge[:]),
		Username:      "alice",
		ClientVersion: protocol.ProtocolVersion,
	}.Marshal())
	reply, err := protocol.ParseAuthReply(alice.recv().Payload)
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, ErrTextLicense, reply.Message)

	again := h.accept()
	reply = again.authenticate("alice", "secret", protocol.ClientCapLicense)
	assert.True(t, reply.OK)
}

func TestAuthRejectsClientVersion(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.accept()
	c.recv()
	c.send(protocol.AuthUser{Username: "alice", ClientVersion: 0x00010000}.Marshal())
	reply, err := protocol.ParseAuthReply(c.recv().Payload)
	require.NoError(t, err)
	assert.Equal(t, ErrTextClientVersion, reply.Message)
	assert.True(t, c.closed())
}

func TestAuthIgnoresOtherMessagesBeforeLogin(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.accept()
	c.recv()
	c.sendChat("MSG", "hello")
	c.send(protocol.SetChannelInfo{Channels: []protocol.ChannelInfo{{Name: "gtr"}}}.Marshal())
	assert.Empty(t, c.drain())
	assert.False(t, c.closed())
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.accept()
	c.recv()

	h.clock.Advance(AuthTimeout - time.Second)
	assert.False(t, c.closed())

	h.clock.Advance(time.Second)
	reply, err := protocol.ParseAuthReply(c.recv().Payload)
	require.NoError(t, err)
	assert.Equal(t, ErrTextAuthTimeout, reply.Message)
	assert.True(t, c.closed())
}

func TestServerFullHonorsReserve(t *testing.T) {
	h := newHarness(t, Config{MaxUsers: 1})
	h.join("alice", privs.Chat)

	h.addUser("bob", "pw", privs.Chat)
	reply := h.accept().authenticate("bob", "pw", 0)
	assert.False(t, reply.OK)
	assert.Equal(t, ErrTextServerFull, reply.Message)

	h.addUser("carol", "pw", privs.Chat|privs.Reserve)
	reply = h.accept().authenticate("carol", "pw", 0)
	assert.True(t, reply.OK)
}

func TestNameCollisionReplacesExisting(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.join("alice", privs.All&^privs.AllowMulti)
	watcher := h.join("bob", privs.All)
	first.drain()

	second := h.accept()
	reply := second.authenticate("ALICE", "pw-alice", 0)
	require.True(t, reply.OK)
	assert.Equal(t, "ALICE", reply.Message)
	assert.True(t, first.closed())

	var tags []string
	for _, c := range chats(t, watcher.drain()) {
		tags = append(tags, c.Parm(0)+" "+c.Parm(1))
	}
	assert.Equal(t, []string{"PART alice", "JOIN ALICE"}, tags)
}

func TestNameCollisionAddsSuffix(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.join("band", privs.All)

	var names []string
	for i := 0; i < 2; i++ {
		c := h.accept()
		reply := c.authenticate("band", "pw-band", 0)
		require.True(t, reply.OK)
		names = append(names, reply.Message)
	}
	assert.Equal(t, []string{"band.2", "band.3"}, names)
	assert.False(t, first.closed())
	assert.Equal(t, 3, h.g.ClientCount())
}

func TestAccountChannelQuota(t *testing.T) {
	h := newHarness(t, Config{MaxChannels: 8})
	h.lookup.accounts["alice"] = fakeAccount{password: "pw", privs: privs.All, maxChannels: 2}
	reply := h.accept().authenticate("alice", "pw", 0)
	require.True(t, reply.OK)
	assert.EqualValues(t, 2, reply.MaxChannels)

	h.lookup.accounts["bob"] = fakeAccount{password: "pw", privs: privs.All, maxChannels: 99}
	reply = h.accept().authenticate("bob", "pw", 0)
	require.True(t, reply.OK)
	assert.EqualValues(t, 8, reply.MaxChannels)
}

func TestStatusLoginIsNotAMember(t *testing.T) {
	h := newHarness(t, Config{MaxUsers: 1, Topic: "jam"})
	alice := h.join("alice", privs.All)
	h.lookup.accounts["status"] = fakeAccount{password: "pw", status: true}

	st := h.accept()
	reply := st.authenticate("status", "pw", 0)
	require.True(t, reply.OK)

	var count []string
	for _, c := range chats(t, st.drain()) {
		if c.Parm(0) == "USERCOUNT" {
			count = c.Parms[1:]
		}
	}
	assert.Equal(t, []string{"1", "1"}, count)
	assert.True(t, st.closed())
	assert.Empty(t, alice.drain())
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.join("alice", privs.All)
	bob := h.join("bob", privs.All)
	alice.send(protocol.SetChannelInfo{Channels: []protocol.ChannelInfo{{Name: "bass"}}}.Marshal())
	bob.drain()

	h.g.Disconnect(alice.c, "connection reset")

	msgs := bob.drain()
	require.Len(t, msgs, 2)
	uic, err := protocol.ParseUserInfoChange(msgs[0].Payload)
	require.NoError(t, err)
	require.Len(t, uic.Records, 1)
	assert.False(t, uic.Records[0].Active)
	assert.Equal(t, "alice", uic.Records[0].Username)
	part, err := protocol.ParseChat(msgs[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"PART", "alice"}, part.Parms)

	h.g.Disconnect(alice.c, "again")
	assert.Empty(t, bob.drain())
}

func TestHiddenUsersProduceNoJoinOrPart(t *testing.T) {
	h := newHarness(t, Config{AllowHiddenUsers: true})
	alice := h.join("alice", privs.All)
	ghost := h.join("ghost", privs.All|privs.Hidden)
	assert.Empty(t, alice.drain())

	h.g.Disconnect(ghost.c, "bye")
	assert.Empty(t, alice.drain())
}

func TestKeepalive(t *testing.T) {
	h := newHarness(t, Config{Keepalive: 3 * time.Second})
	alice := h.join("alice", privs.All)

	h.clock.Advance(3 * time.Second)
	h.g.Housekeep()
	msgs := alice.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeKeepalive, msgs[0].Type)

	alice.send(protocol.Keepalive())
	h.clock.Advance(8 * time.Second)
	h.g.Housekeep()
	assert.False(t, alice.closed())

	h.clock.Advance(time.Second)
	h.g.Housekeep()
	assert.True(t, alice.closed())
}

func TestMalformedMessageDropsConnection(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.join("alice", privs.All)
	alice.send(protocol.Message{Type: protocol.TypeUploadIntervalBegin, Payload: []byte{1, 2, 3}})
	assert.True(t, alice.closed())
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.join("alice", privs.All)
	bob := h.join("bob", privs.All)
	alice.drain()

	text := strings.Repeat("x", 8000)
	for i := 0; i < (maxQueuedBytes/8000)+2 && !bob.closed(); i++ {
		alice.sendChat("MSG", text)
		alice.drain()
	}
	assert.True(t, bob.closed())
	assert.False(t, alice.closed())
}

func TestSnapshotOmitsHiddenUsers(t *testing.T) {
	h := newHarness(t, Config{ServerName: "jam", BPM: 90, BPI: 4, AllowHiddenUsers: true})
	alice := h.join("alice", privs.All)
	h.join("ghost", privs.All|privs.Hidden)
	alice.send(protocol.SetChannelInfo{Channels: []protocol.ChannelInfo{{Name: "keys", Volume: 10, Pan: -3}}}.Marshal())

	snap := h.g.Snapshot()
	assert.Equal(t, "jam", snap.ServerName)
	assert.Equal(t, 90, snap.BPM)
	assert.Equal(t, 4, snap.BPI)
	assert.Equal(t, 2, snap.Connections)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "alice", snap.Users[0].Name)
	assert.Equal(t, []ChannelSnapshot{{Index: 0, Name: "keys", Volume: 10, Pan: -3}}, snap.Users[0].Channels)
}

func TestIntervalTimerFollowsTempo(t *testing.T) {
	arch := &fakeArchive{}
	h := newHarness(t, Config{BPM: 120, BPI: 8}, WithArchive(arch))
	h.g.mu.Lock()
	h.g.restartIntervalLocked()
	h.g.unlock()

	assert.Equal(t, 4*time.Second, intervalLength(120, 8))
	h.clock.Advance(4 * time.Second)
	h.clock.Advance(4 * time.Second)

	admin := h.join("admin", privs.All)
	admin.sendChat("ADMIN", "bpm 60")
	h.clock.Advance(4 * time.Second)
	h.clock.Advance(4 * time.Second)

	assert.Equal(t, [][2]int{{120, 8}, {120, 8}, {120, 8}, {60, 8}, {60, 8}}, arch.intervals)
}
