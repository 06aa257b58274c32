package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

func votingRoom(t *testing.T, n int) (*harness, []*testClient) {
	h := newHarness(t, Config{BPM: 120, BPI: 8, VotingThreshold: 60, VotingWindow: time.Minute})
	var users []*testClient
	for i := 0; i < n; i++ {
		users = append(users, h.join(string(rune('a'+i))+"-player", privs.All))
	}
	for _, u := range users {
		u.drain()
	}
	return h, users
}

func votingLines(t *testing.T, msgs []protocol.Message) []string {
	var out []string
	for _, n := range notices(t, msgs) {
		if strings.HasPrefix(n, votePrefix) {
			out = append(out, strings.TrimPrefix(n, votePrefix))
		}
	}
	return out
}

func TestVoteCommitsAtQuorum(t *testing.T) {
	h, users := votingRoom(t, 5)
	observer := users[4]

	users[0].sendChat("MSG", "!vote bpm 130")
	assert.Equal(t, []string{"Leading candidate: 1/3 votes for 130 BPM [each vote expires in 60s]"}, votingLines(t, observer.drain()))

	users[1].sendChat("MSG", "!vote bpm 130")
	assert.Equal(t, []string{"Leading candidate: 2/3 votes for 130 BPM [each vote expires in 60s]"}, votingLines(t, observer.drain()))
	bpm, _ := h.g.Tempo()
	assert.Equal(t, 120, bpm)

	users[2].sendChat("MSG", "!vote bpm 130")
	msgs := observer.drain()
	assert.Equal(t, []string{"Setting BPM to 130"}, votingLines(t, msgs))
	cfgs := ofType(msgs, protocol.TypeConfigChangeNotify)
	require.Len(t, cfgs, 1)
	cc, err := protocol.ParseConfigChange(cfgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ConfigChange{BPM: 130, BPI: 8}, cc)

	bpm, bpi := h.g.Tempo()
	assert.Equal(t, 130, bpm)
	assert.Equal(t, 8, bpi)

	h.g.mu.Lock()
	for _, u := range users {
		assert.Zero(t, u.c.voteBPM)
	}
	h.g.unlock()

	users[3].sendChat("MSG", "!vote bpm 130")
	assert.Equal(t, []string{"Leading candidate: 1/3 votes for 130 BPM [each vote expires in 60s]"}, votingLines(t, observer.drain()))
}

func TestVoteLineIsAlsoChat(t *testing.T) {
	_, users := votingRoom(t, 2)
	users[0].sendChat("MSG", "!vote bpi 16")
	cs := chats(t, users[1].drain())
	require.NotEmpty(t, cs)
	assert.Equal(t, []string{"MSG", "a-player", "!vote bpi 16"}, cs[0].Parms)
}

func TestVoteTieKeepsLowestValue(t *testing.T) {
	_, users := votingRoom(t, 5)
	users[0].sendChat("MSG", "!vote bpm 140")
	users[1].sendChat("MSG", "!vote bpm 110")
	lines := votingLines(t, users[4].drain())
	require.Len(t, lines, 2)
	assert.Equal(t, "Leading candidate: 1/3 votes for 110 BPM [each vote expires in 60s]", lines[1])
}

func TestVoteExpires(t *testing.T) {
	h, users := votingRoom(t, 3)
	users[0].sendChat("MSG", "!vote bpi 4")
	h.clock.Advance(time.Minute + time.Second)
	users[1].sendChat("MSG", "!vote bpi 4")

	lines := votingLines(t, users[2].drain())
	require.Len(t, lines, 2)
	assert.Equal(t, "Leading candidate: 1/2 votes for 4 BPI [each vote expires in 60s]", lines[1])
}

func TestVoteQuorumIgnoresHiddenUsers(t *testing.T) {
	h := newHarness(t, Config{VotingThreshold: 50, AllowHiddenUsers: true})
	a := h.join("a", privs.All)
	h.join("b", privs.All)
	h.join("ghost1", privs.All|privs.Hidden)
	h.join("ghost2", privs.All|privs.Hidden)

	a.sendChat("MSG", "!vote bpm 99")
	bpm, _ := h.g.Tempo()
	assert.Equal(t, 99, bpm)
}

func TestVoteRejections(t *testing.T) {
	h := newHarness(t, Config{VotingThreshold: 50})
	voter := h.join("voter", privs.All)
	nobody := h.join("nobody", privs.Chat)
	voter.drain()

	nobody.sendChat("MSG", "!vote bpm 100")
	assert.Equal(t, []string{"No vote permission"}, votingLines(t, nobody.drain()))

	for _, tc := range []struct{ line, want string }{
		{"!vote", "Usage: !vote <bpm|bpi> <value>"},
		{"!vote tempo 100", "Usage: !vote <bpm|bpi> <value>"},
		{"!vote bpm fast", "Usage: !vote <bpm|bpi> <value>"},
		{"!vote bpm 500", "BPM parameter must be between 20 and 400"},
		{"!vote bpi 1", "BPI parameter must be between 2 and 1024"},
	} {
		voter.sendChat("MSG", tc.line)
		assert.Equal(t, []string{tc.want}, votingLines(t, voter.drain()), tc.line)
	}

	off := newHarness(t, Config{VotingThreshold: 101})
	u := off.join("u", privs.All)
	u.sendChat("MSG", "!vote bpm 100")
	assert.Equal(t, []string{"Voting is not enabled on this server"}, votingLines(t, u.drain()))
}

func TestVoteWithoutChatPermission(t *testing.T) {
	h := newHarness(t, Config{VotingThreshold: 100})
	v := h.join("v", privs.Vote)
	v.sendChat("MSG", "!vote bpm 90")

	msgs := v.drain()
	assert.Equal(t, []string{"Setting BPM to 90"}, votingLines(t, msgs))
	for _, c := range chats(t, msgs) {
		assert.NotEqual(t, "v", c.Parm(1))
	}
	bpm, _ := h.g.Tempo()
	assert.Equal(t, 90, bpm)
}
