package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

const adminUsage = "Usage: ADMIN topic <text> | kick <name|name*> | bpm <n> | bpi <n>"

// handleChatLocked dispatches a chat-class message on its command tag.
func (g *Group) handleChatLocked(c *Conn, msg protocol.Chat, raw protocol.Message) {
	tag := msg.Parm(0)
	switch tag {
	case "MSG":
		g.chatMessageLocked(c, msg.Parm(1))
	case "PRIVMSG":
		g.privateMessageLocked(c, msg.Parm(1), msg.Parm(2))
	case "SESSION":
		g.broadcastLocked(raw, c)
	case "TOPIC":
		g.setTopicLocked(c, msg.Parm(1))
	case "ADMIN":
		g.adminLocked(c, msg.Parm(1))
	default:
		log.Debug().Str("module", "core.chat").Str("user", c.username).Str("tag", tag).Msg("ignoring chat tag")
	}
}

func (g *Group) chatMessageLocked(c *Conn, text string) {
	isVote := isVoteCommand(text)
	if !c.privs.Has(privs.Chat) {
		if !isVote {
			g.noticeLocked(c, "No chat permission")
			return
		}
	} else {
		g.broadcastLocked(protocol.NewChat("MSG", c.username, text).Marshal(), nil)
	}
	if isVote {
		g.voteLocked(c, strings.TrimSpace(text[len("!vote"):]))
	}
}

func (g *Group) privateMessageLocked(c *Conn, to, text string) {
	if !c.privs.Has(privs.Chat) {
		g.noticeLocked(c, "No chat permission")
		return
	}
	dst := g.findMemberLocked(to, nil)
	if dst == nil {
		g.noticeLocked(c, fmt.Sprintf("User %q not found", to))
		return
	}
	g.sendLocked(dst, protocol.NewChat("PRIVMSG", c.username, text).Marshal())
}

func (g *Group) setTopicLocked(c *Conn, topic string) {
	if !c.privs.Has(privs.Topic) {
		g.noticeLocked(c, "No topic permission")
		return
	}
	g.topic = topic
	g.broadcastLocked(protocol.NewChat("TOPIC", c.username, topic).Marshal(), nil)
	log.Info().Str("module", "core.chat").Str("user", c.username).Str("topic", topic).Msg("topic changed")
}

// adminLocked runs one ADMIN command line such as "bpm 120".
func (g *Group) adminLocked(c *Conn, line string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "topic":
		g.setTopicLocked(c, arg)
	case "kick":
		g.kickLocked(c, arg)
	case "bpm":
		g.adminTempoLocked(c, "BPM", arg, MinBPM, MaxBPM)
	case "bpi":
		g.adminTempoLocked(c, "BPI", arg, MinBPI, MaxBPI)
	default:
		g.noticeLocked(c, adminUsage)
	}
}

func (g *Group) kickLocked(c *Conn, pattern string) {
	if !c.privs.Has(privs.Kick) {
		g.noticeLocked(c, "No kick permission")
		return
	}
	if pattern == "" {
		g.noticeLocked(c, "Usage: ADMIN kick <name|name*>")
		return
	}

	var victims []*Conn
	for _, o := range g.sortedMembersLocked() {
		if o != c && matchUser(pattern, o.username) {
			victims = append(victims, o)
		}
	}
	if len(victims) == 0 {
		g.noticeLocked(c, fmt.Sprintf("No users matching %q found", pattern))
		return
	}
	for _, v := range victims {
		g.announceLocked(fmt.Sprintf("%s kicked %s", c.username, v.username))
		g.dropLocked(v, "kicked by "+c.username)
	}
}

// matchUser compares case-insensitively; a trailing '*' makes pattern a
// prefix.
func matchUser(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix)
	}
	return strings.EqualFold(pattern, name)
}

func (g *Group) adminTempoLocked(c *Conn, what, arg string, lo, hi int) {
	if !c.privs.Has(privs.BPM) {
		g.noticeLocked(c, "No tempo permission")
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < lo || n > hi {
		g.noticeLocked(c, fmt.Sprintf("%s parameter must be between %d and %d", what, lo, hi))
		return
	}
	if what == "BPM" {
		g.setTempoLocked(n, g.bpi)
	} else {
		g.setTempoLocked(g.bpm, n)
	}
	g.announceLocked(fmt.Sprintf("%s sets %s to %d", c.username, what, n))
}
