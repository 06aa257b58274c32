package core

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// Auth failure texts sent in the auth reply.
const (
	ErrTextInvalidLogin   = "invalid login/password"
	ErrTextLicense        = "license not agreed to"
	ErrTextServerFull     = "server full"
	ErrTextAuthTimeout    = "authorization timeout"
	ErrTextClientVersion  = "incorrect client version"
	ErrTextMalformedAuth  = "malformed auth request"
	ErrTextNameCollisions = "too many users with that name"
)

const (
	maxUsernameLen = 32
	// maxNameSuffix bounds the ".N" suffixes tried for allow-multi logins.
	maxNameSuffix = 16
)

// SanitizeUsername replaces every byte that is not alphanumeric or one of
// "-_@." with '_' and truncates the result.
func SanitizeUsername(name string) string {
	b := []byte(name)
	if len(b) > maxUsernameLen {
		b = b[:maxUsernameLen]
	}
	for i, ch := range b {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '@', ch == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// failAuthLocked sends a failed auth reply and drops c.
func (g *Group) failAuthLocked(c *Conn, text string) {
	log.Info().Str("module", "core.auth").Str("conn", c.id).Str("remote", c.remote).Str("user", c.username).Str("error", text).Msg("authentication failed")
	g.sendLocked(c, protocol.AuthReply{Message: text}.Marshal())
	g.dropLocked(c, text)
}

func (g *Group) authTimedOut(c *Conn) {
	g.mu.Lock()
	defer g.unlock()
	if c.dead || c.state != Unauthenticated {
		return
	}
	g.failAuthLocked(c, ErrTextAuthTimeout)
}

func (g *Group) handleAuthUserLocked(c *Conn, m protocol.Message) {
	req, err := protocol.ParseAuthUser(m.Payload)
	if err != nil {
		g.failAuthLocked(c, ErrTextMalformedAuth)
		return
	}
	if req.ClientVersion < protocol.ProtocolVersionMin || req.ClientVersion > protocol.ProtocolVersionMax {
		g.failAuthLocked(c, ErrTextClientVersion)
		return
	}
	if g.cfg.License != "" && req.ClientCaps&protocol.ClientCapLicense == 0 {
		g.failAuthLocked(c, ErrTextLicense)
		return
	}

	c.username = SanitizeUsername(req.Username)
	if c.username == "" {
		g.failAuthLocked(c, ErrTextInvalidLogin)
		return
	}
	c.passHash = req.PassHash
	c.clientCaps = req.ClientCaps
	c.state = LookupPending
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}

	ctx, cancel := context.WithTimeout(g.baseCtx, lookupTimeout)
	username, server := c.username, g.cfg.ServerName
	go func() {
		defer cancel()
		acct, err := g.lookup.LookupUser(ctx, username, server)
		g.completeAuth(c, acct, err)
	}()

	log.Debug().Str("module", "core.auth").Str("conn", c.id).Str("user", c.username).Msg("user lookup started")
}

// completeAuth applies a finished lookup. The connection may have gone away
// while the lookup was outstanding.
func (g *Group) completeAuth(c *Conn, acct Account, lookupErr error) {
	g.mu.Lock()
	defer g.unlock()

	if c.dead || c.state != LookupPending {
		return
	}
	if lookupErr != nil {
		log.Warn().Str("module", "core.auth").Str("conn", c.id).Str("user", c.username).Err(lookupErr).Msg("user lookup failed")
		g.failAuthLocked(c, ErrTextInvalidLogin)
		return
	}
	if !acct.Valid || ChallengeResponse(acct.Secret, c.challenge[:]) != c.passHash {
		g.failAuthLocked(c, ErrTextInvalidLogin)
		return
	}

	if acct.Status {
		c.status = true
		c.state = Authenticated
		g.sendStatusLocked(c)
		g.dropLocked(c, "status query answered")
		return
	}

	if g.cfg.MaxUsers > 0 && !acct.Privs.Has(privs.Reserve) && g.visibleCountLocked(c) >= g.cfg.MaxUsers {
		g.failAuthLocked(c, ErrTextServerFull)
		return
	}

	base := c.username
	for suffix := 2; ; suffix++ {
		other := g.findMemberLocked(c.username, c)
		if other == nil {
			break
		}
		if !acct.Privs.Has(privs.AllowMulti) {
			g.dropLocked(other, "replaced by new login")
			continue
		}
		if suffix > maxNameSuffix {
			g.failAuthLocked(c, ErrTextNameCollisions)
			return
		}
		tag := "." + strconv.Itoa(suffix)
		name := base
		if len(name)+len(tag) > maxUsernameLen {
			name = name[:maxUsernameLen-len(tag)]
		}
		c.username = name + tag
	}

	c.privs = acct.Privs
	c.maxChannels = g.cfg.MaxChannels
	if acct.MaxChannels > 0 && acct.MaxChannels < c.maxChannels {
		c.maxChannels = acct.MaxChannels
	}
	c.state = Authenticated

	g.sendLocked(c, protocol.AuthReply{OK: true, Message: c.username, MaxChannels: uint8(c.maxChannels)}.Marshal())
	if !c.privs.Has(privs.Hidden) {
		g.broadcastLocked(protocol.NewChat("JOIN", c.username).Marshal(), nil)
	}
	g.sendRoomStateLocked(c)
	if c.clientCaps&protocol.ClientCapExtended != 0 {
		g.sendLocked(c, protocol.NewChat("PRIVS", c.privs.String()).Marshal())
	}

	log.Info().Str("module", "core.auth").Str("conn", c.id).Str("remote", c.remote).Str("user", c.username).Str("privs", c.privs.String()).Int("max_channels", c.maxChannels).Msg("user joined")
}

// sendRoomStateLocked sends the user list, tempo and topic to c.
func (g *Group) sendRoomStateLocked(c *Conn) {
	var recs []protocol.UserInfoRecord
	for _, o := range g.sortedMembersLocked() {
		if o == c {
			continue
		}
		recs = append(recs, g.channelRecordsLocked(o)...)
	}
	if len(recs) > 0 {
		g.sendLocked(c, protocol.UserInfoChange{Records: recs}.Marshal())
	}
	g.sendLocked(c, protocol.ConfigChange{BPM: uint16(g.bpm), BPI: uint16(g.bpi)}.Marshal())
	g.sendLocked(c, protocol.NewChat("TOPIC", "", g.topic).Marshal())
}

// sendStatusLocked answers a status-only login with a room snapshot.
func (g *Group) sendStatusLocked(c *Conn) {
	g.sendLocked(c, protocol.AuthReply{OK: true, Message: c.username}.Marshal())
	g.sendRoomStateLocked(c)
	g.sendLocked(c, protocol.NewChat("USERCOUNT",
		strconv.Itoa(g.visibleCountLocked(c)),
		strconv.Itoa(g.cfg.MaxUsers)).Marshal())
}
