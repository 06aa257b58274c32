package core

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// channelRecordsLocked lists the active channels of c as user-info records.
// A visible user with no active channels is advertised with one empty
// channel unless the room allows hidden users.
func (g *Group) channelRecordsLocked(c *Conn) []protocol.UserInfoRecord {
	var recs []protocol.UserInfoRecord
	for i := range c.channels {
		ch := &c.channels[i]
		if !ch.active {
			continue
		}
		recs = append(recs, protocol.UserInfoRecord{
			Active:      true,
			Channel:     uint8(i),
			Volume:      ch.volume,
			Pan:         ch.pan,
			Flags:       ch.flags,
			Username:    c.username,
			ChannelName: ch.name,
		})
	}
	if len(recs) == 0 && g.placeholderNeeded(c) {
		recs = append(recs, placeholderRecord(c))
	}
	return recs
}

func (g *Group) placeholderNeeded(c *Conn) bool {
	return !g.cfg.AllowHiddenUsers && !c.privs.Has(privs.Hidden)
}

func placeholderRecord(c *Conn) protocol.UserInfoRecord {
	return protocol.UserInfoRecord{Active: true, Username: c.username}
}

// setChannelInfoLocked applies a channel update and tells the other members
// about the slots that actually changed.
func (g *Group) setChannelInfoLocked(c *Conn, msg protocol.SetChannelInfo) {
	limit := c.maxChannels
	if limit > protocol.MaxUserChannels {
		limit = protocol.MaxUserChannels
	}

	var recs []protocol.UserInfoRecord
	i := 0
	for ; i < len(msg.Channels) && i < limit; i++ {
		in := msg.Channels[i]
		active := in.Flags&protocol.ChannelFlagInactive == 0
		ch := &c.channels[i]
		changed := ch.active != active ||
			ch.name != in.Name ||
			ch.volume != in.Volume ||
			ch.pan != in.Pan ||
			ch.flags != in.Flags

		*ch = channel{active: active, name: in.Name, volume: in.Volume, pan: in.Pan, flags: in.Flags}
		if changed {
			recs = append(recs, protocol.UserInfoRecord{
				Active:      active,
				Channel:     uint8(i),
				Volume:      in.Volume,
				Pan:         in.Pan,
				Flags:       in.Flags,
				Username:    c.username,
				ChannelName: in.Name,
			})
		}
	}
	for ; i < protocol.MaxUserChannels; i++ {
		if c.channels[i].active {
			c.channels[i].active = false
			recs = append(recs, protocol.UserInfoRecord{Channel: uint8(i), Username: c.username})
		}
	}

	if len(recs) == 0 {
		return
	}
	if c.activeChannels() == 0 && g.placeholderNeeded(c) {
		recs = append(recs, placeholderRecord(c))
	}
	g.broadcastLocked(protocol.UserInfoChange{Records: recs}.Marshal(), c)
	log.Debug().Str("module", "core.conn").Str("user", c.username).Int("changes", len(recs)).Msg("channel info updated")
}

// setUsermaskLocked updates subscriptions. Entries are keyed by lowercased
// username so they survive the peer reconnecting under the same name.
func (g *Group) setUsermaskLocked(c *Conn, msg protocol.SetUsermask) {
	for _, e := range msg.Entries {
		key := strings.ToLower(e.Username)
		if e.Mask == 0 {
			delete(c.subs, key)
			continue
		}
		c.subs[key] = e.Mask
	}
}

// subscribed reports whether c wants channel ch of user.
func (c *Conn) subscribed(user string, ch uint8) bool {
	return c.subs[strings.ToLower(user)]&(uint32(1)<<ch) != 0
}
