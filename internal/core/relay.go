package core

import (
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// transfer is one in-flight interval, either uploaded by a connection or
// being relayed to it.
type transfer struct {
	guid         protocol.GUID
	fourcc       protocol.FourCC
	channel      uint8
	estSize      uint32
	bytes        int64
	lastActivity time.Time
	file         io.WriteCloser
}

func (t *transfer) stale(now time.Time) bool {
	return now.Sub(t.lastActivity) >= TransferStaleTime
}

// release closes the archive file, if any.
func (t *transfer) release() {
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		log.Warn().Str("module", "core.relay").Stringer("guid", t.guid).Err(err).Msg("close archived interval")
	}
	t.file = nil
}

// uploadBeginLocked announces a new interval from c to every subscriber of
// its channel and starts tracking the transfer.
func (g *Group) uploadBeginLocked(c *Conn, msg protocol.UploadBegin) {
	if int(msg.Channel) >= c.maxChannels {
		log.Debug().Str("module", "core.relay").Str("user", c.username).Uint8("channel", msg.Channel).Msg("upload on channel beyond quota")
		return
	}
	now := g.clock.Now()
	track := !msg.GUID.IsZero() && !msg.FourCC.IsZero()

	if track {
		if old, ok := c.uploads[msg.GUID]; ok {
			old.release()
		}
		t := &transfer{
			guid:         msg.GUID,
			fourcc:       msg.FourCC,
			channel:      msg.Channel,
			estSize:      msg.EstSize,
			lastActivity: now,
		}
		if g.archive != nil {
			f, err := g.archive.Clip(msg.GUID, msg.FourCC, c.username, int(msg.Channel), c.channels[msg.Channel].name)
			if err != nil {
				log.Warn().Str("module", "core.relay").Str("user", c.username).Stringer("guid", msg.GUID).Err(err).Msg("archive interval")
			} else {
				t.file = f
			}
		}
		c.uploads[msg.GUID] = t
	}

	notice := protocol.DownloadBegin{
		GUID:     msg.GUID,
		EstSize:  msg.EstSize,
		FourCC:   msg.FourCC,
		Channel:  msg.Channel,
		Username: c.username,
	}.Marshal()

	subscribers := 0
	for _, o := range g.conns {
		if o == c || !o.member() || !o.subscribed(c.username, msg.Channel) {
			continue
		}
		g.sendLocked(o, notice)
		subscribers++
		if track {
			o.downloads[msg.GUID] = &transfer{
				guid:         msg.GUID,
				fourcc:       msg.FourCC,
				channel:      msg.Channel,
				estSize:      msg.EstSize,
				lastActivity: now,
			}
		}
	}
	log.Debug().Str("module", "core.relay").Str("user", c.username).Stringer("guid", msg.GUID).Uint8("channel", msg.Channel).Int("subscribers", subscribers).Msg("interval begin")
}

// uploadWriteLocked archives a chunk and forwards it, unchanged, to every
// connection relaying this interval.
func (g *Group) uploadWriteLocked(c *Conn, msg protocol.IntervalWrite, payload []byte) {
	now := g.clock.Now()

	if t, ok := c.uploads[msg.GUID]; ok {
		switch {
		case t.stale(now):
			t.release()
			delete(c.uploads, msg.GUID)
		default:
			if t.file != nil {
				if _, err := t.file.Write(msg.Data); err != nil {
					log.Warn().Str("module", "core.relay").Stringer("guid", msg.GUID).Err(err).Msg("write archived interval")
					t.release()
				}
			}
			t.bytes += int64(len(msg.Data))
			t.lastActivity = now
			if msg.Final {
				t.release()
				delete(c.uploads, msg.GUID)
			}
		}
	}

	fwd := protocol.Message{Type: protocol.TypeDownloadIntervalWrite, Payload: payload}
	for _, o := range g.conns {
		if o == c || !o.member() {
			continue
		}
		d, ok := o.downloads[msg.GUID]
		if !ok {
			continue
		}
		if d.stale(now) {
			delete(o.downloads, msg.GUID)
			continue
		}
		g.sendLocked(o, fwd)
		d.bytes += int64(len(msg.Data))
		d.lastActivity = now
		if msg.Final {
			delete(o.downloads, msg.GUID)
		}
	}
}
