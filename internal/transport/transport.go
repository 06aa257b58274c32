// Package transport moves framed protocol messages between a network
// stream and the room. Every transport (TCP, WebSocket, WebTransport)
// adapts its connection to Stream and hands it to Serve.
package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// Stream is one bidirectional message stream to a client.
type Stream interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(protocol.Message) error
	Close() error
	RemoteAddr() string
}

// Serve runs one client until it disconnects, the room drops it, or ctx is
// canceled. Reads are handed to the room in order; writes drain the
// connection's outbound queue on a separate goroutine.
func Serve(ctx context.Context, g *core.Group, s Stream) {
	c := g.Accept(s.RemoteAddr())
	l := log.With().Str("module", "transport").Str("conn", c.ID()).Str("remote", s.RemoteAddr()).Logger()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer s.Close()
		for {
			m, err := c.Next(ctx)
			if err != nil {
				if !errors.Is(err, core.ErrClosed) {
					l.Debug().Err(err).Msg("writer stopped")
				}
				return
			}
			if err := s.WriteMessage(m); err != nil {
				l.Debug().Err(err).Msg("write failed")
				g.Disconnect(c, "write error")
				return
			}
		}
	}()

	for {
		m, err := s.ReadMessage()
		if err != nil {
			reason := "connection closed"
			if !isClosed(err) {
				reason = "read error: " + err.Error()
			}
			g.Disconnect(c, reason)
			break
		}
		g.Handle(c, m)
	}

	<-writerDone
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
