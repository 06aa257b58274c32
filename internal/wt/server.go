// Package wt serves the jam protocol over WebTransport. The server opens
// one bidirectional stream on each session and speaks the same framing as
// TCP on it.
package wt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/transport"
)

// Path is the WebTransport endpoint.
const Path = "/wahjam"

// Server holds the WebTransport server.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	group     *core.Group
	wt        *webtransport.Server
}

func NewServer(addr string, tlsConfig *tls.Config, group *core.Group) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		group:     group,
	}
}

// Run listens on a UDP socket and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.addr, err)
	}
	return s.Serve(ctx, pc)
}

// Serve accepts sessions on conn until the context is canceled.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			TLSConfig: s.tlsConfig,
			Handler:   mux,
			QUICConfig: &quic.Config{
				EnableDatagrams:                  true,
				EnableStreamResetPartialDelivery: true,
			},
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			log.Warn().Str("module", "wt").Str("remote", r.RemoteAddr).Err(err).Msg("upgrade failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess)
	})

	log.Info().Str("module", "wt").Str("addr", conn.LocalAddr().String()).Msg("webtransport listener started")

	go func() {
		<-ctx.Done()
		s.wt.Close()
	}()

	err := s.wt.Serve(conn)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, quic.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session) {
	defer sess.CloseWithError(0, "bye")

	str, err := sess.OpenStreamSync(ctx)
	if err != nil {
		log.Debug().Str("module", "wt").Str("remote", sess.RemoteAddr().String()).Err(err).Msg("open stream")
		return
	}
	transport.Serve(ctx, s.group, transport.NewFramedStream(streamConn{str}, sess.RemoteAddr().String()))
}

// streamConn makes Close abort the read side too, so a reader blocked on
// the stream returns once the room drops the client.
type streamConn struct {
	*webtransport.Stream
}

func (c streamConn) Close() error {
	c.CancelRead(0)
	return c.Stream.Close()
}
