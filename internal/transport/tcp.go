package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

const writeTimeout = 10 * time.Second

type framedStream struct {
	rwc    io.ReadWriteCloser
	r      *bufio.Reader
	remote string
}

// NewFramedStream frames messages directly on a byte stream. A write
// deadline is applied when rwc supports one.
func NewFramedStream(rwc io.ReadWriteCloser, remote string) Stream {
	return &framedStream{rwc: rwc, r: bufio.NewReader(rwc), remote: remote}
}

func (s *framedStream) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(s.r)
}

func (s *framedStream) WriteMessage(m protocol.Message) error {
	if d, ok := s.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return protocol.WriteMessage(s.rwc, m)
}

func (s *framedStream) Close() error       { return s.rwc.Close() }
func (s *framedStream) RemoteAddr() string { return s.remote }

// ListenAndServe accepts TCP clients on addr until ctx is canceled.
func ListenAndServe(ctx context.Context, addr string, g *core.Group) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, g)
}

// ServeListener accepts clients from ln until ctx is canceled, then waits
// for every connection to finish.
func ServeListener(ctx context.Context, ln net.Listener, g *core.Group) error {
	log.Info().Str("module", "transport").Str("addr", ln.Addr().String()).Msg("tcp listener started")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			Serve(ctx, g, NewFramedStream(conn, conn.RemoteAddr().String()))
		}()
	}
}
