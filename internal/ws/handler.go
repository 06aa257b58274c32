package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/protocol"
	"github.com/wahjam/wahjam-sub001/internal/transport"
)

const writeTimeout = 5 * time.Second

// Handler carries the binary jam protocol over websockets, one protocol
// frame per binary websocket message.
type Handler struct {
	group    *core.Group
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to group.
func NewHandler(group *core.Group) *Handler {
	return &Handler{
		group: group,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	conn.SetReadLimit(protocol.HeaderSize + protocol.MaxPayload)
	log.Debug().Str("module", "ws").Str("remote", conn.RemoteAddr().String()).Msg("websocket upgraded")

	transport.Serve(c.Request().Context(), h.group, &stream{conn: conn})
	return nil
}

type stream struct {
	conn *websocket.Conn
}

func (s *stream) ReadMessage() (protocol.Message, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return protocol.DecodeFrame(data)
	}
}

func (s *stream) WriteMessage(m protocol.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, m.Encode())
}

func (s *stream) Close() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *stream) RemoteAddr() string { return s.conn.RemoteAddr().String() }
