package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/store"
	"github.com/wahjam/wahjam-sub001/internal/ws"
)

const defaultSessionLimit = 50

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	group *core.Group
	store *store.Store
}

// New constructs an Echo app with the status routes, plus /ws when withWS is
// set. st may be nil, in which case the session history route answers 503.
func New(group *core.Group, st *store.Store, withWS bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().Str("module", "httpapi").Str("method", v.Method).Str("uri", v.URI).
				Int("status", v.Status).Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))

	s := &Server{echo: e, group: group, store: st}
	s.registerRoutes()
	if withWS {
		ws.NewHandler(group).Register(e)
	}
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/room", s.handleRoom)
	s.echo.GET("/api/sessions", s.handleSessions)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.group.ClientCount(),
	})
}

func (s *Server) handleRoom(c echo.Context) error {
	return c.JSON(http.StatusOK, s.group.Snapshot())
}

type sessionResponse struct {
	ID        string `json:"id"`
	Dir       string `json:"dir"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
}

func (s *Server) handleSessions(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session index is not configured")
	}

	limit := defaultSessionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list sessions: "+err.Error())
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		r := sessionResponse{
			ID:        sess.ID.String(),
			Dir:       sess.Dir,
			StartedAt: sess.StartedAt.UTC().Format(time.RFC3339),
		}
		if !sess.EndedAt.IsZero() {
			r.EndedAt = sess.EndedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, out)
}
