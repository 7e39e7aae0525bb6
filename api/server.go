package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nethesis/matrix-appservice/logger"
	"github.com/nethesis/matrix-appservice/service"
)

// Server is the homeserver-facing listener. Begin ensures the bot is
// registered and crypto is bootstrapped before accepting transactions; Stop
// lets in-flight handlers finish but accepts nothing new.
type Server struct {
	echo *echo.Echo
	as   *service.Appservice
	addr string
}

// NewServer builds the echo instance and wires the appservice routes.
func NewServer(as *service.Appservice, addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())

	RegisterRoutes(e, as)

	return &Server{echo: e, as: as, addr: addr}
}

// Begin prepares the appservice and starts listening.
func (s *Server) Begin(ctx context.Context) error {
	if err := s.as.Begin(ctx); err != nil {
		return err
	}
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("appservice listener stopped")
		}
	}()
	logger.Info().Str("address", s.addr).Msg("appservice listening")
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
