package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/sensord/internal/chart"
	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/presence"
	"codeberg.org/mutker/sensord/internal/registry"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	eventBuffer       = 64
)

type Registry interface {
	List() []registry.Stream
	Get(id registry.StreamID) (registry.Stream, error)
	SetActive(ctx context.Context, id registry.StreamID, active bool) error
	Subscribe(buffer int) *registry.Subscription
}

type Charts interface {
	GetSeries(ctx context.Context, id registry.StreamID) ([]chart.Point, error)
	GetSeriesBetween(ctx context.Context, id registry.StreamID, from, to time.Time) ([]chart.Point, error)
	Summarize(ctx context.Context, id registry.StreamID) (chart.Summary, error)
}

type Presence interface {
	Current() (presence.Notice, bool)
}

// Server exposes streams, series and the event feed over HTTP
type Server struct {
	reg      Registry
	charts   Charts
	presence Presence
	logger   logger.Logger
	srv      *http.Server

	// closing is closed when shutdown starts so long-lived streams return
	closing   chan struct{}
	closeOnce sync.Once
}

func New(addr string, reg Registry, charts Charts, p Presence) *Server {
	s := &Server{
		reg:      reg,
		charts:   charts,
		presence: p,
		logger:   logger.Component("api"),
		closing:  make(chan struct{}),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.srv.RegisterOnShutdown(s.beginShutdown)
	return s
}

func (s *Server) beginShutdown() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.New().WithData(errors.ErrInitFailed, struct {
			Phase string
			Addr  string
			Error string
		}{
			Phase: "listen",
			Addr:  s.srv.Addr,
			Error: err.Error(),
		})
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New().Wrap(errors.ErrUnavailable, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	s.logger.Info().Msg("HTTP API stopped")
	return nil
}
