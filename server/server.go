package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// Serve runs the HTTP and websocket interfaces until ctx is done, then
// drains connections and closes every store.
func Serve(ctx context.Context, c *Config) error {
	if c == nil {
		c = DefaultConfig()
	}
	c.Logging.SetLogger()
	defer slide.Shutdown()

	if err := c.Kafka.Initialize(c.HostAlias()); err != nil {
		return fmt.Errorf("can't initialize kafka: %v", err)
	}
	defer storage.KafkaShutdown()

	s, err := NewService(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slide.Errorf("%v\n", err)
		}
	}()

	ln, err := net.Listen("tcp", c.Server.HTTPAddress)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

// serveListener serves on an open listener until ctx is done.
func (s *Service) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	slide.Infof("Using %d of %d logical CPUs for slidetile.\n", slide.NumCPU, runtime.NumCPU())
	slide.Infof("Web server listening at %s (%s)\n", ln.Addr(), s.config.HostAlias())

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slide.Infof("Shutting down web server...\n")
	delay := time.Duration(s.config.Server.ShutdownDelay) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), delay)
	defer cancel()

	// Hijacked websocket connections aren't tracked by the http.Server.
	if err := s.sockets.Shutdown(shutdownCtx); err != nil {
		slide.Warningf("viewer sockets did not close cleanly: %v\n", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %v", err)
	}
	return nil
}
