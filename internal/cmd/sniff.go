package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/internal/server/proxy"
)

// Sniff relays a controller connection to a device link and logs frames.
type Sniff struct {
	proxy.Config `embed:""`
}

// Run is called by Kong when the sniff command is executed.
func (s *Sniff) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting usbtunnel sniffer", "listen", s.ListenAddr, "upstream", s.Upstream)
	srv := proxy.New(s.Config, logger, rawLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down sniffer")
		_ = srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
