package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"carecall/native/internal/config"
	"carecall/native/internal/logging"
	sigclient "carecall/native/internal/signal"
)

const helpText = `signald - Signaling relay for carecall

Usage:
  signald [options]

Environment Variables:
  SIGNALD_ADDR         Listen address (default :8080)
  SIGNALD_ICE_SERVERS  Comma separated STUN/TURN URLs handed to clients
  SIGNALD_ICE_FILE     TOML file with [[ice_servers]] entries
  SIGNALD_LOG_LEVEL    trace, debug, info, warn, error

Endpoints:
  GET /ws                    websocket signaling
  GET /sessions/{id}/ice     ICE server list
  GET /healthz               liveness

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.LogLevel)

	relay := sigclient.NewRelay(sigclient.RelayConfig{ICEServers: cfg.ICEServers, Logger: log})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Int("ice_servers", len(cfg.ICEServers)).Msg("relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("listen")
	}
	log.Info().Msg("done")
}
