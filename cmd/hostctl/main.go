package main

import (
	"context"
	"encoding/json"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/config"
	"github.com/danmuck/roverlink/internal/logging"
	"github.com/danmuck/roverlink/internal/mux"
	"github.com/danmuck/roverlink/internal/observability"
	"github.com/danmuck/roverlink/internal/session"
	"github.com/danmuck/roverlink/internal/signaling"
	"github.com/danmuck/roverlink/internal/wire"
)

func main() {
	configPath := flag.String("config", "cmd/hostctl/config.toml", "path to host config")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("host")

	cfg, err := config.LoadHost(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load host config")
	}
	logging.ApplyLevel(cfg.LogLevel)
	log.Info().Str("path", *configPath).Str("node", cfg.Node).Msg("loaded host config")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("host stopped")
	}
}

func run(cfg config.Host) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pc, err := mux.Listen(cfg.BindAddr)
	if err != nil {
		return err
	}
	defer pc.Close()

	loop, err := mux.New(cfg.Mux, pc)
	if err != nil {
		return err
	}
	loop.OnChannelData(logChannelData)
	loop.OnStatus(func(now time.Time) []byte {
		return statusPayload(loop, now)
	})

	srv, err := signaling.NewServer(cfg.Server, loop)
	if err != nil {
		return err
	}

	log.Info().
		Stringer("bind", loop.Local()).
		Str("api", cfg.Server.Addr).
		Msg("host up")

	errs := make(chan error, 2)
	go func() { errs <- loop.Run(ctx) }()
	go func() { errs <- srv.Run(ctx) }()

	err = <-errs
	cancel()
	if next := <-errs; err == nil {
		err = next
	}
	return err
}

// statusPayload wraps the current session table in a timestamped
// envelope for the telemetry broadcast.
func statusPayload(loop *mux.Loop, now time.Time) []byte {
	body, err := json.Marshal(loop.Snapshot())
	if err != nil {
		log.Warn().Err(err).Msg("status snapshot marshal failed")
		return nil
	}
	return wire.EncodePayload(wire.NewPayload(body, now))
}

func logChannelData(s *session.Session, data []byte) {
	p, err := wire.DecodePayload(data)
	if err != nil {
		log.Warn().Err(err).Uint64("session_id", s.ID).Msg("undecodable channel payload")
		return
	}
	log.Info().
		Uint64("session_id", s.ID).
		Stringer("remote", s.Remote).
		Dur("latency", p.Latency(time.Now())).
		Str("body", string(p.Data)).
		Msg("channel data")
}
