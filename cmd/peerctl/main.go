package main

import (
	"context"
	"flag"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/config"
	"github.com/danmuck/roverlink/internal/logging"
	"github.com/danmuck/roverlink/internal/mux"
	"github.com/danmuck/roverlink/internal/netutil"
	"github.com/danmuck/roverlink/internal/observability"
	"github.com/danmuck/roverlink/internal/session"
	"github.com/danmuck/roverlink/internal/signaling"
	"github.com/danmuck/roverlink/internal/tether"
	"github.com/danmuck/roverlink/internal/wire"
)

func main() {
	configPath := flag.String("config", "cmd/peerctl/config.toml", "path to peer config")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("peer")

	cfg, err := config.LoadPeer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load peer config")
	}
	logging.ApplyLevel(cfg.LogLevel)
	log.Info().Str("path", *configPath).Str("node", cfg.Node).Msg("loaded peer config")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("peer stopped")
	}
}

func run(cfg config.Peer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pc, err := mux.Listen(cfg.BindAddr)
	if err != nil {
		return err
	}
	defer pc.Close()

	loop, err := mux.New(cfg.Mux, pc)
	if err != nil {
		return err
	}

	locals, err := localCandidates(loop.Local(), cfg.AdvertiseAddr)
	if err != nil {
		return err
	}

	token, err := tether.NewLinkToken()
	if err != nil {
		return err
	}

	client, err := signaling.NewClient(cfg.Client)
	if err != nil {
		return err
	}

	offer := signaling.NewOffer(token, cfg.ChannelLabel, locals)
	answer, err := client.Exchange(ctx, offer)
	if err != nil {
		return err
	}
	remotes, err := answer.RemoteCandidates()
	if err != nil {
		return err
	}

	greeting := "hello from " + cfg.Node
	loop.OnChannelOpen(func(s *session.Session, label string) {
		data := wire.EncodePayload(wire.NewPayload([]byte(greeting), time.Now()))
		if _, err := s.Write(data); err != nil {
			log.Warn().Err(err).Str("label", label).Msg("greeting dropped")
		}
	})
	loop.OnChannelData(logChannelData)

	conn := tether.NewOfferer(cfg.Tether, token, cfg.ChannelLabel, locals, remotes, time.Now())
	inc := mux.Incoming{
		Conn:   conn,
		Remote: session.Identity{Remote: remotes[0], LinkToken: token},
	}
	if err := loop.Submit(inc); err != nil {
		return err
	}
	log.Info().
		Stringer("host", remotes[0]).
		Str("link_token", signaling.FormatToken(token)).
		Msg("session accepted")

	return loop.Run(ctx)
}

// localCandidates resolves what the peer advertises: the override when
// set, otherwise one candidate per routable interface address on the
// bound port.
func localCandidates(bound netip.AddrPort, override string) ([]netip.AddrPort, error) {
	if override != "" {
		adv, err := netutil.AdvertiseAddr(bound, override)
		if err != nil {
			return nil, err
		}
		return []netip.AddrPort{adv}, nil
	}
	if bound.Addr().IsUnspecified() {
		if addrs, err := netutil.Candidates(); err == nil && len(addrs) > 0 {
			out := make([]netip.AddrPort, 0, len(addrs))
			for _, a := range addrs {
				out = append(out, netip.AddrPortFrom(a, bound.Port()))
			}
			return out, nil
		}
	}
	adv, err := netutil.AdvertiseAddr(bound, "")
	if err != nil {
		return nil, err
	}
	return []netip.AddrPort{adv}, nil
}

func logChannelData(s *session.Session, data []byte) {
	p, err := wire.DecodePayload(data)
	if err != nil {
		log.Warn().Err(err).Uint64("session_id", s.ID).Msg("undecodable channel payload")
		return
	}
	log.Info().
		Uint64("session_id", s.ID).
		Dur("latency", p.Latency(time.Now())).
		Str("body", string(p.Data)).
		Msg("host status")
}
