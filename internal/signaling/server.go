package signaling

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/auth"
	"github.com/danmuck/roverlink/internal/mux"
	"github.com/danmuck/roverlink/internal/netutil"
	"github.com/danmuck/roverlink/internal/observability"
	"github.com/danmuck/roverlink/internal/session"
	"github.com/danmuck/roverlink/internal/tether"
)

var ErrInvalidServerConfig = errors.New("signaling: invalid server config")

// TLSConfig secures the signaling listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// ServerConfig configures a host's signaling API.
type ServerConfig struct {
	Node          string
	Addr          string
	AuthToken     string
	AdvertiseAddr string
	CORSOrigins   []string
	TLS           TLSConfig
	Tether        tether.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Node:   "roverlink",
		Addr:   ":8080",
		Tether: tether.DefaultConfig(),
	}
}

func (c ServerConfig) WithDefaults() ServerConfig {
	def := DefaultServerConfig()
	if strings.TrimSpace(c.Node) == "" {
		c.Node = def.Node
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.Tether == (tether.Config{}) {
		c.Tether = def.Tether
	}
	return c
}

func (c ServerConfig) Validate() error {
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" || strings.TrimSpace(c.TLS.KeyFile) == "" {
			return fmt.Errorf("%w: tls requires cert and key files", ErrInvalidServerConfig)
		}
	}
	return c.Tether.Validate()
}

// Server answers offers by handing freshly negotiated machines to the
// loop, and exposes the loop's session view over the same API.
type Server struct {
	cfg      ServerConfig
	loop     *mux.Loop
	router   *gin.Engine
	appeared time.Time
}

func NewServer(cfg ServerConfig, loop *mux.Loop) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		loop:     loop,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

// Router exposes the underlying engine for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.cfg.Node,
			"version": "0.0.1",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.cfg.Node,
			"version": "0.0.1",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	if strings.TrimSpace(s.cfg.AuthToken) != "" {
		api.Use(s.requireAuth())
	}
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.loop.Snapshot()})
	})
	api.POST("/offer", s.handleOffer)
}

func (s *Server) requireAuth() gin.HandlerFunc {
	validator := auth.StaticToken{Token: s.cfg.AuthToken}
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if err := validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleOffer(c *gin.Context) {
	var offer Offer
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := offer.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := offer.Token()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	remotes, err := offer.RemoteCandidates()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	advertise, err := s.advertise()
	if err != nil {
		log.Error().Err(err).Msg("signaling: no advertisable address")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no advertisable address"})
		return
	}

	conn := tether.NewAnswerer(s.cfg.Tether, token, offer.ChannelLabel,
		[]netip.AddrPort{advertise}, remotes, time.Now())
	inc := mux.Incoming{
		Conn:   conn,
		Remote: session.Identity{Remote: remotes[0], LinkToken: token},
	}
	if err := s.loop.Submit(inc); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mux.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Str("exchange_id", offer.ExchangeID).
		Str("link_token", offer.LinkToken).
		Str("label", offer.ChannelLabel).
		Int("candidates", len(remotes)).
		Msg("signaling: offer accepted")
	c.JSON(http.StatusOK, Answer{
		ExchangeID: offer.ExchangeID,
		LinkToken:  offer.LinkToken,
		Candidates: []string{advertise.String()},
	})
}

// advertise resolves the datagram address published in answers.
func (s *Server) advertise() (netip.AddrPort, error) {
	return netutil.AdvertiseAddr(s.loop.Local(), s.cfg.AdvertiseAddr)
}

// Listen binds the API listener, wrapping it in TLS when configured.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("signaling: listen %s: %w", s.cfg.Addr, err)
	}
	if !s.cfg.TLS.Enabled {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("signaling: load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve runs the API on an existing listener until the context ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("node", s.cfg.Node).
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.TLS.Enabled).
		Msg("signaling: api listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("signaling: serve: %w", err)
	}
	return nil
}

// Run binds and serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
