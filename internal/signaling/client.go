package signaling

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrBaseURLRequired = errors.New("signaling: base url required")
	ErrOfferRejected   = errors.New("signaling: offer rejected")
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// ClientConfig configures a peer's signaling client.
type ClientConfig struct {
	BaseURL            string
	AuthToken          string
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
	TLSCAFile          string
	TLSServerName      string
	InsecureSkipVerify bool
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// Client posts offers to a host's signaling API, retrying transient
// failures with backoff.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	rng  *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrBaseURLRequired
	}
	def := DefaultClientConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = def.Backoff
	}

	transport := &http.Transport{}
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.ConnectTimeout,
			Transport: transport,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func clientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if strings.TrimSpace(cfg.TLSCAFile) == "" &&
		strings.TrimSpace(cfg.TLSServerName) == "" &&
		!cfg.InsecureSkipVerify {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if name := strings.TrimSpace(cfg.TLSServerName); name != "" {
		out.ServerName = name
	}
	if caPath := strings.TrimSpace(cfg.TLSCAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("signaling: read tls ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("signaling: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}
	return out, nil
}

// Exchange posts the offer until the host answers or the attempt
// budget runs out. Rejections are final; only transport failures and
// host busyness are retried.
func (c *Client) Exchange(ctx context.Context, offer Offer) (Answer, error) {
	if err := offer.Validate(); err != nil {
		return Answer{}, err
	}
	var attempt int
	for {
		attempt++
		answer, retryable, err := c.post(ctx, offer)
		if err == nil {
			log.Info().
				Str("exchange_id", answer.ExchangeID).
				Strs("host_candidates", answer.Candidates).
				Msg("signaling: offer answered")
			return answer, nil
		}
		log.Warn().
			Int("attempt", attempt).
			Str("url", c.offerURL()).
			Err(err).
			Msg("signaling: offer attempt failed")
		if !retryable || !c.shouldRetry(attempt) {
			return Answer{}, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return Answer{}, err
		}
	}
}

func (c *Client) post(ctx context.Context, offer Offer) (Answer, bool, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return Answer{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.offerURL(), bytes.NewReader(body))
	if err != nil {
		return Answer{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(c.cfg.AuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Answer{}, true, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Answer{}, true, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Answer{}, true, fmt.Errorf("signaling: host busy: %s", truncateBody(payload))
	default:
		return Answer{}, false, fmt.Errorf("%w: status=%d body=%s", ErrOfferRejected, resp.StatusCode, truncateBody(payload))
	}

	var answer Answer
	if err := json.Unmarshal(payload, &answer); err != nil {
		return Answer{}, false, fmt.Errorf("signaling: decode answer: %w", err)
	}
	if err := answer.Validate(); err != nil {
		return Answer{}, false, err
	}
	if answer.ExchangeID != offer.ExchangeID {
		return Answer{}, false, fmt.Errorf("%w: exchange id mismatch", ErrOfferRejected)
	}
	if answer.LinkToken != offer.LinkToken {
		return Answer{}, false, fmt.Errorf("%w: link token mismatch", ErrOfferRejected)
	}
	return answer, false, nil
}

func (c *Client) offerURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/offer"
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(nextBackoffDelay(c.cfg.Backoff, attempt, c.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextBackoffDelay returns the retry delay for attempt N (1-based).
func nextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
