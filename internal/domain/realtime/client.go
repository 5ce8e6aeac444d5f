package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrReauthenticate is reported once the client gives up on push delivery,
// either after exhausting reconnect attempts or on an authentication close.
var ErrReauthenticate = errors.New("realtime channel unavailable, please re-authenticate")

// ClientConfig configures a reconnecting channel consumer.
type ClientConfig struct {
	URL   string // ws://host/ws
	Token string

	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PollInterval    time.Duration

	// OnEvent receives every envelope other than keepalives.
	OnEvent func(InboundEnvelope)
	// Poll re-fetches authoritative state; used once push is abandoned.
	Poll func(ctx context.Context) error
	// OnFallback is called once when the client switches to polling.
	OnFallback func(cause error)

	Dialer *websocket.Dialer
}

// Client consumes the realtime channel, reconnecting with capped exponential
// backoff and falling back to polling.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 3 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg}
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialInterval
	exp.MaxInterval = c.cfg.MaxInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.cfg.MaxAttempts), ctx)
}

// Run blocks until ctx is done. It returns ErrReauthenticate if push delivery
// was abandoned during the run, ctx.Err() otherwise.
func (c *Client) Run(ctx context.Context) error {
	b := c.policy(ctx)

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isAuthFailure(err) {
			return c.fallback(ctx, fmt.Errorf("%w: %v", ErrReauthenticate, err))
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return c.fallback(ctx, fmt.Errorf("%w: %v", ErrReauthenticate, err))
		}
		log.Debug().Err(err).Dur("retry_in", wait).Msg("realtime channel lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session dials once and pumps messages until the connection ends.
// established reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return false, err
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "unauthorized"}
		}
		return false, err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var env InboundEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		switch env.Type {
		case EventPing:
			pong, _ := json.Marshal(Envelope{Type: EventPong})
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return true, err
			}
		case EventPong:
		default:
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(env)
			}
		}
	}
}

func (c *Client) fallback(ctx context.Context, cause error) error {
	log.Warn().Err(cause).Msg("realtime channel abandoned, falling back to polling")
	if c.cfg.OnFallback != nil {
		c.cfg.OnFallback(cause)
	}
	if c.cfg.Poll == nil {
		<-ctx.Done()
		return cause
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.cfg.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("poll refresh failed")
		}
		select {
		case <-ctx.Done():
			return cause
		case <-ticker.C:
		}
	}
}

func isAuthFailure(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation
}
