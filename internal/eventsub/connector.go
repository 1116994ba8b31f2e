package eventsub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const subprotocol = "twitch-eventsub-ws"

// Connector owns basic socket establishment and teardown. It holds no
// session or protocol state — that belongs to StateManager.
type Connector struct {
	mu          sync.Mutex
	url         string
	clientID    string
	accessToken string
	heartbeat   time.Duration
	logger      zerolog.Logger

	conn net.Conn
}

// NewConnector constructs a Connector pointed at url (DefaultURL for a
// fresh session; a server-provided reconnect_url otherwise).
func NewConnector(url, clientID, accessToken string, heartbeat time.Duration, logger zerolog.Logger) *Connector {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Connector{
		url:         url,
		clientID:    clientID,
		accessToken: accessToken,
		heartbeat:   heartbeat,
		logger:      logger.With().Str("component", "eventsub_connector").Logger(),
	}
}

// Connect cleans up any prior connection, then dials url with the
// required Client-Id/Authorization headers and the EventSub
// subprotocol.
func (c *Connector) Connect(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()

	header := ws.HandshakeHeaderHTTP(map[string][]string{
		"Client-Id":     {c.clientID},
		"Authorization": {"Bearer " + c.accessToken},
	})
	dialer := ws.Dialer{
		Protocols: []string{subprotocol},
		Header:    header,
	}

	conn, _, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: fmt.Errorf("dial %s: %w", c.url, err)}
	}

	c.logger.Info().Str("url", c.url).Msg("websocket connected")
	c.conn = conn
	return conn, nil
}

// Disconnect closes any open connection.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

func (c *Connector) cleanupLocked() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("websocket close error")
		}
		c.conn = nil
	}
}

// UpdateURL switches the connector to a server-provided reconnect URL.
func (c *Connector) UpdateURL(newURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newURL != "" && newURL != c.url {
		c.url = newURL
	}
}

// UpdateToken swaps the access token used for subsequent connects,
// following the Token Manager's update hook.
func (c *Connector) UpdateToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
}

func (c *Connector) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
