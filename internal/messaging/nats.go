// Package messaging provides a NATS client wrapper for publishing relay events
// (presence changes, bans) and receiving moderation commands from other
// services. NATS is optional: when it is not configured the relay uses Nop.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects used by the relay.
const (
	SubjectPresence = "presence.update"
	SubjectBan      = "moderation.ban"
	SubjectUnban    = "moderation.unban"
)

// PresenceEvent is published on SubjectPresence after the online count
// changes.
type PresenceEvent struct {
	Instance string `json:"instance"`
	Count    int    `json:"count"`
	Ts       int64  `json:"ts"`
}

// BanEvent is published on SubjectBan after a report bans an address.
type BanEvent struct {
	IP              string `json:"ip"`
	Reason          string `json:"reason"`
	ReporterIP      string `json:"reporter_ip"`
	OffenderSession string `json:"offender_session"`
	OffenseCount    int    `json:"offense_count"`
	ExpiresAt       int64  `json:"expires_at"`
}

// UnbanCommand is received on SubjectUnban to lift a ban early.
type UnbanCommand struct {
	IP string `json:"ip"`
}

// Publisher is the subset of the client the relay publishes through.
type Publisher interface {
	PublishPresence(ev PresenceEvent) error
	PublishBan(ev BanEvent) error
}

// Nop is a Publisher that discards every event.
type Nop struct{}

// PublishPresence discards ev.
func (Nop) PublishPresence(PresenceEvent) error { return nil }

// PublishBan discards ev.
func (Nop) PublishBan(BanEvent) error { return nil }

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "videorelay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishPresence publishes ev to SubjectPresence.
func (c *NATSClient) PublishPresence(ev PresenceEvent) error {
	return c.publishJSON(SubjectPresence, ev)
}

// PublishBan publishes ev to SubjectBan.
func (c *NATSClient) PublishBan(ev BanEvent) error {
	return c.publishJSON(SubjectBan, ev)
}

// SubscribeUnban calls handler for every well-formed command received on
// SubjectUnban. Malformed payloads are logged and skipped.
func (c *NATSClient) SubscribeUnban(handler func(cmd UnbanCommand)) error {
	return c.Subscribe(SubjectUnban, func(msg *nats.Msg) {
		var cmd UnbanCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.IP == "" {
			c.log.Warn("ignoring malformed unban command", zap.ByteString("data", msg.Data), zap.Error(err))
			return
		}
		handler(cmd)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("nats drain failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("nats connection drain failed", zap.Error(err))
	}

	c.log.Info("nats client closed")
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}
