// Package messaging wraps a NATS connection for the Fleet Coordinator's
// instance lifecycle broadcast: a low-latency, best-effort "instance joined
// / left / was reaped" signal that every instance can tail for its own
// local roster cache. The Shared Store remains the authoritative source
// for admission and load decisions (ShouldAccept, LeastLoaded) — this bus
// never gates correctness, only cuts down on SCAN polling. Trimmed down
// from the teacher's messaging/nats.go, which wired the same NATSClient to
// chat and matchmaking subjects the core no longer has.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Fleet instance lifecycle subjects.
const (
	SubjectInstanceJoin   = "fleet.instance.join"
	SubjectInstanceLeave  = "fleet.instance.leave"
	SubjectInstanceReaped = "fleet.instance.reaped"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
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
		URL:           "nats://localhost:4222",
		Name:          "driftline-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishInstanceJoin announces a fleet instance coming online.
func (c *NATSClient) PublishInstanceJoin(data []byte) error {
	return c.Publish(SubjectInstanceJoin, data)
}

// PublishInstanceLeave announces a fleet instance shutting down cleanly.
func (c *NATSClient) PublishInstanceLeave(data []byte) error {
	return c.Publish(SubjectInstanceLeave, data)
}

// PublishInstanceReaped announces the Fleet Coordinator reaped a dead
// instance's record (missed heartbeats past the dead-instance threshold).
func (c *NATSClient) PublishInstanceReaped(data []byte) error {
	return c.Publish(SubjectInstanceReaped, data)
}

// SubscribeInstanceEvents subscribes to all three fleet lifecycle subjects,
// tagging each callback invocation with the subject it arrived on.
func (c *NATSClient) SubscribeInstanceEvents(handler func(subject string, data []byte)) error {
	for _, subject := range []string{SubjectInstanceJoin, SubjectInstanceLeave, SubjectInstanceReaped} {
		subject := subject
		if err := c.Subscribe(subject, func(data []byte) { handler(subject, data) }); err != nil {
			return err
		}
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
