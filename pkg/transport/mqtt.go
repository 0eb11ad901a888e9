package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const (
	keepAlive      = 30 // seconds
	requestTimeout = 10 * time.Second
	inboxSize      = 256
)

// Client is a Transport over one MQTT v5 session.
//
// Messages are published at QoS 0. Subscriptions keep the retain flag as
// published, so handlers can tell a retained command from a live one.
// Incoming messages are queued and handed to handlers by a single
// goroutine, which keeps the network reader free while handlers publish.
type Client struct {
	conn net.Conn
	mqtt *paho.Client
	log  *log.Logger

	inbox chan Message

	mu   sync.RWMutex
	subs map[string][]Handler

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Client)(nil)

// Dial connects to the broker at rawURL, e.g. mqtt://localhost:1883 or
// ws://localhost:8083/mqtt.
func Dial(ctx context.Context, rawURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := dialNet(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}

	c := &Client{
		conn:  conn,
		log:   logger.WithPrefix("mqtt"),
		inbox: make(chan Message, inboxSize),
		subs:  make(map[string][]Handler),
		done:  make(chan struct{}),
	}
	c.mqtt = paho.NewClient(paho.ClientConfig{
		Conn:              conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.receive},
		OnClientError: func(err error) {
			c.log.Debug("Connection lost", "err", err)
			c.shutdown()
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.log.Debug("Disconnected by broker", "reason", d.ReasonCode)
			c.shutdown()
		},
	})

	ack, err := c.mqtt.Connect(ctx, &paho.Connect{
		ClientID:   "stabilizer-" + uuid.NewString(),
		KeepAlive:  keepAlive,
		CleanStart: true,
	})
	if err == nil && ack.ReasonCode >= 0x80 {
		err = fmt.Errorf("connection refused, reason code 0x%02x", ack.ReasonCode)
	}
	if err != nil {
		c.shutdown()
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}

	go c.dispatch()
	return c, nil
}

// NewDialer returns a Dialer connecting to rawURL.
func NewDialer(rawURL string, logger *log.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return Dial(ctx, rawURL, logger)
	}
}

func (c *Client) receive(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	msg := Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		Retain:  p.Retain,
	}
	if p.Properties != nil {
		msg.ResponseTopic = p.Properties.ResponseTopic
		msg.CorrelationData = p.Properties.CorrelationData
	}

	select {
	case c.inbox <- msg:
	case <-c.done:
	}
	return true, nil
}

func (c *Client) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbox:
			for _, h := range c.handlers(msg.Topic) {
				h(msg)
			}
		}
	}
}

func (c *Client) handlers(topic string) []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Handler
	for filter, hs := range c.subs {
		if Match(filter, topic) {
			out = append(out, hs...)
		}
	}
	return out
}

func (c *Client) connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Publish sends msg at QoS 0.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	if err := ValidateTopic(msg.Topic); err != nil {
		return err
	}
	if !c.connected() {
		return ErrNotConnected
	}

	p := &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		Retain:  msg.Retain,
	}
	if msg.ResponseTopic != "" || len(msg.CorrelationData) > 0 {
		p.Properties = &paho.PublishProperties{
			ResponseTopic:   msg.ResponseTopic,
			CorrelationData: msg.CorrelationData,
		}
	}
	if _, err := c.mqtt.Publish(ctx, p); err != nil {
		if !c.connected() {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe registers h for filter. Only the first handler of a filter
// subscribes at the broker; later ones share its deliveries.
func (c *Client) Subscribe(filter string, h Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if !c.connected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	first := len(c.subs[filter]) == 0
	c.subs[filter] = append(c.subs[filter], h)
	c.mu.Unlock()
	if !first {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ack, err := c.mqtt.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:             filter,
			QoS:               0,
			RetainAsPublished: true,
		}},
	})
	if err == nil && len(ack.Reasons) > 0 && ack.Reasons[0] >= 0x80 {
		err = fmt.Errorf("reason code 0x%02x", ack.Reasons[0])
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subs, filter)
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe drops every handler of filter and the subscription at the
// broker.
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	_, ok := c.subs[filter]
	delete(c.subs, filter)
	c.mu.Unlock()
	if !ok || !c.connected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.mqtt.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", filter, err)
	}
	return nil
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.connected() {
		if err := c.mqtt.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			c.log.Debug("Disconnect failed", "err", err)
		}
	}
	c.shutdown()
	c.conn.Close()
	return nil
}
