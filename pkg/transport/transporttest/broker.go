// Package transporttest provides an in-process broker with synchronous
// delivery for unit tests, and a helper starting a real MQTT broker on a
// loopback port for integration tests.
package transporttest

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/itohio/stabilizer/pkg/transport"
)

// Broker routes messages between sessions in process. Delivery happens on
// the publishing goroutine before Publish returns, and retained messages are
// handed to a new subscription before Subscribe returns, in topic order.
type Broker struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	retained map[string]transport.Message
	closed   bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sessions: make(map[*Session]struct{}),
		retained: make(map[string]transport.Message),
	}
}

// Connect opens a new session.
func (b *Broker) Connect() (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, transport.ErrClosed
	}
	s := &Session{
		broker: b,
		subs:   make(map[string][]transport.Handler),
		done:   make(chan struct{}),
	}
	b.sessions[s] = struct{}{}
	return s, nil
}

// Dial is a transport.Dialer connecting to b.
func (b *Broker) Dial(ctx context.Context) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Connect()
}

// Retained returns the retained message of topic.
func (b *Broker) Retained(topic string) (transport.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.retained[topic]
	return msg, ok
}

// Close disconnects every session.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := slices.Collect(maps.Keys(b.sessions))
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

type delivery struct {
	h   transport.Handler
	msg transport.Message
}

func (b *Broker) publish(msg transport.Message) error {
	if err := transport.ValidateTopic(msg.Topic); err != nil {
		return err
	}

	var out []delivery
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg
		}
	}
	for s := range b.sessions {
		for _, h := range s.matching(msg.Topic) {
			out = append(out, delivery{h: h, msg: msg})
		}
	}
	b.mu.Unlock()

	// Deliver outside the lock so handlers may publish.
	for _, d := range out {
		d.h(d.msg)
	}
	return nil
}

func (b *Broker) subscribe(s *Session, filter string, h transport.Handler) error {
	if err := transport.ValidateFilter(filter); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	s.add(filter, h)
	var retained []transport.Message
	for _, topic := range slices.Sorted(maps.Keys(b.retained)) {
		if transport.Match(filter, topic) {
			retained = append(retained, b.retained[topic])
		}
	}
	b.mu.Unlock()

	for _, msg := range retained {
		h(msg)
	}
	return nil
}

func (b *Broker) remove(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s)
}

// Session is one in-process connection to a Broker.
type Session struct {
	broker *Broker

	mu   sync.Mutex
	subs map[string][]transport.Handler

	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Session)(nil)

func (s *Session) add(filter string, h transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[filter] = append(s.subs[filter], h)
}

func (s *Session) matching(topic string) []transport.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transport.Handler
	for filter, hs := range s.subs {
		if transport.Match(filter, topic) {
			out = append(out, hs...)
		}
	}
	return out
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Publish routes msg to every matching subscription of every session.
func (s *Session) Publish(ctx context.Context, msg transport.Message) error {
	if s.isClosed() {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.broker.publish(msg)
}

// Subscribe registers h for filter.
func (s *Session) Subscribe(filter string, h transport.Handler) error {
	if s.isClosed() {
		return transport.ErrNotConnected
	}
	return s.broker.subscribe(s, filter, h)
}

// Unsubscribe drops the handlers of filter.
func (s *Session) Unsubscribe(filter string) error {
	if s.isClosed() {
		return transport.ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, filter)
	return nil
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session and drops its subscriptions.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
	return nil
}
