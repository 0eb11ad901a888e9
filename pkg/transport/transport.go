// Package transport is the publish/subscribe layer between the device and
// its operators. Connections speak MQTT v5 over TCP or WebSocket; Server
// embeds a broker for standalone and single process deployments.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when publishing through a connection that
	// was lost.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Message is one publication.
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	// Retain asks the broker to keep the message and hand it to future
	// subscribers. A retained message with an empty payload clears the topic.
	// Received messages carry the flag as it was published.
	Retain bool `json:"retain,omitempty"`
	// ResponseTopic and CorrelationData let a publisher ask for a reply.
	ResponseTopic   string `json:"response_topic,omitempty"`
	CorrelationData []byte `json:"correlation_data,omitempty"`
}

// Handler is called for every message matching a subscription. Handlers of
// one connection run one at a time and may publish.
type Handler func(Message)

// Transport is one connection to a broker.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h for topics matching filter. Retained messages
	// matching filter are delivered right away.
	Subscribe(filter string, h Handler) error
	// Unsubscribe drops every handler registered for filter.
	Unsubscribe(filter string) error
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a new connection. It is called again after a connection is
// lost.
type Dialer func(ctx context.Context) (Transport, error)
