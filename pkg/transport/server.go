package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/charmbracelet/log"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Server is an embedded MQTT v5 broker. It keeps retained messages in
// memory and accepts every client.
type Server struct {
	broker *mqtt.Server
	log    *log.Logger
}

// NewServer creates a broker without listeners.
func NewServer(logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("broker")

	b := mqtt.New(&mqtt.Options{
		Logger: slog.New(logger),
	})
	if err := b.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to configure broker: %w", err)
	}
	return &Server{broker: b, log: logger}, nil
}

// Listen serves MQTT over TCP on ln.
func (s *Server) Listen(ln net.Listener) error {
	if err := s.broker.AddListener(listeners.NewNet("tcp-"+ln.Addr().String(), ln)); err != nil {
		return fmt.Errorf("failed to add listener: %w", err)
	}
	return nil
}

// ListenWebSocket serves MQTT over WebSocket on addr.
func (s *Server) ListenWebSocket(addr string) error {
	ws := listeners.NewWebsocket(listeners.Config{ID: "ws-" + addr, Address: addr})
	if err := s.broker.AddListener(ws); err != nil {
		return fmt.Errorf("failed to add websocket listener: %w", err)
	}
	return nil
}

// Serve starts the listeners and runs until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.broker.Serve(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	<-ctx.Done()
	return s.broker.Close()
}

// ListenAndServe serves MQTT over TCP on addr, and over WebSocket on wsAddr
// unless it is empty, until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr, wsAddr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := s.Listen(ln); err != nil {
		ln.Close()
		return err
	}
	if wsAddr != "" {
		if err := s.ListenWebSocket(wsAddr); err != nil {
			return err
		}
	}
	s.log.Info("Broker listening", "addr", ln.Addr().String(), "websocket", wsAddr)
	return s.Serve(ctx)
}
