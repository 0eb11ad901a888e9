package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPort is the MQTT port used when a tcp URL names none.
const DefaultPort = "1883"

// ParseURL parses a broker URL. Supported schemes are mqtt and tcp (plain
// TCP) and ws and wss (MQTT over WebSocket).
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("broker url %q has no host", rawURL)
	}
	return u, nil
}

// LocalURL returns the mqtt URL reaching a broker listening on addr from
// the same host.
func LocalURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host == "" || ip != nil && ip.IsUnspecified() {
		host = "localhost"
	}
	return "mqtt://" + net.JoinHostPort(host, port), nil
}

// dialNet opens the byte stream an MQTT session runs over.
func dialNet(ctx context.Context, rawURL string) (net.Conn, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "mqtt", "tcp":
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), DefaultPort)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", host)
	case "ws", "wss":
		d := websocket.Dialer{
			Subprotocols:     []string{"mqtt"},
			HandshakeTimeout: 10 * time.Second,
		}
		conn, _, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{Conn: conn}, nil
	}
	return nil, fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
}

// wsConn carries the MQTT byte stream in binary WebSocket messages.
type wsConn struct {
	*websocket.Conn

	r   io.Reader
	wmu sync.Mutex
}

var _ net.Conn = (*wsConn)(nil)

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
