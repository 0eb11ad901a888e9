package transporttest

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/itohio/stabilizer/pkg/transport"
)

// StartServer runs an MQTT broker on a loopback port for the duration of
// the test and returns its mqtt:// URL.
func StartServer(t testing.TB) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := transport.NewServer(log.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, s.Listen(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "mqtt://" + ln.Addr().String()
}
