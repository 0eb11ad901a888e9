package miniconf

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"

	"github.com/itohio/stabilizer/pkg/transport"
)

// Client issues commands to one device and waits for its responses.
type Client struct {
	t        transport.Transport
	topics   Topics
	response string

	mu       sync.Mutex
	next     uint32
	inflight map[uint32]chan Response
}

// NewClient subscribes to a private response topic under prefix.
func NewClient(t transport.Transport, prefix string) (*Client, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}
	c := &Client{
		t:        t,
		topics:   Topics{Prefix: prefix},
		inflight: make(map[uint32]chan Response),
	}
	c.response = c.topics.Response(hex.EncodeToString(id[:]))
	if err := t.Subscribe(c.response, c.handleResponse); err != nil {
		return nil, fmt.Errorf("failed to subscribe to responses: %w", err)
	}
	return c, nil
}

func (c *Client) handleResponse(msg transport.Message) {
	if len(msg.CorrelationData) != 4 {
		return
	}
	id := binary.BigEndian.Uint32(msg.CorrelationData)

	var resp Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		resp = Response{Code: CodeInternal, Msg: fmt.Sprintf("invalid response: %v", err)}
	}

	c.mu.Lock()
	ch, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Command writes value, a serialized leaf or group value, to path and
// returns the device's response. With retain the broker keeps the command
// and replays it when the device reconnects.
func (c *Client) Command(ctx context.Context, path string, value []byte, retain bool) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	id := c.next
	c.next++
	c.inflight[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	corr := binary.BigEndian.AppendUint32(nil, id)
	err := c.t.Publish(ctx, transport.Message{
		Topic:           c.topics.Settings(path),
		Payload:         value,
		Retain:          retain,
		ResponseTopic:   c.response,
		CorrelationData: corr,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("no response for %s: %w", path, ctx.Err())
	case <-c.t.Done():
		return Response{}, transport.ErrNotConnected
	}
}

// Set is Command followed by Response.Err.
func (c *Client) Set(ctx context.Context, path string, value []byte, retain bool) error {
	resp, err := c.Command(ctx, path, value, retain)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Get collects the retained state of every leaf at or below path, or of
// the whole tree when path is empty. It returns once no new value arrived
// for settle, or when ctx is done after at least one value arrived. The
// state subscription is removed before Get returns.
func (c *Client) Get(ctx context.Context, path string, settle time.Duration) (map[string][]byte, error) {
	prefix := c.topics.State("")
	filter := c.topics.State(transport.MultiLevel)
	if path != "" {
		filter = c.topics.State(path + "/" + transport.MultiLevel)
	}

	var (
		mu     sync.Mutex
		values = make(map[string][]byte)
	)
	arrived := make(chan struct{}, 1)
	err := c.t.Subscribe(filter, func(msg transport.Message) {
		if len(msg.Payload) == 0 {
			return
		}
		mu.Lock()
		values[strings.TrimPrefix(msg.Topic, prefix)] = msg.Payload
		mu.Unlock()
		select {
		case arrived <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to state: %w", err)
	}
	defer c.t.Unsubscribe(filter)

	collected := func() map[string][]byte {
		mu.Lock()
		defer mu.Unlock()
		return maps.Clone(values)
	}

	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case <-arrived:
			timer.Reset(settle)
		case <-timer.C:
			got := collected()
			if len(got) == 0 {
				return nil, fmt.Errorf("no state for %s", path)
			}
			return got, nil
		case <-ctx.Done():
			got := collected()
			if len(got) == 0 {
				return nil, fmt.Errorf("no state for %s: %w", path, ctx.Err())
			}
			return got, nil
		}
	}
}
