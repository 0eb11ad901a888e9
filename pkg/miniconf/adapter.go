package miniconf

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/encoding/json"

	"github.com/itohio/stabilizer/pkg/settings"
	"github.com/itohio/stabilizer/pkg/transport"
)

// Tree is the settings tree seen by the adapter. *settings.Tree[S]
// implements it for every S.
type Tree interface {
	Get(path string) ([]byte, error)
	Set(path string, payload []byte) error
	Restore(values map[string][]byte) (int, error)
	Enumerate() iter.Seq2[string, settings.Descriptor]
	Groups() iter.Seq[string]
}

// DefaultRestoreTimeout bounds the wait for retained state on start-up.
const DefaultRestoreTimeout = 500 * time.Millisecond

// Adapter keeps a settings tree reachable on a transport. It reconnects
// after the connection is lost and never lets a bad command escape as
// anything but a response and a diagnostic.
//
// The retained state topics are the persisted settings: on its first
// connection the adapter restores the tree from them before it accepts
// commands. A retained command is applied once and then cleared, so that
// it cannot later replay over newer settings.
type Adapter struct {
	topics Topics
	tree   Tree
	dial   transport.Dialer
	log    *log.Logger

	minBackoff     time.Duration
	maxBackoff     time.Duration
	restoreTimeout time.Duration
	onChange       func(path string)

	restored bool

	// applyMu orders command echoes against Republish so that the retained
	// state never ends older than the tree.
	applyMu sync.Mutex

	mu      sync.Mutex
	current transport.Transport
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithBackoff sets the reconnection delay range.
func WithBackoff(first, limit time.Duration) Option {
	return func(a *Adapter) {
		a.minBackoff = first
		a.maxBackoff = limit
	}
}

// WithRestoreTimeout sets how long the first connection waits for the
// retained state of every leaf before starting with what arrived.
func WithRestoreTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.restoreTimeout = d }
}

// OnChange registers fn to be called with the path of every applied command.
func OnChange(fn func(path string)) Option {
	return func(a *Adapter) { a.onChange = fn }
}

// NewAdapter creates an adapter serving tree under prefix.
func NewAdapter(prefix string, tree Tree, dial transport.Dialer, opts ...Option) *Adapter {
	a := &Adapter{
		topics:         Topics{Prefix: prefix},
		tree:           tree,
		dial:           dial,
		log:            log.Default(),
		minBackoff:     100 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		restoreTimeout: DefaultRestoreTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithPrefix("miniconf")
	return a
}

// Run connects, serves and reconnects until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := a.minBackoff
	for {
		t, err := a.dial(ctx)
		if err == nil {
			backoff = a.minBackoff
			err = a.serve(ctx, t)
			t.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("Transport unavailable, retrying", "err", err, "in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, a.maxBackoff)
	}
}

// serve restores the persisted state once, subscribes to every command
// topic, publishes the full state and waits for the connection to end.
func (a *Adapter) serve(ctx context.Context, t transport.Transport) error {
	a.log.Info("Connected", "prefix", a.topics.Prefix)
	defer a.setCurrent(nil)

	if !a.restored {
		if err := a.restore(ctx, t); err != nil {
			return err
		}
		a.restored = true
	}

	// Pending retained commands arrive once subscribed and are applied on
	// top of the restored state.
	for path, desc := range a.tree.Enumerate() {
		if err := a.subscribe(ctx, t, path); err != nil {
			return err
		}
		if desc.Kind == settings.KindArray {
			if err := a.subscribe(ctx, t, path+"/"+transport.SingleLevel); err != nil {
				return err
			}
		}
	}
	for path := range a.tree.Groups() {
		if err := a.subscribe(ctx, t, path); err != nil {
			return err
		}
	}

	if err := a.Republish(ctx, t); err != nil {
		return err
	}
	a.setCurrent(t)
	if err := t.Publish(ctx, transport.Message{Topic: a.topics.Alive(), Payload: []byte("1"), Retain: true}); err != nil {
		return fmt.Errorf("failed to publish alive: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-t.Done():
		return transport.ErrNotConnected
	}
}

// restore collects the retained state of every leaf and applies it as one
// update. Leaves without retained state keep their current value.
func (a *Adapter) restore(ctx context.Context, t transport.Transport) error {
	want := make(map[string]bool)
	for path := range a.tree.Enumerate() {
		want[path] = true
	}
	prefix := a.topics.State("")
	filter := a.topics.State(transport.MultiLevel)

	var (
		mu     sync.Mutex
		values = make(map[string][]byte, len(want))
	)
	complete := make(chan struct{})
	var once sync.Once
	err := t.Subscribe(filter, func(msg transport.Message) {
		path := strings.TrimPrefix(msg.Topic, prefix)
		if !msg.Retain || len(msg.Payload) == 0 || !want[path] {
			return
		}
		mu.Lock()
		values[path] = msg.Payload
		n := len(values)
		mu.Unlock()
		if n == len(want) {
			once.Do(func() { close(complete) })
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to state: %w", err)
	}

	timer := time.NewTimer(a.restoreTimeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Done():
		return transport.ErrNotConnected
	}
	if err := t.Unsubscribe(filter); err != nil {
		return err
	}

	mu.Lock()
	found := maps.Clone(values)
	mu.Unlock()
	if len(found) == 0 {
		a.log.Info("No persisted settings, starting from defaults")
		return nil
	}
	n, err := a.tree.Restore(found)
	if err != nil {
		a.log.Warn("Persisted settings partially rejected", "err", err)
	}
	a.log.Info("Restored persisted settings", "leaves", n, "of", len(want))
	return nil
}

func (a *Adapter) setCurrent(t transport.Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = t
}

// Publish sends msg on the current connection. It fails with
// transport.ErrNotConnected while the adapter is reconnecting.
func (a *Adapter) Publish(ctx context.Context, msg transport.Message) error {
	a.mu.Lock()
	t := a.current
	a.mu.Unlock()
	if t == nil {
		return transport.ErrNotConnected
	}
	return t.Publish(ctx, msg)
}

func (a *Adapter) subscribe(ctx context.Context, t transport.Transport, path string) error {
	prefix := a.topics.Settings("")
	err := t.Subscribe(a.topics.Settings(path), func(msg transport.Message) {
		a.handle(ctx, t, strings.TrimPrefix(msg.Topic, prefix), msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", path, err)
	}
	return nil
}

// Republish publishes the retained state of every leaf.
func (a *Adapter) Republish(ctx context.Context, t transport.Transport) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	for path := range a.tree.Enumerate() {
		if err := a.publishState(ctx, t, path); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) publishState(ctx context.Context, t transport.Transport, path string) error {
	value, err := a.tree.Get(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	err = t.Publish(ctx, transport.Message{Topic: a.topics.State(path), Payload: value, Retain: true})
	if err != nil {
		return fmt.Errorf("failed to publish state of %s: %w", path, err)
	}
	return nil
}

// handle applies one command. Failures are answered, never returned.
func (a *Adapter) handle(ctx context.Context, t transport.Transport, path string, msg transport.Message) {
	// An empty payload is the broker clearing a retained command.
	if len(msg.Payload) == 0 {
		return
	}
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	err := a.tree.Set(path, msg.Payload)
	if err != nil {
		a.log.Warn("Command rejected", "path", path, "err", err)
		a.publishDiagnostic(ctx, t, path, err)
	} else {
		a.log.Debug("Command applied", "path", path)
		for leaf := range a.affected(path) {
			if err := a.publishState(ctx, t, leaf); err != nil {
				a.log.Warn("Echo failed", "path", leaf, "err", err)
			}
		}
		if a.onChange != nil {
			a.onChange(path)
		}
	}
	// A retained command is cleared before the response goes out.
	if msg.Retain {
		a.consume(ctx, t, msg.Topic)
	}

	if msg.ResponseTopic == "" {
		return
	}
	payload, _ := json.Marshal(NewResponse(err))
	err = t.Publish(ctx, transport.Message{
		Topic:           msg.ResponseTopic,
		Payload:         payload,
		CorrelationData: msg.CorrelationData,
	})
	if err != nil {
		a.log.Warn("Response failed", "topic", msg.ResponseTopic, "err", err)
	}
}

// consume clears a retained command once it has been handled. Its effect
// persists through the state topics.
func (a *Adapter) consume(ctx context.Context, t transport.Transport, topic string) {
	if err := t.Publish(ctx, transport.Message{Topic: topic, Retain: true}); err != nil {
		a.log.Warn("Failed to clear retained command", "topic", topic, "err", err)
	}
}

func (a *Adapter) publishDiagnostic(ctx context.Context, t transport.Transport, path string, cause error) {
	payload, _ := json.Marshal(Diagnostic{Path: path, Code: CodeOf(cause), Msg: cause.Error()})
	if err := t.Publish(ctx, transport.Message{Topic: a.topics.Error(), Payload: payload}); err != nil {
		a.log.Warn("Diagnostic failed", "err", err)
	}
}

// affected yields the leaves whose value a command on path may have
// changed: the leaf itself, every leaf below a group, or the array
// containing an element.
func (a *Adapter) affected(path string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for leaf := range a.tree.Enumerate() {
			if leaf == path || strings.HasPrefix(leaf, path+"/") || strings.HasPrefix(path, leaf+"/") {
				if !yield(leaf) {
					return
				}
			}
		}
	}
}
