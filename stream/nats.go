package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher emits document changes onto the feed.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
	Close() error
}

// NoopPublisher discards every change. The handler falls back to it when no
// feed is configured.
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, change Change) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}

// NATSPublisher writes each change as JSON to the subject of its kind.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish sends change to Topic(change.Kind).
func (p *NATSPublisher) Publish(ctx context.Context, change Change) error {
	if change.Kind == "" || change.Kind == AllKinds {
		return fmt.Errorf("change %s has no publishable kind %q", change.ID, change.Kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change %s: %w", change.ID, err)
	}
	return p.conn.Publish(Topic(change.Kind), data)
}

// Flush blocks until the server has received every published change.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

// Close flushes and closes the connection. A Lambda invocation may be
// frozen as soon as it returns, so buffered changes must not be left behind.
func (p *NATSPublisher) Close() error {
	err := p.conn.Flush()
	p.conn.Close()
	return err
}

// defaultFeedBuffer is the channel capacity of a Feed.
const defaultFeedBuffer = 64

// NATSSubscriber opens change feeds over one NATS connection.
type NATSSubscriber struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSSubscriber connects to url. The connection reconnects forever;
// opts are applied after those defaults.
func NewNATSSubscriber(url string, logger *slog.Logger, opts ...nats.Option) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSSubscriber{conn: nc, logger: logger}, nil
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithBuffer sets how many undelivered changes a feed holds before it
// starts dropping them.
func WithBuffer(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithFilter delivers only the changes keep accepts.
func WithFilter(keep func(Change) bool) FeedOption {
	return func(f *Feed) {
		f.keep = keep
	}
}

// Feed is a live subscription to the changes of one kind.
type Feed struct {
	kind    string
	buffer  int
	keep    func(Change) bool
	logger  *slog.Logger
	sub     *nats.Subscription
	changes chan Change

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Subscribe opens a feed of the changes to documents of kind, or of every
// kind for AllKinds. The feed is registered on the server when Subscribe
// returns, so changes published afterwards on any connection reach it.
func (s *NATSSubscriber) Subscribe(kind string, opts ...FeedOption) (*Feed, error) {
	if kind == "" {
		return nil, errors.New("subscribe: kind is required")
	}
	f := &Feed{kind: kind, buffer: defaultFeedBuffer, logger: s.logger}
	for _, opt := range opts {
		opt(f)
	}
	f.changes = make(chan Change, f.buffer)

	topic := Topic(kind)
	sub, err := s.conn.Subscribe(topic, f.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	f.sub = sub
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("register subscription to %s: %w", topic, err)
	}
	return f, nil
}

// deliver runs on the NATS dispatch goroutine and must not block.
func (f *Feed) deliver(msg *nats.Msg) {
	var change Change
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		f.logger.Warn("dropping undecodable change", "subject", msg.Subject, "error", err)
		return
	}
	if change.ID == "" || (f.kind != AllKinds && change.Kind != f.kind) {
		f.logger.Warn("dropping change not addressed to feed",
			"subject", msg.Subject,
			"kind", change.Kind,
			"id", change.ID,
		)
		return
	}
	if f.keep != nil && !f.keep(change) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.changes <- change:
	default:
		f.dropped++
		f.logger.Warn("change feed full, dropping change", "kind", change.Kind, "id", change.ID)
	}
}

// Changes returns the delivery channel. It is closed by Close; changes
// already buffered stay readable.
func (f *Feed) Changes() <-chan Change {
	return f.changes
}

// Dropped reports how many changes were discarded because the buffer was
// full.
func (f *Feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close unsubscribes and closes the delivery channel. Closing twice is a
// no-op.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.changes)

	err := f.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
