package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Headers set on commit notices, so consumers can route and de-duplicate
// without decoding the body.
const (
	HeaderStreamID = "River-Stream-Id"
	HeaderKind     = "River-Stream-Kind"
)

// noticeBuffer is the per-subscription channel size. A consumer that
// falls further behind loses notices; they are hints, the stream itself
// is the source of truth.
const noticeBuffer = 64

// NATSPublisher publishes JSON events on NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("rivernode"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish sends event on topic. A *CommitNotice also gets the stream
// headers and a message id of "<stream>:<position>".
func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	if n, ok := event.(*CommitNotice); ok {
		msg.Header.Set(HeaderStreamID, n.StreamID.String())
		msg.Header.Set(HeaderKind, n.StreamID.Kind().String())
		msg.Header.Set(nats.MsgIdHdr, n.StreamID.String()+":"+strconv.FormatInt(n.Cookie.Position, 10))
	}
	return p.conn.PublishMsg(msg)
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil && err != nats.ErrConnectionClosed {
		p.conn.Close()
		return err
	}
	return nil
}

// NATSSubscriber reads commit notices from NATS.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects with unlimited reconnects. Extra options such
// as disconnect and reconnect handlers are appended to the defaults.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	defaults := []nats.Option{
		nats.Name("rivernode-watch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Subscribe delivers raw payloads published on topic (wildcards allowed).
// The returned cancel unsubscribes, waits for the forwarder and closes the
// channel; it may be called more than once.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan []byte, func(), error) {
	msgs := make(chan *nats.Msg, noticeBuffer)
	sub, err := s.conn.ChanSubscribe(topic, msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// The subscription must reach the server before we return, or
	// messages published right after on another connection are missed.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	out := make(chan []byte, noticeBuffer)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case m := <-msgs:
				select {
				case out <- m.Data:
				case <-stop:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(stop)
			wg.Wait()
			close(out)
		})
	}
	return out, cancel, nil
}

// Notices decodes the payloads on topic as commit notices. Payloads that
// are not notices are skipped.
func (s *NATSSubscriber) Notices(ctx context.Context, topic string) (<-chan *CommitNotice, error) {
	raw, cancel, err := s.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	out := make(chan *CommitNotice, noticeBuffer)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-raw:
				if !ok {
					return
				}
				var n CommitNotice
				if err := json.Unmarshal(data, &n); err != nil || n.StreamID.IsZero() {
					continue
				}
				select {
				case out <- &n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
