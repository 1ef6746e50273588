package events

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

// Notifier publishes a CommitNotice for every stream touched by a commit.
// Publish failures are logged and never fail the write that caused them.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
}

// NewNotifier wraps pub. A nil pub publishes nothing.
func NewNotifier(pub Publisher, logger *slog.Logger) *Notifier {
	if pub == nil {
		pub = &NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, logger: logger}
}

// NoticeFor builds the notice for one committed stream.
func NoticeFor(c *streamlog.Committed) *CommitNotice {
	n := &CommitNotice{
		StreamID:    c.StreamID,
		Created:     c.Created,
		EventHashes: make([]string, 0, len(c.Events)),
		Cookie:      c.Cookie,
	}
	for _, ev := range c.Events {
		n.EventHashes = append(n.EventHashes, ev.Hash.String())
	}
	if c.Sealed != nil {
		n.Sealed = c.Sealed.Num
	}
	return n
}

// Committed publishes notices for a commit result.
func (n *Notifier) Committed(ctx context.Context, results []*streamlog.Committed) {
	for _, c := range results {
		if err := n.pub.Publish(ctx, Topic(c.StreamID), NoticeFor(c)); err != nil {
			n.logger.Warn("publish commit notice", "stream_id", c.StreamID, "err", err)
		}
	}
}
