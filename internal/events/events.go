package events

import (
	"context"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
)

// Subjects are "streams.<kind>.<stream id hex>" so consumers can filter by
// stream kind with NATS wildcards.
const (
	SubjectPrefix = "streams"
	TopicAll      = SubjectPrefix + ".>"
)

// Topic returns the subject commit notices for id are published on.
func Topic(id protocol.StreamID) string {
	return SubjectPrefix + "." + id.Kind().String() + "." + id.String()
}

// KindTopic matches every stream of one kind.
func KindTopic(kind protocol.StreamKind) string {
	return SubjectPrefix + "." + kind.String() + ".*"
}

// CommitNotice announces that events were committed to a stream. It carries
// hashes only; consumers fetch content through GetStream or sync.
type CommitNotice struct {
	StreamID    protocol.StreamID   `json:"stream_id"`
	Created     bool                `json:"created,omitempty"`
	EventHashes []string            `json:"event_hashes"`
	Sealed      int64               `json:"sealed_miniblock,omitempty"`
	Cookie      protocol.SyncCookie `json:"cookie"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives commit notices from the bus.
type Subscriber interface {
	// Notices delivers decoded notices published on topic until ctx is
	// done, then closes the channel.
	Notices(ctx context.Context, topic string) (<-chan *CommitNotice, error)
	Close() error
}

// NoopPublisher drops everything. It is used when no NATS URL is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (*NoopPublisher) Close() error                               { return nil }
