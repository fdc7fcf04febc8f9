// Package gcpbus implements bus.Bus on Google Cloud Pub/Sub.
//
// Each channel is a topic with a single pull subscription named
// "{channel}-sub". Topics and subscriptions are managed through the v2
// admin clients; a publish to a deleted topic surfaces as
// bus.ErrChannelNotFound.
package gcpbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// Options configures the bus.
type Options struct {
	ProjectID   string
	Prefix      string
	AckDeadline time.Duration
	Retention   time.Duration
}

// Bus is a Pub/Sub-backed bus.Bus.
type Bus struct {
	client *pubsub.Client
	opts   Options

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	subs       map[*subscription]struct{}
	closed     bool
}

var _ bus.Bus = (*Bus)(nil)

// New wraps an existing client. The client is owned by the caller.
func New(client *pubsub.Client, opts Options) (*Bus, error) {
	if client == nil {
		return nil, errors.New("gcpbus: client cannot be nil")
	}
	if opts.ProjectID == "" {
		return nil, errors.New("gcpbus: project id is required")
	}
	return &Bus{
		client:     client,
		opts:       opts,
		publishers: make(map[string]*pubsub.Publisher),
		subs:       make(map[*subscription]struct{}),
	}, nil
}

func (b *Bus) topicPath(channel string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.opts.ProjectID, channel)
}

func (b *Bus) subscriptionPath(channel string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", b.opts.ProjectID, bus.SubscriptionName(channel))
}

func codeOf(err error) codes.Code {
	return status.Code(err)
}

// EnsureChannel creates the topic and its subscription. Both calls treat
// AlreadyExists as success.
func (b *Bus) EnsureChannel(ctx context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicPath(name)})
	if err != nil && codeOf(err) != codes.AlreadyExists {
		return fmt.Errorf("creating topic %s: %w", name, err)
	}

	sub := &pubsubpb.Subscription{
		Name:  b.subscriptionPath(name),
		Topic: b.topicPath(name),
	}
	if b.opts.AckDeadline > 0 {
		sub.AckDeadlineSeconds = int32(b.opts.AckDeadline / time.Second) //nolint:gosec // Small configured value
	}
	if b.opts.Retention > 0 {
		sub.MessageRetentionDuration = durationpb.New(b.opts.Retention)
	}
	_, err = b.client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	if err != nil && codeOf(err) != codes.AlreadyExists {
		return fmt.Errorf("creating subscription for %s: %w", name, err)
	}
	return nil
}

// DeleteChannel removes the subscription and topic. NotFound is ignored.
func (b *Bus) DeleteChannel(ctx context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	b.dropPublisher(name)

	err := b.client.SubscriptionAdminClient.DeleteSubscription(ctx,
		&pubsubpb.DeleteSubscriptionRequest{Subscription: b.subscriptionPath(name)})
	if err != nil && codeOf(err) != codes.NotFound {
		return fmt.Errorf("deleting subscription for %s: %w", name, err)
	}

	err = b.client.TopicAdminClient.DeleteTopic(ctx, &pubsubpb.DeleteTopicRequest{Topic: b.topicPath(name)})
	if err != nil && codeOf(err) != codes.NotFound {
		return fmt.Errorf("deleting topic %s: %w", name, err)
	}
	return nil
}

// ListChannels returns the project's topics that carry the bus prefix.
func (b *Bus) ListChannels(ctx context.Context) ([]string, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	it := b.client.TopicAdminClient.ListTopics(ctx, &pubsubpb.ListTopicsRequest{
		Project: "projects/" + b.opts.ProjectID,
	})

	var names []string
	for {
		topic, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing topics: %w", err)
		}
		_, id, ok := strings.Cut(topic.GetName(), "/topics/")
		if ok && strings.HasPrefix(id, b.opts.Prefix+"-") {
			names = append(names, id)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Publish sends data and waits for the server ack.
func (b *Bus) Publish(ctx context.Context, name string, data []byte) error {
	p, err := b.publisher(name)
	if err != nil {
		return err
	}

	if _, err := p.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		if codeOf(err) == codes.NotFound {
			b.dropPublisher(name)
			return bus.ErrChannelNotFound
		}
		return fmt.Errorf("publishing to %s: %w", name, err)
	}
	return nil
}

func (b *Bus) publisher(name string) (*pubsub.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	p, ok := b.publishers[name]
	if !ok {
		p = b.client.Publisher(b.topicPath(name))
		b.publishers[name] = p
	}
	return p, nil
}

func (b *Bus) dropPublisher(name string) {
	b.mu.Lock()
	p, ok := b.publishers[name]
	delete(b.publishers, name)
	b.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// Subscribe pulls from the channel's subscription until Unsubscribe or ctx
// ends. Messages are acked after h returns.
func (b *Bus) Subscribe(ctx context.Context, name string, h bus.Handler) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	recvCtx, cancel := context.WithCancel(ctx)
	s := &subscription{bus: b, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	sub := b.client.Subscriber(b.subscriptionPath(name))
	go func() {
		defer close(s.done)
		s.err = sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			h(ctx, msg.Data)
			msg.Ack()
		})
	}()
	return s, nil
}

// Close stops publishers and subscriptions opened through this bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubs := b.publishers
	b.publishers = make(map[string]*pubsub.Publisher)
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, p := range pubs {
		p.Stop()
	}
	for _, s := range subs {
		_ = s.Unsubscribe() //nolint:errcheck // Best effort on shutdown
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type subscription struct {
	bus    *Bus
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// Unsubscribe stops the receive loop and waits for it to exit.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
		<-s.done
	})
	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		return s.err
	}
	return nil
}
