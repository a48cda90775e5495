package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport bundles the redis client with the watermill publisher and
// subscriber built on top of it.
type Transport struct {
	Client     redis.UniversalClient
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Build connects a Transport. It returns an error when s is disabled.
func Build(s Settings) (*Transport, error) {
	if !s.Enabled {
		return nil, errors.New("redis stream transport disabled")
	}
	return BuildFromClient(redis.NewClient(&redis.Options{Addr: s.Addr}), s)
}

// BuildFromClient wires publisher and subscriber around an existing client.
func BuildFromClient(client redis.UniversalClient, s Settings) (*Transport, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	return &Transport{Client: client, Publisher: pub, Subscriber: sub}, nil
}

// Close stops subscriber and publisher, then closes the client.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Client != nil {
		if err := t.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "close redis stream transport (%d errors)", len(errs))
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if
// it doesn't exist, so the first subscribe does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
