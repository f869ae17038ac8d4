package main

import (
	"context"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/registry"
)

const defaultPublishTimeout = 15 * time.Second

// pubsubSink publishes to the finance topic with message ordering enabled.
type pubsubSink struct {
	pub     *gcppubsub.Publisher
	topic   string
	timeout time.Duration
}

func newPubSubSink(pub *gcppubsub.Publisher, topic string, timeout time.Duration) (*pubsubSink, error) {
	if pub == nil {
		return nil, errors.New("publisher required")
	}
	if topic == "" {
		return nil, errors.New("topic required")
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	pub.EnableMessageOrdering = true
	return &pubsubSink{pub: pub, topic: topic, timeout: timeout}, nil
}

func (s *pubsubSink) Topic() string { return s.topic }

func (s *pubsubSink) Send(ctx context.Context, msg *gcppubsub.Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.pub.Publish(sendCtx, msg).Get(sendCtx); err != nil {
		// A failed key is paused by the client until resumed.
		if msg.OrderingKey != "" {
			s.pub.ResumePublish(msg.OrderingKey)
		}
		return classifyPublishErr(err)
	}
	return nil
}

// Stop flushes pending messages.
func (s *pubsubSink) Stop() {
	s.pub.Stop()
}

// classifyPublishErr marks broker rejections that no retry can fix.
func classifyPublishErr(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.NotFound:
		return registry.NewNonRetryableError(err)
	}
	return err
}
