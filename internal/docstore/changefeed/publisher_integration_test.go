//go:build integration

package changefeed_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"docsync/internal/docstore/changefeed"
	"docsync/internal/transport"
	"docsync/pkg/testutil/containers"
)

type PublisherSuite struct {
	suite.Suite
	broker string
	topic  string
	pub    *changefeed.Publisher
}

func TestPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.broker = mgr.GetRedpanda(s.T()).Broker
	s.topic = "document-changes"

	ctx := context.Background()
	s.Require().NoError(changefeed.EnsureTopic(ctx, []string{s.broker}, s.topic, 1))

	pub, err := changefeed.New([]string{s.broker}, s.topic)
	s.Require().NoError(err)
	s.pub = pub
}

func (s *PublisherSuite) TearDownSuite() {
	if s.pub != nil {
		s.pub.Close()
	}
}

func (s *PublisherSuite) TestEnsureTopicIsIdempotent() {
	ctx := context.Background()
	s.NoError(changefeed.EnsureTopic(ctx, []string{s.broker}, s.topic, 1))
}

func (s *PublisherSuite) TestPublishedEventsRoundTrip() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(s.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	err = s.pub.Publish(ctx, changefeed.ChangeEvent{
		Collection: "users",
		DocID:      "u1",
		Op:         changefeed.OpWrite,
		Doc:        transport.RawDocument{"id": "u1", "name": "A"},
	})
	s.Require().NoError(err)

	err = s.pub.Publish(ctx, changefeed.ChangeEvent{
		Collection: "users",
		DocID:      "u1",
		Op:         changefeed.OpDelete,
	})
	s.Require().NoError(err)

	var events []changefeed.ChangeEvent
	for len(events) < 2 {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(fetches.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			s.Equal("users/u1", string(r.Key), "records are keyed for per-document ordering")
			var ev changefeed.ChangeEvent
			s.Require().NoError(json.Unmarshal(r.Value, &ev))
			events = append(events, ev)
		})
	}

	s.Equal(changefeed.OpWrite, events[0].Op)
	s.Equal("A", events[0].Doc["name"])
	s.NotEmpty(events[0].ID)
	s.False(events[0].At.IsZero())

	s.Equal(changefeed.OpDelete, events[1].Op)
	s.Nil(events[1].Doc)
}
