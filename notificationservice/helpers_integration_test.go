//go:build integration

package notificationservice_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-unitalert-service/internal/compose"
	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
	"github.com/tinywideclouds/go-unitalert-service/internal/fanout"
	"github.com/tinywideclouds/go-unitalert-service/internal/platform/apns"
	"github.com/tinywideclouds/go-unitalert-service/internal/registry"
	"github.com/tinywideclouds/go-unitalert-service/internal/triggers"
	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Transport fakes ---

type recordingGateway struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (g *recordingGateway) Dispatch(_ context.Context, msgs []*messaging.Message) []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.msgs = append(g.msgs, msgs...)
	return make([]error, len(msgs))
}

func (g *recordingGateway) Tokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.msgs))
	for _, m := range g.msgs {
		out = append(out, m.Token)
	}
	return out
}

func (g *recordingGateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.msgs)
}

type recordingSession struct {
	mu     sync.Mutex
	sent   []*apns2.Notification
	closed bool
}

func (s *recordingSession) Send(_ context.Context, n *apns2.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSession) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSession) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type staticOpener struct {
	session *recordingSession
}

func (o staticOpener) Open(dispatch.Environment) (apns.Session, error) {
	return o.session, nil
}

// harness wires the real directory, trigger and fan-out layers over fake
// transports.
type harness struct {
	gateway  *recordingGateway
	session  *recordingSession
	registry *registry.Registry
	triggers *triggers.Triggers
}

func newHarness(store directory.Store, logger *slog.Logger) *harness {
	h := &harness{gateway: &recordingGateway{}, session: &recordingSession{}}
	h.registry = registry.New(staticOpener{session: h.session}, logger)
	dispatcher := fanout.New(h.gateway, h.registry, compose.New("se.example.nolla"), fanout.Config{SendTimeout: time.Second}, logger)

	cfg := triggers.DefaultConfig()
	cfg.ReturnDelay = 10 * time.Millisecond
	h.triggers = triggers.New(directory.New(store), dispatcher, cfg, logger)
	return h
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
