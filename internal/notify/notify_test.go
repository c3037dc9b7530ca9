package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/queue"
	"A2A-Chain/internal/store"
)

type stubRouter struct {
	mu      sync.Mutex
	calls   []string
	outcome domain.RoutingOutcome
	err     error
}

func (r *stubRouter) ProcessMessage(_ context.Context, id string) (domain.RoutingMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if r.err != nil {
		return domain.RoutingMetadata{}, r.err
	}
	return domain.RoutingMetadata{Outcome: r.outcome}, nil
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestOutboxAndDispatcherDeliverThroughQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := store.NewMemoryStore()
	q := queue.NewMemory(16)
	router := &stubRouter{outcome: domain.RoutingRouted}
	outbox := NewOutbox(st, q)
	dispatcher := NewDispatcher(st, q, router, WithWorkers(2))

	go func() { _ = dispatcher.Start(ctx) }()

	system := &domain.Message{
		ID:           "escrow_created_e1",
		SenderID:     domain.SenderEscrowSystem,
		RecipientIDs: []string{"client"},
		Type:         domain.MessageEscrowNotification,
	}
	request := &domain.Message{SenderID: "agent-a", RecipientIDs: []string{"agent-b"}, Type: domain.MessageRequest}
	require.NoError(t, outbox.SendAll(ctx, system, request))
	require.NotEmpty(t, request.ID, "outbox should assign an id")

	waitDelivered(t, st, system.ID)
	waitDelivered(t, st, request.ID)

	router.mu.Lock()
	defer router.mu.Unlock()
	require.Equal(t, []string{request.ID}, router.calls, "only agent messages should be routed")
}

func TestDispatcherLeavesFilteredMessagesUndelivered(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	msg := &domain.Message{ID: "m1", SenderID: "agent-a", Type: domain.MessageRequest}
	require.NoError(t, st.InsertMessage(ctx, msg))
	d := NewDispatcher(st, nil, &stubRouter{outcome: domain.RoutingFiltered})
	require.NoError(t, d.Handle(ctx, "m1"))
	got, err := st.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, got.DeliveredAt, "filtered message must not be delivered")
	require.NoError(t, d.Handle(ctx, "missing"), "missing message should be skipped")
}

func TestDispatcherRetriesOnlyRetryableErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.InsertMessage(ctx, &domain.Message{ID: "m1", SenderID: "agent-a", Type: domain.MessageRequest}))
	alerts := &captureAlerts{}

	transient := xerrors.New(xerrors.CodeStorageFailure, "db down", xerrors.WithRetryable(true))
	d := NewDispatcher(st, nil, &stubRouter{err: transient}, WithAlerts(alerts))
	require.Error(t, d.Handle(ctx, "m1"), "retryable routing error should be returned for redelivery")

	d = NewDispatcher(st, nil, &stubRouter{err: domain.Validation("type", "bad")}, WithAlerts(alerts))
	require.NoError(t, d.Handle(ctx, "m1"), "permanent routing error should be dropped")
	require.Len(t, alerts.events, 1)
}

func TestOutboxPublishFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	alerts := &captureAlerts{}
	outbox := NewOutbox(st, failingProducer{}, WithAlerts(alerts))

	err := outbox.Send(ctx, &domain.Message{ID: "m1", SenderID: domain.SenderConsensusSystem, Type: domain.MessageVotingInvitation})
	require.Equal(t, domain.CodeNotificationDispatch, xerrors.CodeOf(err))
	_, err = st.GetMessage(ctx, "m1")
	require.NoError(t, err, "message should stay persisted")
	require.Len(t, alerts.events, 1)
	require.Equal(t, "m1", alerts.events[0].EntityID)
}

func waitDelivered(t *testing.T, st store.MessageStore, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(context.Background(), id)
		return err == nil && msg.DeliveredAt != nil
	}, 3*time.Second, 10*time.Millisecond, "message %s was not delivered", id)
}
