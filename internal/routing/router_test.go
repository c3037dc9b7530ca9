package routing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/agent/agenttest"
	"A2A-Chain/internal/domain"
	"A2A-Chain/internal/notify"
	"A2A-Chain/internal/routing"
	"A2A-Chain/internal/store"
)

func TestAssignPriority(t *testing.T) {
	cases := []struct {
		score     int
		msgType   domain.MessageType
		requested domain.Priority
		want      domain.Priority
		expedited bool
	}{
		{score: 800, msgType: domain.MessageRequest, want: domain.PriorityHigh, expedited: true},
		{score: 799, msgType: domain.MessageRequest, want: domain.PriorityMedium},
		{score: 650, msgType: domain.MessageRequest, want: domain.PriorityMedium},
		{score: 500, msgType: domain.MessageRequest, want: domain.PriorityNormal},
		{score: 499, msgType: domain.MessageRequest, want: domain.PriorityLow},
		{score: 600, msgType: domain.MessageUrgent, want: domain.PriorityUrgent, expedited: true},
		{score: 600, msgType: domain.MessageRequest, requested: domain.PriorityHigh, want: domain.PriorityUrgent, expedited: true},
		{score: 599, msgType: domain.MessageUrgent, want: domain.PriorityNormal},
	}
	for _, tc := range cases {
		got, expedited := routing.AssignPriority(tc.score, tc.msgType, tc.requested)
		require.Equal(t, tc.want, got, "score %d type %s", tc.score, tc.msgType)
		require.Equal(t, tc.expedited, expedited, "score %d type %s", tc.score, tc.msgType)
	}
}

func TestEstimatedProcessing(t *testing.T) {
	require.Equal(t, 42*time.Second, routing.EstimatedProcessing(domain.PriorityHigh, 800))
	require.Equal(t, 102*time.Second, routing.EstimatedProcessing(domain.PriorityMedium, 650))
	require.Equal(t, 600*time.Second, routing.EstimatedProcessing(domain.PriorityLow, 300))
	require.Equal(t, 15*time.Second, routing.EstimatedProcessing(domain.PriorityUrgent, 1000))
}

type fixture struct {
	st     *store.MemoryStore
	router *routing.Router
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewMemoryStore()
	dir := agent.NewDirectory(st, agent.WithNow(clock))
	outbox := notify.NewOutbox(st, nil, notify.WithNow(clock))
	return &fixture{
		st:     st,
		router: routing.New(st, dir, outbox, routing.WithNow(clock)),
		now:    now,
	}
}

func (f *fixture) message(t *testing.T, id, sender string, msgType domain.MessageType, recipients ...string) {
	t.Helper()
	require.NoError(t, f.st.InsertMessage(context.Background(), &domain.Message{
		ID:           id,
		SenderID:     sender,
		RecipientIDs: recipients,
		Type:         msgType,
		Content:      domain.MessageContent{Text: "summarise the audit"},
	}))
}

func TestHighReputationRequestFansOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	agenttest.MustSeed(ctx, f.st, agenttest.Profile{ID: "sender", Score: 720, TotalRequests: 200}, f.now)
	for _, p := range []agenttest.Profile{
		{ID: "p1", Score: 550},
		{ID: "p2", Score: 550},
		{ID: "p3", Score: 550},
		{ID: "p4", Score: 550},
		{ID: "recipient", Score: 550},
		{ID: "p0-no-identity", Score: 550, NoIdentity: true},
		{ID: "p0-inactive", Score: 550, Inactive: true},
	} {
		agenttest.MustSeed(ctx, f.st, p, f.now)
	}
	f.message(t, "msg-1", "sender", domain.MessageRequest, "recipient")

	got, err := f.router.ProcessMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.Equal(t, domain.RoutingRouted, got.Outcome)
	require.Equal(t, domain.PriorityMedium, got.Priority)
	require.Equal(t, 720, got.ReputationScore)
	require.Equal(t, []string{"p1", "p2", "p3"}, got.ParallelProcessors)

	stored, err := f.st.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Metadata.Routing)
	require.Equal(t, got.ParallelProcessors, stored.Metadata.Routing.ParallelProcessors)

	_, err = f.router.ProcessMessage(ctx, "msg-1")
	require.True(t, errors.Is(err, domain.ErrStateConflict))

	acts, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "sender", Limit: 1})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, domain.ActivityMessageProcessed, acts[0].Type)
	require.Equal(t, "msg-1", acts[0].Details.Message.MessageID)
}

func TestOnlyRequestsFanOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	agenttest.MustSeed(ctx, f.st, agenttest.Profile{ID: "sender", Score: 760, TotalRequests: 200}, f.now)
	agenttest.MustSeed(ctx, f.st, agenttest.Profile{ID: "helper", Score: 520}, f.now)
	f.message(t, "msg-1", "sender", domain.MessageRequest)

	got, err := f.router.ProcessMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.Equal(t, []string{"helper"}, got.ParallelProcessors)

	f.message(t, "msg-2", "sender", domain.MessageResponse)
	got, err = f.router.ProcessMessage(ctx, "msg-2")
	require.NoError(t, err)
	require.Empty(t, got.ParallelProcessors, "only requests fan out")
}

func TestRejectedMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	agenttest.MustSeed(ctx, f.st, agenttest.Profile{ID: "anon", Score: 700, NoIdentity: true}, f.now)
	agenttest.MustSeed(ctx, f.st, agenttest.Profile{ID: "newcomer", Score: 450}, f.now)
	f.message(t, "m-anon", "anon", domain.MessageRequest)
	f.message(t, "m-new", "newcomer", domain.MessageRequest)
	f.message(t, "m-ghost", "ghost", domain.MessageRequest)

	got, err := f.router.ProcessMessage(ctx, "m-anon")
	require.NoError(t, err)
	require.Equal(t, domain.RoutingInvalid, got.Outcome)
	require.Equal(t, routing.ReasonInvalidIdentity, got.Reason)

	got, err = f.router.ProcessMessage(ctx, "m-ghost")
	require.NoError(t, err)
	require.Equal(t, domain.RoutingInvalid, got.Outcome)

	got, err = f.router.ProcessMessage(ctx, "m-new")
	require.NoError(t, err)
	require.Equal(t, domain.RoutingFiltered, got.Outcome)
	require.Equal(t, routing.ReasonLowReputation, got.Reason)
	require.Equal(t, 450, got.ReputationScore)

	acts, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "newcomer"})
	require.NoError(t, err)
	for _, a := range acts {
		require.NotEqual(t, domain.ActivityMessageProcessed, a.Type)
	}
}
