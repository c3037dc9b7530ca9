package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
	"A2A-Chain/internal/store"
)

type chainView struct {
	statuses map[string]Status
	calls    map[string]int
}

func (c *chainView) Confirm(_ context.Context, reference string) (Status, error) {
	c.calls[reference]++
	status, ok := c.statuses[reference]
	if !ok {
		return "", errors.New("node unavailable")
	}
	return status, nil
}

func TestReconcilerSettlesSubmittedActivities(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	st := store.NewMemoryStore()
	dir := agent.NewDirectory(st, agent.WithCache(agent.NewLRUCache(16, time.Hour)))
	rate := 0.0
	a := &domain.Agent{ID: "processor", SuccessRate: &rate}
	require.NoError(t, st.PutAgent(ctx, a))

	seed := []struct {
		id, ref string
	}{
		{"created", "0xaa"},
		{"locked", "0xaa"},
		{"paid", "0xbb"},
		{"waiting", "0xcc"},
		{"offline", "0xdd"},
		{"local", ""},
	}
	for i, s := range seed {
		require.NoError(t, st.AppendActivity(ctx, &domain.Activity{
			ID:        s.id,
			AgentID:   "processor",
			Type:      domain.ActivityEscrowPayment,
			Status:    domain.ActivityPending,
			LedgerRef: s.ref,
			Details:   domain.ActivityDetails{Escrow: &domain.EscrowActivity{EscrowID: "e-1"}},
			CreatedAt: now.Add(-time.Duration(i+1) * time.Minute),
		}))
	}

	before, err := dir.Reputation(ctx, a)
	require.NoError(t, err)
	require.Zero(t, before.RecentActivities)

	chain := &chainView{
		statuses: map[string]Status{"0xaa": StatusConfirmed, "0xbb": StatusFailed, "0xcc": StatusSubmitted},
		calls:    map[string]int{},
	}
	n, err := NewReconciler(dir, chain, nil).ReconcileActivities(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 1, chain.calls["0xaa"])
	require.Zero(t, chain.calls[""])

	after, err := dir.Reputation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 2, after.RecentActivities)

	failed, err := st.ListActivities(ctx, store.ActivityFilter{AgentID: "processor", Status: domain.ActivityFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "paid", failed[0].ID)

	pending, err := st.ListActivities(ctx, store.ActivityFilter{AgentID: "processor", Status: domain.ActivityPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)

	// 第二轮只会再次查询仍未落定的回执。
	chain.statuses["0xcc"] = StatusConfirmed
	n, err = NewReconciler(dir, chain, nil).ReconcileActivities(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, chain.calls["0xaa"])
}

func TestSimulatedConfirmsIssuedReferences(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	receipt, err := sim.Pay(ctx, payment())
	require.NoError(t, err)

	r := NewRetrying(sim, fastPolicy(1))
	status, err := r.Confirm(ctx, receipt.Reference)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, status)

	_, err = r.Confirm(ctx, "0xunknown")
	require.Error(t, err)
}
