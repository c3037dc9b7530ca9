package agent_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/agent/agenttest"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/store"
)

func TestEscrowCapabilityReasons(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := store.NewMemoryStore()
	dir := agent.NewDirectory(st, agent.WithCache(agent.NewLRUCache(16, time.Minute)))

	agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "ok", Score: 650, Capabilities: []string{domain.CapabilityEscrow}}, now)
	agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "poor", Score: 550, Capabilities: []string{domain.CapabilityEscrow}}, now)
	agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "nocap", Score: 650}, now)
	agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "anon", Score: 650, NoIdentity: true, Capabilities: []string{domain.CapabilityEscrow}}, now)
	forged := "0x0000000000000000000000000000000000000000"
	require.NoError(t, st.PutAgent(ctx, &domain.Agent{ID: "forged", Identity: &forged, Capabilities: []string{domain.CapabilityEscrow}}))

	_, rep, err := dir.EscrowCapability(ctx, "client", "ok")
	require.NoError(t, err)
	require.Equal(t, 650, rep.Score)

	cases := map[string]string{
		"missing": agent.ReasonAgentNotFound,
		"anon":    agent.ReasonNoBlockchainConfig,
		"forged":  agent.ReasonInvalidIdentity,
		"nocap":   agent.ReasonMissingEscrowCapability,
		"poor":    agent.ReasonInsufficientReputation,
	}
	for id, reason := range cases {
		_, _, err := dir.EscrowCapability(ctx, "processor", id)
		require.Error(t, err, id)
		require.Equal(t, domain.CodeCapability, xerrors.CodeOf(err), id)
		require.Equal(t, reason, xerrors.ReasonOf(err), id)
		require.Equal(t, "processor", xerrors.MetadataOf(err)["party"], id)
	}
}

func TestRecordActivityInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := store.NewMemoryStore()
	dir := agent.NewDirectory(st, agent.WithCache(agent.NewLRUCache(16, time.Hour)))
	a := agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "a", Score: 400}, now)

	before, err := dir.Reputation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 400, before.Score)

	require.NoError(t, dir.RecordActivity(ctx, &domain.Activity{
		AgentID: "a",
		Type:    domain.ActivityMessageProcessed,
		Details: domain.ActivityDetails{Message: &domain.MessageActivity{MessageID: "m"}},
	}))

	after, err := dir.Reputation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, before.Score+16, after.Score)
}

func TestVerifyIdentityProofOfLife(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := store.NewMemoryStore()
	dir := agent.NewDirectory(st)

	alive := agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "alive", Score: 700}, now)
	dormant := agenttest.MustSeed(ctx, st, agenttest.Profile{ID: "dormant", Score: 300}, now)

	v, err := dir.VerifyIdentity(ctx, alive)
	require.NoError(t, err)
	require.True(t, v.RecentActivity)
	require.Equal(t, agent.VerificationAlive, v.Score)

	v, err = dir.VerifyIdentity(ctx, dormant)
	require.NoError(t, err)
	require.Equal(t, agent.VerificationDormant, v.Score)

	_, err = dir.VerifyIdentity(ctx, &domain.Agent{ID: "x"})
	require.ErrorIs(t, err, domain.ErrNoIdentity)
}

func TestRedisCacheUnavailableIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	cache := agent.NewRedisCache(client, "", time.Minute)
	ctx := context.Background()

	cache.Set(ctx, agent.Reputation{AgentID: "a", Score: 10})
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	cache.Invalidate(ctx, "a")
}

func TestAllCandidatesReadsEveryPage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for i := 0; i < 7; i++ {
		id := "0xabc"
		require.NoError(t, st.PutAgent(ctx, &domain.Agent{ID: fmt.Sprintf("agent-%d", i), Identity: &id}))
	}
	require.NoError(t, st.PutAgent(ctx, &domain.Agent{ID: "agent-anon"}))
	dir := agent.NewDirectory(st, agent.WithPageSize(3))

	all, err := dir.AllCandidates(ctx, store.AgentFilter{WithIdentity: true, Exclude: []string{"agent-4"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 6)
	require.Equal(t, "agent-0", all[0].ID)
	require.Equal(t, "agent-6", all[5].ID)
}
