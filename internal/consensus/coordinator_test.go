package consensus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/agent/agenttest"
	"A2A-Chain/internal/consensus"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/notify"
	"A2A-Chain/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	st    *store.MemoryStore
	coord *consensus.Coordinator
	clock *clock
}

func newFixture(t *testing.T, profiles ...agenttest.Profile) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	for _, p := range profiles {
		agenttest.MustSeed(ctx, st, p, clk.Now())
	}
	dir := agent.NewDirectory(st, agent.WithNow(clk.Now))
	outbox := notify.NewOutbox(st, nil, notify.WithNow(clk.Now))
	return &fixture{
		st:    st,
		coord: consensus.New(st, dir, outbox, consensus.WithNow(clk.Now)),
		clock: clk,
	}
}

func (f *fixture) propose(t *testing.T, id, proposer string) *domain.Round {
	t.Helper()
	round, err := f.coord.Propose(context.Background(), &domain.Proposal{ID: id, ProposerID: proposer, Title: "raise fee cap"})
	require.NoError(t, err)
	return round
}

// 五位投票者，每人权重 200，总权重 1000，门槛 600。
func fivePeers() []agenttest.Profile {
	var out []agenttest.Profile
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		out = append(out, agenttest.Profile{ID: id, Score: 500, VotingPower: agenttest.Power(200)})
	}
	return out
}

func TestRoundPassesAtThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fivePeers()...)
	round := f.propose(t, "p1", "a1")

	require.Equal(t, int64(1000), round.TotalWeight)
	require.Equal(t, int64(600), round.ThresholdWeight())
	require.Len(t, round.Voters, 5)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), round.Deadline)

	for i, voter := range []string{"a1", "a2"} {
		got, err := f.coord.CastVote(ctx, round.ID, voter, true)
		require.NoError(t, err)
		require.Equal(t, domain.RoundVoting, got.Status, "after vote %d", i+1)
	}
	got, err := f.coord.CastVote(ctx, round.ID, "a3", true)
	require.NoError(t, err)
	require.Equal(t, domain.RoundPassed, got.Status)
	require.Equal(t, int64(600), got.YesWeight)
	require.NotNil(t, got.ClosedAt)

	_, err = f.coord.CastVote(ctx, round.ID, "a4", true)
	require.True(t, errors.Is(err, domain.ErrStateConflict))

	invite, err := f.st.GetMessage(ctx, consensus.InvitationID("p1", "a4"))
	require.NoError(t, err)
	require.True(t, invite.RequiresResponse)
	require.Equal(t, domain.SenderConsensusSystem, invite.SenderID)
	require.Equal(t, int64(200), invite.Content.Voting.VotingWeight)
	require.Equal(t, round.Deadline, *invite.Deadline)
}

func TestElectorateSpansEveryDirectoryPage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	for _, p := range fivePeers() {
		agenttest.MustSeed(ctx, st, p, now)
	}
	dir := agent.NewDirectory(st, agent.WithNow(func() time.Time { return now }), agent.WithPageSize(2))
	coord := consensus.New(st, dir, nil, consensus.WithNow(func() time.Time { return now }))

	round, err := coord.Propose(ctx, &domain.Proposal{ID: "p-paged", ProposerID: "a1", Title: "raise fee cap"})
	require.NoError(t, err)
	require.Len(t, round.Voters, 5)
	require.Equal(t, int64(1000), round.TotalWeight)
	require.Equal(t, "a5", round.Voters[4].AgentID)
}

func TestRoundFailsOnceThresholdIsUnreachable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fivePeers()...)
	round := f.propose(t, "p1", "a1")

	for _, voter := range []string{"a1", "a2"} {
		got, err := f.coord.CastVote(ctx, round.ID, voter, false)
		require.NoError(t, err)
		require.Equal(t, domain.RoundVoting, got.Status)
	}
	got, err := f.coord.CastVote(ctx, round.ID, "a3", false)
	require.NoError(t, err)
	require.Equal(t, domain.RoundFailed, got.Status)
	require.Equal(t, int64(600), got.NoWeight)
}

func TestWeightGateIsIndependentOfScore(t *testing.T) {
	f := newFixture(t, append(fivePeers(),
		agenttest.Profile{ID: "light", Score: 500, VotingPower: agenttest.Power(40)},
		agenttest.Profile{ID: "lowrep", Score: 399},
	)...)
	round := f.propose(t, "p1", "a1")

	_, ok := round.Voter("light")
	require.False(t, ok)
	require.Equal(t, int64(40), round.Ineligible["light"])
	_, ok = round.Voter("lowrep")
	require.False(t, ok)
	require.Equal(t, int64(80), round.Ineligible["lowrep"])
	require.Equal(t, int64(1000), round.TotalWeight)

	_, err := f.coord.CastVote(context.Background(), round.ID, "light", true)
	require.Equal(t, domain.CodeCapability, xerrors.CodeOf(err))
}

func TestDuplicateVoteAndProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fivePeers()...)
	round := f.propose(t, "p1", "a1")

	_, err := f.coord.CastVote(ctx, round.ID, "a2", true)
	require.NoError(t, err)
	_, err = f.coord.CastVote(ctx, round.ID, "a2", false)
	require.Equal(t, domain.CodeStateConflict, xerrors.CodeOf(err))
	require.Equal(t, "duplicate_vote", xerrors.ReasonOf(err))

	_, err = f.coord.ProcessProposal(ctx, "p1")
	require.Equal(t, domain.CodeStateConflict, xerrors.CodeOf(err))

	acts, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "a2", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, domain.ActivityVoteCast, acts[0].Type)
	require.Equal(t, "approve", acts[0].Details.Governance.Decision)
}

func TestProposalErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, agenttest.Profile{ID: "anon", Score: 500, NoIdentity: true})

	_, err := f.coord.ProcessProposal(ctx, "missing")
	require.Equal(t, domain.CodeProposalNotFound, xerrors.CodeOf(err))

	_, err = f.coord.Propose(ctx, &domain.Proposal{ID: "p1", ProposerID: "anon"})
	require.Equal(t, domain.CodeProposerInvalid, xerrors.CodeOf(err))

	_, err = f.coord.Propose(ctx, &domain.Proposal{ID: "p2", ProposerID: "ghost"})
	require.Equal(t, domain.CodeProposerInvalid, xerrors.CodeOf(err))
}

func TestRoundWithoutVotersExpiresIdempotently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, agenttest.Profile{ID: "solo", Score: 350})
	round := f.propose(t, "p1", "solo")
	require.Empty(t, round.Voters)
	require.Equal(t, domain.RoundVoting, round.Status)

	n, err := f.coord.ExpireRounds(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.coord.ExpireRounds(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.coord.ExpireRounds(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.coord.Round(ctx, round.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoundExpired, got.Status)
}

func TestVoteAfterDeadlineClosesRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fivePeers()...)
	round := f.propose(t, "p1", "a1")

	f.clock.Advance(24 * time.Hour)
	_, err := f.coord.CastVote(ctx, round.ID, "a2", true)
	require.Equal(t, "voting_closed", xerrors.ReasonOf(err))

	got, err := f.coord.Round(ctx, round.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoundExpired, got.Status)
}

func TestTally(t *testing.T) {
	r := &domain.Round{TotalWeight: 1000, ThresholdPercent: 60}
	require.Equal(t, domain.RoundVoting, consensus.Tally(r))
	r.YesWeight = 599
	require.Equal(t, domain.RoundVoting, consensus.Tally(r))
	r.YesWeight = 600
	require.Equal(t, domain.RoundPassed, consensus.Tally(r))
	r.YesWeight, r.NoWeight = 0, 401
	require.Equal(t, domain.RoundFailed, consensus.Tally(r))
	require.Equal(t, domain.RoundVoting, consensus.Tally(&domain.Round{ThresholdPercent: 60}))
}
