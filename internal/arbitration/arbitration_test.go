package arbitration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/agent/agenttest"
	"A2A-Chain/internal/arbitration"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/escrow"
	"A2A-Chain/internal/ledger"
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
	st      *store.MemoryStore
	clock   *clock
	machine *escrow.Machine
	panel   *arbitration.Panel
}

func arbiter(id string, score int) agenttest.Profile {
	return agenttest.Profile{ID: id, Score: score, TotalRequests: 400, Capabilities: []string{domain.CapabilityArbitration}}
}

func newFixture(t *testing.T, opts ...arbitration.SelectorOption) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	profiles := []agenttest.Profile{
		{ID: "client", Score: 700, TotalRequests: 200, Capabilities: []string{domain.CapabilityEscrow}},
		{ID: "processor", Score: 720, TotalRequests: 200, Capabilities: []string{domain.CapabilityEscrow}},
		arbiter("arb-a", 820),
		arbiter("arb-b", 780),
		arbiter("arb-c", 650),
		arbiter("arb-d", 640),
		{ID: "ghost", Score: 900, TotalRequests: 400, Capabilities: []string{domain.CapabilityArbitration}, NoIdentity: true},
		{ID: "bystander", Score: 850, TotalRequests: 400},
		arbiter("junior", 590),
	}
	for _, p := range profiles {
		agenttest.MustSeed(ctx, st, p, clk.Now())
	}
	dir := agent.NewDirectory(st, agent.WithNow(clk.Now))
	machine := escrow.New(st, dir, ledger.NewSimulated(),
		escrow.WithSender(notify.NewOutbox(st, nil, notify.WithNow(clk.Now))),
		escrow.WithSelector(arbitration.NewSelector(dir, opts...)),
		escrow.WithNow(clk.Now),
	)
	return &fixture{
		st:      st,
		clock:   clk,
		machine: machine,
		panel:   arbitration.NewPanel(st, machine, dir, arbitration.WithNow(clk.Now)),
	}
}

func (f *fixture) dispute(t *testing.T, id string) *domain.Dispute {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.Create(ctx, escrow.CreateRequest{
		EscrowID:    id,
		TaskID:      "task-" + id,
		ClientID:    "client",
		ProcessorID: "processor",
		Amount:      decimal.RequireFromString("2"),
		Deadline:    f.clock.Now().Add(240 * time.Hour),
	})
	require.NoError(t, err)
	d, err := f.machine.HandleDispute(ctx, id, escrow.DisputeRequest{ComplainantID: "client", Reason: "work not delivered"})
	require.NoError(t, err)
	return d
}

func TestSelectorRanksQualifiedNeutralAgents(t *testing.T) {
	f := newFixture(t)
	d := f.dispute(t, "e1")

	require.Len(t, d.Arbitrators, 3)
	ids := []string{d.Arbitrators[0].AgentID, d.Arbitrators[1].AgentID, d.Arbitrators[2].AgentID}
	require.Equal(t, []string{"arb-a", "arb-b", "arb-c"}, ids)
	for i, a := range d.Arbitrators {
		require.Equal(t, i+1, a.Rank)
		require.Positive(t, a.Weight)
		require.GreaterOrEqual(t, a.ReputationScore, arbitration.DefaultMinScore)
	}
	// 100 * 820/500 * 1.4
	require.Equal(t, int64(230), d.Arbitrators[0].Weight)
}

func TestSelectorPanelSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := agent.NewDirectory(f.st, agent.WithNow(f.clock.Now))
	panel, err := arbitration.NewSelector(dir, arbitration.WithPanelSize(5)).Select(ctx, "client", "processor")
	require.NoError(t, err)
	require.Len(t, panel, 4)
	require.Equal(t, "arb-d", panel[3].AgentID)

	// 分页读取时，排在最后一页的仲裁员同样参与排名。
	paged := agent.NewDirectory(f.st, agent.WithNow(f.clock.Now), agent.WithPageSize(2))
	panel, err = arbitration.NewSelector(paged, arbitration.WithPanelSize(5)).Select(ctx, "client", "processor")
	require.NoError(t, err)
	require.Len(t, panel, 4)
	require.Equal(t, []string{"arb-a", "arb-b", "arb-c", "arb-d"},
		[]string{panel[0].AgentID, panel[1].AgentID, panel[2].AgentID, panel[3].AgentID})
}

func TestMajorityWeightReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.dispute(t, "e2")

	res, err := f.panel.CastVote(ctx, d.ID, "arb-a", domain.OutcomeRelease)
	require.NoError(t, err)
	require.Empty(t, res.Outcome)
	require.Nil(t, res.Escrow)

	res, err = f.panel.CastVote(ctx, d.ID, "arb-b", domain.OutcomeRelease)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeRelease, res.Outcome)
	require.Equal(t, domain.EscrowCompleted, res.Escrow.Status)
	require.Equal(t, domain.DisputeResolved, res.Dispute.Status)
	require.Equal(t, "processor", res.Escrow.Payments[0].Recipient)

	_, err = f.panel.CastVote(ctx, d.ID, "arb-c", domain.OutcomeRefund)
	require.ErrorIs(t, err, domain.ErrStateConflict)

	votes, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "arb-b", Type: domain.ActivityArbitrationVote})
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, d.ID, votes[0].Details.Governance.DisputeID)
}

func TestVoteValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.dispute(t, "e3")

	_, err := f.panel.CastVote(ctx, d.ID, "arb-a", domain.DisputeOutcome("abstain"))
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))

	_, err = f.panel.CastVote(ctx, d.ID, "arb-d", domain.OutcomeRefund)
	require.Equal(t, domain.CodeCapability, xerrors.CodeOf(err))

	_, err = f.panel.CastVote(ctx, d.ID, "arb-c", domain.OutcomeRefund)
	require.NoError(t, err)
	_, err = f.panel.CastVote(ctx, d.ID, "arb-c", domain.OutcomeRelease)
	require.Equal(t, "duplicate_vote", xerrors.ReasonOf(err))

	f.clock.Advance(escrow.DefaultResponseWindow)
	_, err = f.panel.CastVote(ctx, d.ID, "arb-a", domain.OutcomeRelease)
	require.Equal(t, "response_window_closed", xerrors.ReasonOf(err))
}

func TestExpireDisputesUsesCastVotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	voted := f.dispute(t, "e4")
	silent := f.dispute(t, "e5")

	_, err := f.panel.CastVote(ctx, voted.ID, "arb-c", domain.OutcomeRelease)
	require.NoError(t, err)

	n, err := f.panel.ExpireDisputes(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(escrow.DefaultResponseWindow + time.Minute)
	n, err = f.panel.ExpireDisputes(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	released, err := f.st.GetEscrow(ctx, "e4")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowCompleted, released.Status)

	refunded, err := f.st.GetEscrow(ctx, "e5")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowFailed, refunded.Status)
	closed, err := f.st.GetDispute(ctx, silent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeRefund, closed.Outcome)

	n, err = f.panel.ExpireDisputes(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEmptyPanelWaitsForResponseDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, arbitration.WithMinScore(950))
	d := f.dispute(t, "e6")
	require.Empty(t, d.Arbitrators)

	f.clock.Advance(30 * time.Second)
	n, err := f.panel.ExpireDisputes(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	require.Zero(t, n)

	e, err := f.st.GetEscrow(ctx, "e6")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowDisputed, e.Status)
	pending, err := f.st.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputePending, pending.Status)

	f.clock.Advance(escrow.DefaultResponseWindow)
	n, err = f.panel.ExpireDisputes(ctx, f.clock.Now(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, err = f.st.GetEscrow(ctx, "e6")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowFailed, e.Status)
}

func panelOf(arbs ...domain.Arbitrator) *domain.Dispute {
	return &domain.Dispute{Arbitrators: arbs, Votes: map[string]domain.ArbitrationVote{}}
}

func vote(d *domain.Dispute, id string, decision domain.DisputeOutcome) {
	a, _ := d.Arbitrator(id)
	d.Votes[id] = domain.ArbitrationVote{ArbitratorID: id, Decision: decision, Weight: a.Weight}
}

func TestDecide(t *testing.T) {
	arbs := []domain.Arbitrator{
		{AgentID: "x", Weight: 100, ReputationScore: 800, Rank: 1},
		{AgentID: "y", Weight: 100, ReputationScore: 700, Rank: 2},
		{AgentID: "z", Weight: 100, ReputationScore: 650, Rank: 3},
	}

	t.Run("undecided until majority", func(t *testing.T) {
		d := panelOf(arbs...)
		vote(d, "y", domain.OutcomeRelease)
		_, ok := arbitration.Decide(d, false)
		require.False(t, ok)
	})

	t.Run("tie goes to highest reputation voter", func(t *testing.T) {
		d := panelOf(arbs...)
		vote(d, "x", domain.OutcomeRefund)
		vote(d, "y", domain.OutcomeRelease)
		outcome, ok := arbitration.Decide(d, true)
		require.True(t, ok)
		require.Equal(t, domain.OutcomeRefund, outcome)
	})

	t.Run("tie among full panel", func(t *testing.T) {
		d := panelOf(
			domain.Arbitrator{AgentID: "p", Weight: 150, ReputationScore: 640, Rank: 2},
			domain.Arbitrator{AgentID: "q", Weight: 150, ReputationScore: 910, Rank: 1},
		)
		vote(d, "p", domain.OutcomeRefund)
		vote(d, "q", domain.OutcomeRelease)
		outcome, ok := arbitration.Decide(d, false)
		require.True(t, ok)
		require.Equal(t, domain.OutcomeRelease, outcome)
	})

	t.Run("no votes refunds at deadline", func(t *testing.T) {
		outcome, ok := arbitration.Decide(panelOf(arbs...), true)
		require.True(t, ok)
		require.Equal(t, domain.OutcomeRefund, outcome)
	})

	t.Run("empty panel waits unless final", func(t *testing.T) {
		_, ok := arbitration.Decide(panelOf(), false)
		require.False(t, ok)
		outcome, ok := arbitration.Decide(panelOf(), true)
		require.True(t, ok)
		require.Equal(t, domain.OutcomeRefund, outcome)
	})

	t.Run("majority decides early", func(t *testing.T) {
		d := panelOf(arbs...)
		vote(d, "y", domain.OutcomeRelease)
		vote(d, "z", domain.OutcomeRelease)
		outcome, ok := arbitration.Decide(d, false)
		require.True(t, ok)
		require.Equal(t, domain.OutcomeRelease, outcome)
	})
}
