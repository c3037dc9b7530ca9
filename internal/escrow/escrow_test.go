package escrow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/agent/agenttest"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/escrow"
	"A2A-Chain/internal/ledger"
	"A2A-Chain/internal/notify"
	"A2A-Chain/internal/store"
)

type staticSelector []domain.Arbitrator

func (s staticSelector) Select(_ context.Context, exclude ...string) ([]domain.Arbitrator, error) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []domain.Arbitrator
	for _, a := range s {
		if !skip[a.AgentID] {
			out = append(out, a)
		}
	}
	return out, nil
}

type fixture struct {
	st      *store.MemoryStore
	ledger  *ledger.Simulated
	machine *escrow.Machine
	now     time.Time
}

func trader(id string, score int) agenttest.Profile {
	return agenttest.Profile{ID: id, Score: score, TotalRequests: 200, Capabilities: []string{domain.CapabilityEscrow}}
}

func newFixture(t *testing.T, opts ...escrow.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewMemoryStore()
	for _, p := range []agenttest.Profile{trader("client", 700), trader("processor", 720), trader("lowrep", 550)} {
		agenttest.MustSeed(ctx, st, p, now)
	}
	sim := ledger.NewSimulated()
	dir := agent.NewDirectory(st, agent.WithNow(clock))
	base := []escrow.Option{
		escrow.WithSender(notify.NewOutbox(st, nil, notify.WithNow(clock))),
		escrow.WithSelector(staticSelector{
			{AgentID: "arb1", Weight: 300, ReputationScore: 820, Rank: 1},
			{AgentID: "client", Weight: 200, ReputationScore: 700, Rank: 2},
			{AgentID: "arb2", Weight: 200, ReputationScore: 780, Rank: 3},
			{AgentID: "arb3", Weight: 100, ReputationScore: 650, Rank: 4},
		}),
		escrow.WithNow(clock),
	}
	return &fixture{
		st:      st,
		ledger:  sim,
		machine: escrow.New(st, dir, sim, append(base, opts...)...),
		now:     now,
	}
}

func pct(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func (f *fixture) request(id string) escrow.CreateRequest {
	return escrow.CreateRequest{
		EscrowID:    id,
		TaskID:      "task-" + id,
		ClientID:    "client",
		ProcessorID: "processor",
		Amount:      decimal.RequireFromString("1.0"),
		Deadline:    f.now.Add(48 * time.Hour),
		Requirements: domain.Requirements{Milestones: []domain.Milestone{
			{Name: "m1", PaymentPercentage: pct("40"), Deliverables: []string{"design"}},
			{Name: "m2", PaymentPercentage: pct("60"), Deliverables: []string{"build", "tests"}},
		}},
	}
}

func (f *fixture) create(t *testing.T, id string) *domain.Escrow {
	t.Helper()
	e, err := f.machine.Create(context.Background(), f.request(id))
	require.NoError(t, err)
	return e
}

func TestCreateRejectsLowReputationClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request("e-low")
	req.ClientID = "lowrep"

	_, err := f.machine.Create(ctx, req)
	require.Error(t, err)
	require.Equal(t, domain.CodeCapability, xerrors.CodeOf(err))
	require.Equal(t, agent.ReasonInsufficientReputation, xerrors.ReasonOf(err))
	require.Equal(t, "client", xerrors.MetadataOf(err)["party"])

	_, err = f.st.GetEscrow(ctx, "e-low")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, f.ledger.Deployments())
}

func TestCreateLocksFundsAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.create(t, "e1")

	require.Equal(t, domain.EscrowActive, e.Status)
	require.Equal(t, "ETH", e.Currency)
	require.True(t, e.Paid.IsZero())
	require.Equal(t, escrow.ContractAddress("e1", "client", "processor"), e.ContractAddress)
	require.NotEmpty(t, e.DeploymentRef)
	require.Len(t, f.ledger.Deployments(), 1)

	for _, id := range []string{"escrow_created_e1_client", "escrow_assigned_e1_processor"} {
		msg, err := f.st.GetMessage(ctx, id)
		require.NoError(t, err, id)
		require.Equal(t, domain.SenderEscrowSystem, msg.SenderID)
	}

	locked, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "client", Type: domain.ActivityEscrowFundsLocked})
	require.NoError(t, err)
	require.Len(t, locked, 1)

	_, err = f.machine.Create(ctx, f.request("e1"))
	require.Equal(t, domain.CodeStateConflict, xerrors.CodeOf(err))
}

func TestCreateLedgerFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.FailNext(ledger.OpDeploy, 1)

	_, err := f.machine.Create(ctx, f.request("e-fail"))
	require.Equal(t, domain.CodeLedger, xerrors.CodeOf(err))
	_, err = f.st.GetEscrow(ctx, "e-fail")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMilestonesPayExactAmounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e2")

	first, err := f.machine.ProcessMilestone(ctx, "e2", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)
	require.Equal(t, domain.EscrowActive, first.Escrow.Status)
	require.True(t, first.Payment.Amount.Equal(decimal.RequireFromString("0.4")), first.Payment.Amount.String())

	second, err := f.machine.ProcessMilestone(ctx, "e2", escrow.MilestoneSubmission{Name: "m2", Deliverables: []string{"build", "tests"}})
	require.NoError(t, err)
	require.Equal(t, domain.EscrowCompleted, second.Escrow.Status)
	require.True(t, second.Payment.Amount.Equal(decimal.RequireFromString("0.6")))

	stored, err := f.st.GetEscrow(ctx, "e2")
	require.NoError(t, err)
	require.True(t, stored.Paid.Equal(stored.Amount), stored.Paid.String())
	require.ElementsMatch(t, []string{"m1", "m2"}, stored.CompletedMilestones)
	require.Len(t, f.ledger.Payments(), 2)

	done, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "processor", Type: domain.ActivitySuccessfulCompletion, Since: f.now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, done, 1)

	_, err = f.machine.ProcessMilestone(ctx, "e2", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestMilestonePaymentIsDecimalExact(t *testing.T) {
	m := domain.Milestone{Name: "third", PaymentPercentage: pct("33.33")}
	got := escrow.MilestonePayment(decimal.RequireFromString("0.3"), m)
	require.Equal(t, "0.09999", got.String())
}

func TestMilestoneErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e3")

	_, err := f.machine.ProcessMilestone(ctx, "e3", escrow.MilestoneSubmission{Name: "nope"})
	require.Equal(t, domain.CodeMilestoneNotFound, xerrors.CodeOf(err))

	_, err = f.machine.ProcessMilestone(ctx, "e3", escrow.MilestoneSubmission{Name: "m2", Deliverables: []string{"build"}})
	require.Equal(t, domain.CodeMilestoneUnverified, xerrors.CodeOf(err))
	require.Equal(t, "tests", xerrors.MetadataOf(err)["missing_deliverable"])

	_, err = f.machine.ProcessMilestone(ctx, "missing", escrow.MilestoneSubmission{Name: "m1"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.machine.ProcessMilestone(ctx, "e3", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)
	_, err = f.machine.ProcessMilestone(ctx, "e3", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.Equal(t, "milestone_already_completed", xerrors.ReasonOf(err))
}

func TestLedgerFailureLeavesEscrowUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e4")
	f.ledger.FailNext(ledger.OpPay, 1)

	_, err := f.machine.ProcessMilestone(ctx, "e4", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.Equal(t, domain.CodeLedger, xerrors.CodeOf(err))
	require.True(t, xerrors.RetryableError(err))

	stored, err := f.st.GetEscrow(ctx, "e4")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowActive, stored.Status)
	require.True(t, stored.Paid.IsZero())
	require.Empty(t, stored.CompletedMilestones)
	require.Empty(t, stored.PendingOperation)
	require.Empty(t, stored.Payments)

	_, err = f.machine.ProcessMilestone(ctx, "e4", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)
}

func TestConcurrentMilestoneSubmissionsPayOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e5")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.machine.ProcessMilestone(ctx, "e5", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		require.Equal(t, domain.CodeStateConflict, xerrors.CodeOf(err), err.Error())
	}
	require.Equal(t, 1, successes)
	require.Len(t, f.ledger.Payments(), 1)
	stored, err := f.st.GetEscrow(ctx, "e5")
	require.NoError(t, err)
	require.True(t, stored.Paid.Equal(decimal.RequireFromString("0.4")))
}

func TestCompleteChecksRequirements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e6")
	_, err := f.machine.ProcessMilestone(ctx, "e6", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)

	result, err := f.machine.Complete(ctx, "e6")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowCompleted, result.Escrow.Status)
	require.True(t, result.Payment.Amount.Equal(decimal.RequireFromString("0.6")))
	require.Equal(t, domain.PaymentCompletion, result.Payment.Kind)

	_, err = f.machine.Complete(ctx, "e6")
	require.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestCompleteRejectsTamperedRequirements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.create(t, "e7")
	e.Requirements.Description = "scope creep"
	require.NoError(t, f.st.UpdateEscrow(ctx, e, domain.EscrowActive))

	_, err := f.machine.Complete(ctx, "e7")
	require.Equal(t, domain.CodeRequirementsNotMet, xerrors.CodeOf(err))
	require.Equal(t, "requirements_hash_mismatch", xerrors.MetadataOf(err)["detail"])
}

func TestCustomRequirementsChecker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, escrow.WithRequirementsChecker(escrow.CheckerFunc(func(context.Context, *domain.Escrow) (bool, string, error) {
		return false, "audit_pending", nil
	})))
	f.create(t, "e8")
	_, err := f.machine.Complete(ctx, "e8")
	require.Equal(t, "audit_pending", xerrors.MetadataOf(err)["detail"])
}

func TestDisputeSelectsArbitratorsAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e9")
	_, err := f.machine.ProcessMilestone(ctx, "e9", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)

	d, err := f.machine.HandleDispute(ctx, "e9", escrow.DisputeRequest{ComplainantID: "client", Reason: "late delivery"})
	require.NoError(t, err)
	require.Equal(t, domain.DisputePending, d.Status)
	require.Equal(t, "processor", d.RespondentID)
	require.Len(t, d.Arbitrators, 3)
	for _, a := range d.Arbitrators {
		require.NotEqual(t, "client", a.AgentID)
		msg, err := f.st.GetMessage(ctx, "arbitration_request_"+d.ID+"_"+a.AgentID)
		require.NoError(t, err)
		require.True(t, msg.RequiresResponse)
		require.Equal(t, domain.MessageArbitrationRequest, msg.Type)
	}
	require.Equal(t, f.now.Add(escrow.DefaultResponseWindow), d.ResponseDeadline)

	stored, err := f.st.GetEscrow(ctx, "e9")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowDisputed, stored.Status)

	_, err = f.machine.ProcessMilestone(ctx, "e9", escrow.MilestoneSubmission{Name: "m2", Deliverables: []string{"build", "tests"}})
	require.ErrorIs(t, err, domain.ErrStateConflict)
	_, err = f.machine.HandleDispute(ctx, "e9", escrow.DisputeRequest{ComplainantID: "client", Reason: "again"})
	require.ErrorIs(t, err, domain.ErrStateConflict)

	e, err := f.machine.ResolveDispute(ctx, d.ID, domain.OutcomeRefund)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowFailed, e.Status)
	require.True(t, e.Paid.Equal(e.Amount))
	last := e.Payments[len(e.Payments)-1]
	require.Equal(t, domain.PaymentRefund, last.Kind)
	require.Equal(t, "client", last.Recipient)
	require.True(t, last.Amount.Equal(decimal.RequireFromString("0.6")))

	resolved, err := f.machine.Dispute(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeResolved, resolved.Status)
	require.Equal(t, domain.OutcomeRefund, resolved.Outcome)

	_, err = f.machine.ResolveDispute(ctx, d.ID, domain.OutcomeRelease)
	require.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestDisputeReleasePaysProcessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e10")
	d, err := f.machine.HandleDispute(ctx, "e10", escrow.DisputeRequest{ComplainantID: "processor", Reason: "client unresponsive"})
	require.NoError(t, err)
	require.Equal(t, "client", d.RespondentID)

	_, err = f.machine.ResolveDispute(ctx, d.ID, domain.DisputeOutcome("split"))
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))

	e, err := f.machine.ResolveDispute(ctx, d.ID, domain.OutcomeRelease)
	require.NoError(t, err)
	require.Equal(t, domain.EscrowCompleted, e.Status)
	require.Equal(t, domain.PaymentRelease, e.Payments[0].Kind)
	require.Equal(t, "processor", e.Payments[0].Recipient)
}

func TestDisputeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e11")

	_, err := f.machine.HandleDispute(ctx, "e11", escrow.DisputeRequest{ComplainantID: "arb1", Reason: "meddling"})
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))
	_, err = f.machine.HandleDispute(ctx, "e11", escrow.DisputeRequest{ComplainantID: "client"})
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))
}

func TestWithdrawDisputeReactivatesEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e12")
	d, err := f.machine.HandleDispute(ctx, "e12", escrow.DisputeRequest{ComplainantID: "client", Reason: "scope"})
	require.NoError(t, err)

	_, err = f.machine.WithdrawDispute(ctx, d.ID, "processor")
	require.Equal(t, domain.CodeCapability, xerrors.CodeOf(err))
	require.Equal(t, "not_complainant", xerrors.ReasonOf(err))

	e, err := f.machine.WithdrawDispute(ctx, d.ID, "client")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowActive, e.Status)

	withdrawn, err := f.machine.Dispute(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeWithdrawn, withdrawn.Outcome)

	_, err = f.machine.ProcessMilestone(ctx, "e12", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)
}

func TestExpireEscrowsRefundsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "e13")
	f.create(t, "e14")
	_, err := f.machine.ProcessMilestone(ctx, "e13", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)
	_, err = f.machine.HandleDispute(ctx, "e14", escrow.DisputeRequest{ComplainantID: "client", Reason: "paused"})
	require.NoError(t, err)

	later := f.now.Add(72 * time.Hour)
	n, err := f.machine.ExpireEscrows(ctx, later, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, err := f.st.GetEscrow(ctx, "e13")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowFailed, e.Status)
	require.True(t, e.Paid.Equal(e.Amount))
	require.Equal(t, "client", e.Payments[len(e.Payments)-1].Recipient)

	disputed, err := f.st.GetEscrow(ctx, "e14")
	require.NoError(t, err)
	require.Equal(t, domain.EscrowDisputed, disputed.Status)

	missed, err := f.st.ListActivities(ctx, store.ActivityFilter{AgentID: "processor", Type: domain.ActivityDeadlineMissed})
	require.NoError(t, err)
	require.Len(t, missed, 1)

	n, err = f.machine.ExpireEscrows(ctx, later, 100)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.ledger.Payments(), 2)
}

func TestStalePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.create(t, "e15")
	since := f.now.Add(-time.Hour)
	e.PendingOperation = "milestone:m1"
	e.PendingSince = &since
	require.NoError(t, f.st.UpdateEscrow(ctx, e, domain.EscrowActive))

	stale, err := f.machine.StalePending(ctx, f.now.Add(-10*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "e15", stale[0].ID)

	_, err = f.machine.ProcessMilestone(ctx, "e15", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.Equal(t, "operation_pending", xerrors.ReasonOf(err))
}

func TestClearReservationUnblocksEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.create(t, "e16")

	_, err := f.machine.ClearReservation(ctx, "e16", "")
	require.Equal(t, "no_pending_operation", xerrors.ReasonOf(err))

	since := f.now.Add(-time.Hour)
	e.PendingOperation = "milestone:m1"
	e.PendingSince = &since
	require.NoError(t, f.st.UpdateEscrow(ctx, e, domain.EscrowActive))

	_, err = f.machine.ClearReservation(ctx, "e16", "complete")
	require.Equal(t, "pending_operation_mismatch", xerrors.ReasonOf(err))

	cleared, err := f.machine.ClearReservation(ctx, "e16", "milestone:m1")
	require.NoError(t, err)
	require.Empty(t, cleared.PendingOperation)
	require.Nil(t, cleared.PendingSince)
	require.Equal(t, domain.EscrowActive, cleared.Status)

	stale, err := f.machine.StalePending(ctx, f.now, 100)
	require.NoError(t, err)
	require.Empty(t, stale)

	res, err := f.machine.ProcessMilestone(ctx, "e16", escrow.MilestoneSubmission{Name: "m1", Deliverables: []string{"design"}})
	require.NoError(t, err)
	require.True(t, res.Escrow.Paid.Equal(decimal.RequireFromString("0.4")), res.Escrow.Paid.String())
}
