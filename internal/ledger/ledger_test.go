package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
)

type captureAlerts struct{ events []alerting.Event }

func (c *captureAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.events = append(c.events, e)
	return nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func payment() Payment {
	return Payment{EscrowID: "e-1", From: "escrow", To: "processor", ToAddress: "0x01", Amount: decimal.RequireFromString("1.5"), Kind: domain.PaymentMilestone}
}

func TestSimulatedReferencesAreUnique(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	a, err := sim.Pay(ctx, payment())
	require.NoError(t, err)
	b, err := sim.Pay(ctx, payment())
	require.NoError(t, err)
	require.NotEqual(t, a.Reference, b.Reference)
	require.Equal(t, StatusConfirmed, a.Status)
	require.Len(t, sim.Payments(), 2)
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	sim := NewSimulated()
	sim.FailNext(OpPay, 2)
	alerts := &captureAlerts{}
	r := NewRetrying(sim, fastPolicy(3), WithAlerts(alerts))

	receipt, err := r.Pay(context.Background(), payment())
	require.NoError(t, err)
	require.NotEmpty(t, receipt.Reference)
	require.Len(t, sim.Payments(), 1)
	require.Empty(t, alerts.events)
}

func TestRetryingExhaustionAlerts(t *testing.T) {
	sim := NewSimulated()
	sim.FailNext(OpDeploy, 5)
	alerts := &captureAlerts{}
	r := NewRetrying(sim, fastPolicy(3), WithAlerts(alerts), WithRateLimit(1000, 10))

	_, err := r.Deploy(context.Background(), Deployment{EscrowID: "e-1"})
	require.Error(t, err)
	require.Equal(t, domain.CodeLedger, xerrors.CodeOf(err))
	require.Equal(t, "ledger_deploy_failed", xerrors.ReasonOf(err))
	require.ErrorIs(t, err, ErrInjected)
	require.Len(t, alerts.events, 1)
	require.Equal(t, 3, alerts.events[0].Attempts)
	require.Empty(t, sim.Deployments())

	// 剩余的两次注入故障仍然生效，说明只尝试了三次。
	sim.FailNext(OpDeploy, -2)
	_, err = r.Deploy(context.Background(), Deployment{EscrowID: "e-2"})
	require.NoError(t, err)
}

func TestRetryingDoesNotRetryValidation(t *testing.T) {
	sim := NewSimulated()
	r := NewRetrying(sim, fastPolicy(5))
	p := payment()
	p.Amount = decimal.Zero
	_, err := r.Pay(context.Background(), p)
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))
}
