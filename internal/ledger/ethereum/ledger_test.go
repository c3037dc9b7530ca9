package ethereum

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/ledger"
)

func TestLedgerOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))

	sim := simulated.NewBackend(types.GenesisAlloc{from: {Balance: funds}})
	t.Cleanup(func() { _ = sim.Close() })
	client := sim.Client()

	l, err := New(ctx, client, key)
	require.NoError(t, err)
	require.Equal(t, from, l.Address())

	deployed, err := l.Deploy(ctx, ledger.Deployment{EscrowID: "escrow-1", ContractAddress: agent.HashID("escrow:escrow-1:a:b")})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSubmitted, deployed.Status)
	sim.Commit()

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(deployed.Reference))
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	status, err := l.Confirm(ctx, deployed.Reference)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, status)

	recipient := agent.DeterministicID("processor")
	paid, err := l.Pay(ctx, ledger.Payment{
		EscrowID:  "escrow-1",
		To:        "processor",
		ToAddress: recipient,
		Amount:    decimal.RequireFromString("1.5"),
		Kind:      domain.PaymentMilestone,
		Milestone: "m1",
	})
	require.NoError(t, err)
	sim.Commit()

	receipt, err = client.TransactionReceipt(ctx, common.HexToHash(paid.Reference))
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	balance, err := client.BalanceAt(ctx, common.HexToAddress(recipient), nil)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", balance.String())
}

type flakyNode struct {
	sendErr    error
	receipts   map[common.Hash]*types.Receipt
	nonceReads int
	sends      int
}

func (n *flakyNode) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (n *flakyNode) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.nonceReads++
	return uint64(n.nonceReads), nil
}

func (n *flakyNode) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (n *flakyNode) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (n *flakyNode) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) { return 21000, nil }

func (n *flakyNode) SendTransaction(context.Context, *types.Transaction) error {
	n.sends++
	return n.sendErr
}

func (n *flakyNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if r, ok := n.receipts[hash]; ok {
		return r, nil
	}
	return nil, gethcore.NotFound
}

func ethPayment() ledger.Payment {
	return ledger.Payment{
		EscrowID:  "escrow-1",
		To:        "processor",
		ToAddress: agent.DeterministicID("processor"),
		Amount:    decimal.RequireFromString("1"),
		Kind:      domain.PaymentCompletion,
	}
}

func TestAmbiguousBroadcastIsNotRetried(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := &flakyNode{sendErr: errors.New("read tcp: i/o timeout")}
	l, err := New(ctx, node, key)
	require.NoError(t, err)

	r := ledger.NewRetrying(l, ledger.RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	_, err = r.Pay(ctx, ethPayment())
	require.Error(t, err)
	require.Equal(t, 1, node.sends)
	require.Equal(t, 1, node.nonceReads)
	require.Equal(t, domain.CodeLedger, xerrors.CodeOf(err))
	require.False(t, xerrors.RetryableError(err))
	require.NotEmpty(t, xerrors.MetadataOf(err)["tx_hash"])
}

func TestAlreadyKnownBroadcastIsSubmitted(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := &flakyNode{sendErr: errors.New("already known")}
	l, err := New(ctx, node, key)
	require.NoError(t, err)

	receipt, err := l.Pay(ctx, ethPayment())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSubmitted, receipt.Status)
	require.Equal(t, 1, node.sends)
}

func TestConfirmReadsTransactionReceipt(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	node := &flakyNode{receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful},
		reverted: {Status: types.ReceiptStatusFailed},
	}}
	l, err := New(ctx, node, key)
	require.NoError(t, err)

	status, err := l.Confirm(ctx, ok.Hex())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, status)

	status, err = l.Confirm(ctx, reverted.Hex())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, status)

	status, err = l.Confirm(ctx, common.HexToHash("0x03").Hex())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSubmitted, status)

	_, err = l.Confirm(ctx, "not-a-hash")
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))
}

func TestToWeiRejectsUnrepresentableAmounts(t *testing.T) {
	wei, err := ToWei(decimal.RequireFromString("0.000000000000000001"))
	require.NoError(t, err)
	require.Equal(t, int64(1), wei.Int64())

	_, err = ToWei(decimal.RequireFromString("0.0000000000000000001"))
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))

	_, err = ToWei(decimal.New(1, 60))
	require.Equal(t, domain.CodeValidation, xerrors.CodeOf(err))
}

func TestChainDefinitionsResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: local
chains:
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
    chain_id: 1337
  solana:
    type: svm
    rpc_url: http://example
`), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)

	name, def, err := defs.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "local", name)
	require.Equal(t, int64(1337), def.ChainID)

	_, _, err = defs.Resolve("solana")
	require.Error(t, err)
	_, _, err = defs.Resolve("missing")
	require.Error(t, err)
}
