// Package ethereum anchors escrow deployments and payments on an EVM chain.
// A deployment is a zero-value self transaction whose calldata is the keccak
// hash of the deployment payload; a payment is a value transfer to the
// recipient agent's identity address.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/ledger"
)

// Decimals 是链上原生币的精度。
const Decimals = 18

// Backend 是发送交易所需的最小节点能力，ethclient.Client 与模拟后端均满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Ledger 通过签名交易实现 ledger.Ledger。
type Ledger struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer

	// mu 串行化 nonce 分配与广播。
	mu sync.Mutex
}

// New 读取链 ID 并创建 Ledger。
func New(ctx context.Context, backend Backend, key *ecdsa.PrivateKey) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("未配置以太坊节点")
	}
	if key == nil {
		return nil, errors.New("未提供交易签名密钥")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return &Ledger{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// Address 返回签名账户地址。
func (l *Ledger) Address() common.Address {
	return l.from
}

// Deploy 实现 ledger.Ledger。
func (l *Ledger) Deploy(ctx context.Context, d ledger.Deployment) (ledger.Receipt, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("序列化部署载荷失败: %w", err)
	}
	return l.send(ctx, l.from, new(big.Int), crypto.Keccak256(payload))
}

// Pay 实现 ledger.Ledger。
func (l *Ledger) Pay(ctx context.Context, p ledger.Payment) (ledger.Receipt, error) {
	if err := p.Validate(); err != nil {
		return ledger.Receipt{}, err
	}
	if !common.IsHexAddress(p.ToAddress) {
		return ledger.Receipt{}, domain.Validation("to_address", "recipient identity is not an address")
	}
	value, err := ToWei(p.Amount)
	if err != nil {
		return ledger.Receipt{}, err
	}
	memo := crypto.Keccak256([]byte(p.EscrowID + ":" + string(p.Kind) + ":" + p.Milestone))
	return l.send(ctx, common.HexToAddress(p.ToAddress), value, memo)
}

// ToWei 把金额换算为最小单位，拒绝超出精度或 256 位范围的金额。
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, domain.Validation("amount", "amount must not be negative")
	}
	wei := amount.Shift(Decimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, domain.Validation("amount", "amount has more than 18 decimal places")
	}
	v, overflow := uint256.FromBig(wei.BigInt())
	if overflow {
		return nil, domain.Validation("amount", "amount exceeds 256-bit range")
	}
	return v.ToBig(), nil
}

func (l *Ledger) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("查询小费失败: %w", err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("查询最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := l.backend.EstimateGas(ctx, gethcore.CallMsg{From: l.from, To: &to, Value: value, Data: data})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("签名交易失败: %w", err)
	}
	hash := signed.Hash().Hex()
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		if alreadyKnown(err) {
			return ledger.Receipt{Reference: hash, Status: ledger.StatusSubmitted}, nil
		}
		// 广播失败时节点可能已收到交易，重新签名会换 nonce 造成重复转账，因此不可重试。
		return ledger.Receipt{}, xerrors.Wrap(domain.CodeLedger, err, "交易广播结果未知",
			xerrors.WithReason("broadcast_unknown"),
			xerrors.WithRetryable(false),
			xerrors.WithAlert(true),
			xerrors.WithMetadata("tx_hash", hash),
			xerrors.WithMetadata("nonce", fmt.Sprint(nonce)),
		)
	}
	return ledger.Receipt{Reference: hash, Status: ledger.StatusSubmitted}, nil
}

// alreadyKnown 识别节点对重复广播的回复，geth 与多数兼容节点使用相同文案。
func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Confirm 实现 ledger.Confirmer：按交易回执判断成功或失败，尚未出块返回 submitted。
func (l *Ledger) Confirm(ctx context.Context, reference string) (ledger.Status, error) {
	if len(reference) != 2+2*common.HashLength || !strings.HasPrefix(reference, "0x") {
		return "", domain.Validation("reference", "reference is not a transaction hash")
	}
	receipt, err := l.backend.TransactionReceipt(ctx, common.HexToHash(reference))
	if errors.Is(err, gethcore.NotFound) {
		return ledger.StatusSubmitted, nil
	}
	if err != nil {
		return "", fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ledger.StatusConfirmed, nil
	}
	return ledger.StatusFailed, nil
}
