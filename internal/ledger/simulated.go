package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
)

// ErrInjected 是 Simulated 注入的故障。
var ErrInjected = errors.New("simulated ledger failure")

// Operation 区分账本调用。
type Operation string

const (
	OpDeploy Operation = "deploy"
	OpPay    Operation = "pay"
)

// Simulated 以哈希生成回执的内存账本，支持故障注入并记录全部成功的支付。
type Simulated struct {
	mu          sync.Mutex
	seq         uint64
	failures    map[Operation]int
	deployments []Deployment
	payments    []Payment
	references  map[string]struct{}
}

// NewSimulated 创建 Simulated。
func NewSimulated() *Simulated {
	return &Simulated{failures: make(map[Operation]int), references: make(map[string]struct{})}
}

// FailNext 让接下来 n 次 op 调用返回 ErrInjected。
func (s *Simulated) FailNext(op Operation, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] += n
}

// Deploy 实现 Ledger。
func (s *Simulated) Deploy(ctx context.Context, d Deployment) (Receipt, error) {
	ref, err := s.record(ctx, OpDeploy, d)
	if err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	s.deployments = append(s.deployments, d)
	s.mu.Unlock()
	return Receipt{Reference: ref, Status: StatusConfirmed}, nil
}

// Pay 实现 Ledger。
func (s *Simulated) Pay(ctx context.Context, p Payment) (Receipt, error) {
	if err := p.Validate(); err != nil {
		return Receipt{}, err
	}
	ref, err := s.record(ctx, OpPay, p)
	if err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	s.payments = append(s.payments, p)
	s.mu.Unlock()
	return Receipt{Reference: ref, Status: StatusConfirmed}, nil
}

// Confirm 实现 Confirmer。Simulated 的回执在签发时即已确认。
func (s *Simulated) Confirm(ctx context.Context, reference string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.references[reference]; !ok {
		return "", errors.New("unknown ledger reference " + reference)
	}
	return StatusConfirmed, nil
}

// Payments 返回已成功的支付副本。
func (s *Simulated) Payments() []Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payment(nil), s.payments...)
}

// Deployments 返回已成功的部署副本。
func (s *Simulated) Deployments() []Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Deployment(nil), s.deployments...)
}

func (s *Simulated) record(ctx context.Context, op Operation, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.failures[op] > 0 {
		s.failures[op]--
		s.mu.Unlock()
		return "", ErrInjected
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(op))
	h.Write(raw)
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	ref := "0x" + hex.EncodeToString(h.Sum(nil))
	s.mu.Lock()
	s.references[ref] = struct{}{}
	s.mu.Unlock()
	return ref, nil
}
