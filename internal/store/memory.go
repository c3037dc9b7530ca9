package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"A2A-Chain/internal/domain"
)

// MemoryStore 以内存方式保存全部实体，读写均返回副本，主要用于测试与单机部署。
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*domain.Agent
	activities  []*domain.Activity
	messages    map[string]*domain.Message
	proposals   map[string]*domain.Proposal
	rounds      map[string]*domain.Round
	roundByProp map[string]string
	escrows     map[string]*domain.Escrow
	disputes    map[string]*domain.Dispute
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*domain.Agent),
		messages:    make(map[string]*domain.Message),
		proposals:   make(map[string]*domain.Proposal),
		rounds:      make(map[string]*domain.Round),
		roundByProp: make(map[string]string),
		escrows:     make(map[string]*domain.Escrow),
		disputes:    make(map[string]*domain.Dispute),
	}
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// GetAgent 返回智能体。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, domain.NotFound("agent", id)
	}
	return agent.Clone(), nil
}

// PutAgent 新增或覆盖智能体。
func (m *MemoryStore) PutAgent(_ context.Context, agent *domain.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	clone := agent.Clone()
	if existing, ok := m.agents[agent.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.agents[agent.ID] = clone
	agent.CreatedAt, agent.UpdatedAt = clone.CreatedAt, clone.UpdatedAt
	return nil
}

// ListAgents 按 ID 升序返回匹配的智能体。
func (m *MemoryStore) ListAgents(_ context.Context, filter AgentFilter) ([]*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if filter.match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, filter.Limit), nil
}

// AppendActivity 追加活动记录。
func (m *MemoryStore) AppendActivity(_ context.Context, activity *domain.Activity) error {
	if err := activity.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.ID == activity.ID {
			return ErrDuplicate
		}
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	m.activities = append(m.activities, activity.Clone())
	return nil
}

// ListActivities 按时间倒序返回活动。
func (m *MemoryStore) ListActivities(_ context.Context, filter ActivityFilter) ([]*domain.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Activity, 0)
	for _, a := range m.activities {
		if filter.match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, filter.Limit), nil
}

// SetActivityStatus 条件更新活动状态。
func (m *MemoryStore) SetActivityStatus(_ context.Context, id string, from, to domain.ActivityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.activities {
		if a.ID != id {
			continue
		}
		if a.Status != from {
			return domain.StateConflict("activity", id, string(from), string(a.Status))
		}
		next := a.Clone()
		next.Status = to
		m.activities[i] = next
		return nil
	}
	return domain.NotFound("activity", id)
}

// InsertMessage 保存消息。
func (m *MemoryStore) InsertMessage(_ context.Context, msg *domain.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.ID] = msg.Clone()
	return nil
}

// GetMessage 返回消息。
func (m *MemoryStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, domain.NotFound("message", id)
	}
	return msg.Clone(), nil
}

// AttachRouting 写入路由信息。
func (m *MemoryStore) AttachRouting(_ context.Context, id string, routing domain.RoutingMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.NotFound("message", id)
	}
	if msg.Metadata.Routing != nil {
		return domain.StateConflict("message", id, "unrouted", string(msg.Metadata.Routing.Outcome))
	}
	r := routing
	r.ParallelProcessors = append([]string(nil), routing.ParallelProcessors...)
	msg.Metadata.Routing = &r
	return nil
}

// MarkDelivered 记录投递时间，重复调用保持首次时间。
func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.NotFound("message", id)
	}
	if msg.DeliveredAt == nil {
		t := at
		msg.DeliveredAt = &t
	}
	return nil
}

// InsertProposal 保存提案。
func (m *MemoryStore) InsertProposal(_ context.Context, proposal *domain.Proposal) error {
	if err := proposal.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[proposal.ID]; ok {
		return ErrDuplicate
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = time.Now().UTC()
	}
	m.proposals[proposal.ID] = proposal.Clone()
	return nil
}

// GetProposal 返回提案。
func (m *MemoryStore) GetProposal(_ context.Context, id string) (*domain.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	return p.Clone(), nil
}

// InsertRound 保存轮次，同一提案重复创建返回 ErrDuplicate。
func (m *MemoryStore) InsertRound(_ context.Context, round *domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[round.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.roundByProp[round.ProposalID]; ok {
		return ErrDuplicate
	}
	m.rounds[round.ID] = round.Clone()
	m.roundByProp[round.ProposalID] = round.ID
	return nil
}

// GetRound 返回轮次。
func (m *MemoryStore) GetRound(_ context.Context, id string) (*domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, domain.NotFound("round", id)
	}
	return r.Clone(), nil
}

// GetRoundByProposal 返回提案对应的轮次。
func (m *MemoryStore) GetRoundByProposal(_ context.Context, proposalID string) (*domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roundByProp[proposalID]
	if !ok {
		return nil, domain.NotFound("round", proposalID)
	}
	return m.rounds[id].Clone(), nil
}

// UpdateRound 条件更新轮次。
func (m *MemoryStore) UpdateRound(_ context.Context, round *domain.Round, expected domain.RoundStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rounds[round.ID]
	if !ok {
		return domain.NotFound("round", round.ID)
	}
	if current.Status != expected || current.Version != round.Version {
		return casConflict("round", round.ID, string(expected), string(current.Status))
	}
	round.Version++
	m.rounds[round.ID] = round.Clone()
	return nil
}

// ListRounds 按截止时间升序返回轮次。
func (m *MemoryStore) ListRounds(_ context.Context, filter RoundFilter) ([]*domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Round, 0)
	for _, r := range m.rounds {
		if filter.match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return truncate(out, filter.Limit), nil
}

// InsertEscrow 保存托管。
func (m *MemoryStore) InsertEscrow(_ context.Context, escrow *domain.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrDuplicate
	}
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

// GetEscrow 返回托管。
func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*domain.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, domain.NotFound("escrow", id)
	}
	return e.Clone(), nil
}

// UpdateEscrow 条件更新托管。
func (m *MemoryStore) UpdateEscrow(_ context.Context, escrow *domain.Escrow, expected domain.EscrowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[escrow.ID]
	if !ok {
		return domain.NotFound("escrow", escrow.ID)
	}
	if current.Status != expected || current.Version != escrow.Version {
		return casConflict("escrow", escrow.ID, string(expected), string(current.Status))
	}
	escrow.Version++
	escrow.UpdatedAt = time.Now().UTC()
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

// ListEscrows 按截止时间升序返回托管。
func (m *MemoryStore) ListEscrows(_ context.Context, filter EscrowFilter) ([]*domain.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Escrow, 0)
	for _, e := range m.escrows {
		if filter.match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return truncate(out, filter.Limit), nil
}

// InsertDispute 保存争议。
func (m *MemoryStore) InsertDispute(_ context.Context, dispute *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[dispute.ID]; ok {
		return ErrDuplicate
	}
	m.disputes[dispute.ID] = dispute.Clone()
	return nil
}

// GetDispute 返回争议。
func (m *MemoryStore) GetDispute(_ context.Context, id string) (*domain.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, domain.NotFound("dispute", id)
	}
	return d.Clone(), nil
}

// UpdateDispute 条件更新争议。
func (m *MemoryStore) UpdateDispute(_ context.Context, dispute *domain.Dispute, expected domain.DisputeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.disputes[dispute.ID]
	if !ok {
		return domain.NotFound("dispute", dispute.ID)
	}
	if current.Status != expected || current.Version != dispute.Version {
		return casConflict("dispute", dispute.ID, string(expected), string(current.Status))
	}
	dispute.Version++
	m.disputes[dispute.ID] = dispute.Clone()
	return nil
}

// ListDisputes 按答复截止时间升序返回争议。
func (m *MemoryStore) ListDisputes(_ context.Context, filter DisputeFilter) ([]*domain.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Dispute, 0)
	for _, d := range m.disputes {
		if filter.match(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(out[j].ResponseDeadline) })
	return truncate(out, filter.Limit), nil
}

func truncate[T any](items []T, limit int) []T {
	limit = normalizeLimit(limit)
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
