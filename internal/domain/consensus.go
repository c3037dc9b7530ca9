package domain

import (
	"strings"
	"time"
)

// Proposal 是提交给共识轮次表决的提案。
type Proposal struct {
	ID          string         `json:"id"`
	ProposerID  string         `json:"proposer_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate 校验提案必填字段。
func (p *Proposal) Validate() error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return Validation("proposal_id", "proposal id is required")
	}
	if strings.TrimSpace(p.ProposerID) == "" {
		return Validation("proposer_id", "proposer id is required")
	}
	return nil
}

// Clone 返回深拷贝。
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Extra = CloneMap(p.Extra)
	return &c
}

// RoundStatus 表示共识轮次状态，VOTING 之外均为终态。
type RoundStatus string

const (
	RoundVoting  RoundStatus = "VOTING"
	RoundPassed  RoundStatus = "PASSED"
	RoundFailed  RoundStatus = "FAILED"
	RoundExpired RoundStatus = "EXPIRED"
)

// Terminal 判断是否为终态。
func (s RoundStatus) Terminal() bool {
	return s == RoundPassed || s == RoundFailed || s == RoundExpired
}

// Voter 记录一名合格投票者在轮次创建时的权重快照。
type Voter struct {
	AgentID         string `json:"agent_id"`
	Weight          int64  `json:"weight"`
	ReputationScore int    `json:"reputation_score"`
}

// Vote 是已投出的一票。
type Vote struct {
	VoterID string    `json:"voter_id"`
	Approve bool      `json:"approve"`
	Weight  int64     `json:"weight"`
	CastAt  time.Time `json:"cast_at"`
}

// Round 是针对单个提案的限时加权投票。
type Round struct {
	ID               string           `json:"id"`
	ProposalID       string           `json:"proposal_id"`
	Status           RoundStatus      `json:"status"`
	ThresholdPercent int64            `json:"threshold_percent"`
	TotalWeight      int64            `json:"total_weight"`
	Voters           []Voter          `json:"voters"`
	Votes            map[string]Vote  `json:"votes"`
	YesWeight        int64            `json:"yes_weight"`
	NoWeight         int64            `json:"no_weight"`
	Deadline         time.Time        `json:"deadline"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	Ineligible       map[string]int64 `json:"ineligible,omitempty"`
}

// ThresholdWeight 返回通过所需的加权票数，按整数向上取整。
func (r *Round) ThresholdWeight() int64 {
	if r == nil {
		return 0
	}
	return (r.TotalWeight*r.ThresholdPercent + 99) / 100
}

// UndecidedWeight 返回尚未投票者的权重之和。
func (r *Round) UndecidedWeight() int64 {
	if r == nil {
		return 0
	}
	return r.TotalWeight - r.YesWeight - r.NoWeight
}

// Voter 查找合格投票者。
func (r *Round) Voter(agentID string) (Voter, bool) {
	if r == nil {
		return Voter{}, false
	}
	for _, v := range r.Voters {
		if v.AgentID == agentID {
			return v, true
		}
	}
	return Voter{}, false
}

// Clone 返回深拷贝。
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	c.Voters = append([]Voter(nil), r.Voters...)
	if r.Votes != nil {
		c.Votes = make(map[string]Vote, len(r.Votes))
		for k, v := range r.Votes {
			c.Votes[k] = v
		}
	}
	if r.Ineligible != nil {
		c.Ineligible = make(map[string]int64, len(r.Ineligible))
		for k, v := range r.Ineligible {
			c.Ineligible[k] = v
		}
	}
	if r.ClosedAt != nil {
		v := *r.ClosedAt
		c.ClosedAt = &v
	}
	return &c
}
