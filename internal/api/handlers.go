package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/escrow"
	"A2A-Chain/internal/store"
)

const maxBodyBytes = 1 << 20

// envelope 是所有 POST 动作共有的外层字段。
type envelope struct {
	Action string `json:"action"`
}

type escrowRef struct {
	EscrowID string `json:"escrow_id"`
}

type milestoneRequest struct {
	EscrowID string `json:"escrow_id"`
	escrow.MilestoneSubmission
}

type disputeRequest struct {
	EscrowID string `json:"escrow_id"`
	escrow.DisputeRequest
}

type withdrawRequest struct {
	DisputeID     string `json:"dispute_id"`
	ComplainantID string `json:"complainant_id"`
}

type messageRequest struct {
	MessageID string          `json:"message_id"`
	Message   *domain.Message `json:"message,omitempty"`
}

type proposalRequest struct {
	ProposalID string           `json:"proposal_id"`
	Proposal   *domain.Proposal `json:"proposal,omitempty"`
}

type voteRequest struct {
	RoundID string `json:"round_id"`
	VoterID string `json:"voter_id"`
	Approve *bool  `json:"approve"`
}

type arbitrationVoteRequest struct {
	DisputeID    string                `json:"dispute_id"`
	ArbitratorID string                `json:"arbitrator_id"`
	Decision     domain.DisputeOutcome `json:"decision"`
}

// readAction 读取请求体并返回动作名与原始 JSON，动作对应的结构体再从原始 JSON 解码。
func readAction(r *http.Request) (string, json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体读取失败", xerrors.WithReason("invalid_body"))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败", xerrors.WithReason("invalid_json"))
	}
	if strings.TrimSpace(env.Action) == "" {
		return "", nil, badRequest("action", "action is required")
	}
	return env.Action, raw, nil
}

func decode(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败", xerrors.WithReason("invalid_json"))
	}
	return nil
}

func unknownAction(action string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "unknown action: "+action,
		xerrors.WithReason("unknown_action"),
		xerrors.WithMetadata("action", action))
}

func unavailable(service string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, service+" 未初始化",
		xerrors.WithReason("service_unavailable"),
		xerrors.WithMetadata("service", service))
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return badRequest(field, field+" is required")
	}
	return nil
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	action, raw, err := readAction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.svc.Escrow == nil {
		writeError(w, unavailable("escrow"))
		return
	}
	ctx := r.Context()
	svc := s.svc.Escrow

	switch action {
	case "create_escrow":
		var req escrow.CreateRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		e, err := svc.Create(ctx, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"escrow_id": e.ID, "contract_address": e.ContractAddress, "escrow": e})

	case "process_milestone":
		var req milestoneRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := required("escrow_id", req.EscrowID); err != nil {
			writeError(w, err)
			return
		}
		res, err := svc.ProcessMilestone(ctx, req.EscrowID, req.MilestoneSubmission)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"escrow": res.Escrow, "payment": res.Payment, "status": res.Escrow.Status})

	case "handle_dispute":
		var req disputeRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := required("escrow_id", req.EscrowID); err != nil {
			writeError(w, err)
			return
		}
		d, err := svc.HandleDispute(ctx, req.EscrowID, req.DisputeRequest)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"dispute_id": d.ID, "dispute": d, "arbitrators": d.Arbitrators})

	case "complete_escrow":
		var req escrowRef
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := required("escrow_id", req.EscrowID); err != nil {
			writeError(w, err)
			return
		}
		res, err := svc.Complete(ctx, req.EscrowID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"escrow": res.Escrow, "payment": res.Payment, "status": res.Escrow.Status})

	case "withdraw_dispute":
		var req withdrawRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := required("dispute_id", req.DisputeID); err != nil {
			writeError(w, err)
			return
		}
		e, err := svc.WithdrawDispute(ctx, req.DisputeID, req.ComplainantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"escrow": e, "status": e.Status})

	default:
		writeError(w, unknownAction(action))
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	action, raw, err := readAction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	switch action {
	case "process_message":
		if s.svc.Router == nil {
			writeError(w, unavailable("router"))
			return
		}
		var req messageRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		id := req.MessageID
		if req.Message != nil {
			if s.svc.Inbox == nil {
				writeError(w, unavailable("inbox"))
				return
			}
			if err := s.svc.Inbox.InsertMessage(ctx, req.Message); err != nil && !stdErrors.Is(err, store.ErrDuplicate) {
				writeError(w, err)
				return
			}
			id = req.Message.ID
		}
		if err := required("message_id", id); err != nil {
			writeError(w, err)
			return
		}
		routing, err := s.svc.Router.ProcessMessage(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		if routing.Outcome != domain.RoutingRouted {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":    false,
				"error":      "message rejected by router",
				"reason":     routing.Reason,
				"message_id": id,
				"routing":    routing,
			})
			return
		}
		writeSuccess(w, map[string]any{"message_id": id, "routing": routing})

	case "process_proposal":
		if s.svc.Consensus == nil {
			writeError(w, unavailable("consensus"))
			return
		}
		var req proposalRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		var (
			round *domain.Round
			err   error
		)
		if req.Proposal != nil {
			round, err = s.svc.Consensus.Propose(ctx, req.Proposal)
		} else {
			if err := required("proposal_id", req.ProposalID); err != nil {
				writeError(w, err)
				return
			}
			round, err = s.svc.Consensus.ProcessProposal(ctx, req.ProposalID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"round_id": round.ID, "round": round, "eligible_voters": len(round.Voters)})

	default:
		writeError(w, unknownAction(action))
	}
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	action, raw, err := readAction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	switch action {
	case "cast_vote":
		if s.svc.Consensus == nil {
			writeError(w, unavailable("consensus"))
			return
		}
		var req voteRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := required("round_id", req.RoundID); err != nil {
			writeError(w, err)
			return
		}
		if err := required("voter_id", req.VoterID); err != nil {
			writeError(w, err)
			return
		}
		if req.Approve == nil {
			writeError(w, badRequest("approve", "approve is required"))
			return
		}
		round, err := s.svc.Consensus.CastVote(ctx, req.RoundID, req.VoterID, *req.Approve)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"round": round, "status": round.Status})

	case "cast_arbitration_vote":
		if s.svc.Arbitration == nil {
			writeError(w, unavailable("arbitration"))
			return
		}
		var req arbitrationVoteRequest
		if err := decode(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := required("dispute_id", req.DisputeID); err != nil {
			writeError(w, err)
			return
		}
		if err := required("arbitrator_id", req.ArbitratorID); err != nil {
			writeError(w, err)
			return
		}
		res, err := s.svc.Arbitration.CastVote(ctx, req.DisputeID, req.ArbitratorID, req.Decision)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]any{"dispute": res.Dispute, "outcome": res.Outcome, "escrow": res.Escrow})

	default:
		writeError(w, unknownAction(action))
	}
}

// writeLookupError 对读取接口把不存在映射为 404。
func writeLookupError(w http.ResponseWriter, err error) {
	if stdErrors.Is(err, domain.ErrNotFound) || stdErrors.Is(err, domain.ErrProposalNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:   "not found",
			Code:    xerrors.CodeOf(err),
			Reason:  xerrors.ReasonOf(err),
			Details: xerrors.MetadataOf(err),
		})
		return
	}
	writeError(w, err)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	if s.svc.Escrow == nil {
		writeError(w, unavailable("escrow"))
		return
	}
	e, err := s.svc.Escrow.Escrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeSuccess(w, map[string]any{"escrow": e})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	if s.svc.Escrow == nil {
		writeError(w, unavailable("escrow"))
		return
	}
	d, err := s.svc.Escrow.Dispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeSuccess(w, map[string]any{"dispute": d})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	if s.svc.Consensus == nil {
		writeError(w, unavailable("consensus"))
		return
	}
	round, err := s.svc.Consensus.Round(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeSuccess(w, map[string]any{"round": round, "threshold_weight": round.ThresholdWeight()})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	if s.svc.Directory == nil {
		writeError(w, unavailable("directory"))
		return
	}
	ctx := r.Context()
	a, err := s.svc.Directory.Agent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	rep, err := s.svc.Directory.Reputation(ctx, a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]any{"reputation": rep})
}
