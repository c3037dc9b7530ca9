package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Config 描述 SQL 存储的连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type dialect struct {
	driver        string
	migrationsDir string
	upsertAgent   string
	duplicate     func(error) bool
}

var (
	mysqlDialect = dialect{
		driver:        "mysql",
		migrationsDir: "mysql",
		upsertAgent: `INSERT INTO agents (id, status, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), body = VALUES(body), updated_at = VALUES(updated_at)`,
		duplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	}
	sqliteDialect = dialect{
		driver:        "sqlite",
		migrationsDir: "sqlite",
		upsertAgent: `INSERT INTO agents (id, status, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`,
		duplicate: func(err error) bool {
			var sqliteErr *sqlite.Error
			return stdErrors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
		},
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrUnsupportedDriver, "未知的存储驱动: "+driver)
	}
}

// SQLStore 基于 database/sql 的持久化实现，支持 MySQL 与 SQLite。
// 复杂字段以 JSON 文档保存在 body 列，查询与条件更新所需字段单独成列。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQL 打开数据库连接并执行内嵌迁移。
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, d.driver+" DSN 不能为空")
	}

	dsn := cfg.DSN
	if d.driver == "sqlite" && !strings.Contains(dsn, "?") && dsn != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, storageFailure(err, "连接数据库失败")
	}

	if d.driver == "sqlite" {
		// SQLite 只允许一个写连接。
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageFailure(err, "无法连接到数据库")
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *SQLStore) exec(ctx context.Context, message, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		if s.dialect.duplicate(err) {
			return 0, ErrDuplicate
		}
		return 0, storageFailure(err, message)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageFailure(err, "获取影响行数失败")
	}
	return affected, nil
}

func (s *SQLStore) loadBody(ctx context.Context, query string, arg any, missing func() error, dst any) error {
	var body string
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&body); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return missing()
		}
		return storageFailure(err, "查询记录失败")
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return storageFailure(err, "解析记录失败")
	}
	return nil
}

func queryBodies[T any](ctx context.Context, s *SQLStore, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFailure(err, "查询记录列表失败")
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storageFailure(err, "读取记录失败")
		}
		item := new(T)
		if err := json.Unmarshal([]byte(body), item); err != nil {
			return nil, storageFailure(err, "解析记录失败")
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "遍历记录失败")
	}
	return out, nil
}

// currentStatus 在条件更新失败后读取实体当前状态，用于生成冲突错误。
func (s *SQLStore) currentStatus(ctx context.Context, table, kind, id string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT status FROM %s WHERE id = ?", table), id).Scan(&status)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", domain.NotFound(kind, id)
		}
		return "", storageFailure(err, "查询状态失败")
	}
	return status, nil
}

// GetAgent 返回智能体。
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	err := s.loadBody(ctx, `SELECT body FROM agents WHERE id = ?`, id,
		func() error { return domain.NotFound("agent", id) }, &agent)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// PutAgent 新增或覆盖智能体，保留首次创建时间。
func (s *SQLStore) PutAgent(ctx context.Context, agent *domain.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if existing, err := s.GetAgent(ctx, agent.ID); err == nil {
		agent.CreatedAt = existing.CreatedAt
	} else if !stdErrors.Is(err, domain.ErrNotFound) {
		return err
	} else if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	body, err := json.Marshal(agent)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码智能体失败")
	}
	_, err = s.exec(ctx, "写入智能体失败", s.dialect.upsertAgent,
		agent.ID, string(agent.Status), string(body), millis(agent.CreatedAt), millis(agent.UpdatedAt))
	return err
}

// ListAgents 按 ID 升序返回匹配的智能体。
func (s *SQLStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*domain.Agent, error) {
	var clauses []string
	var args []any
	if filter.ActiveOnly {
		clauses = append(clauses, "status = ?")
		args = append(args, string(domain.AgentActive))
	}
	if filter.AfterID != "" {
		clauses = append(clauses, "id > ?")
		args = append(args, filter.AfterID)
	}
	query := `SELECT body FROM agents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id ASC`
	all, err := queryBodies[domain.Agent](ctx, s, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Agent, 0, len(all))
	for _, a := range all {
		if filter.match(a) {
			out = append(out, a)
		}
	}
	return truncate(out, filter.Limit), nil
}

// AppendActivity 追加活动记录。
func (s *SQLStore) AppendActivity(ctx context.Context, activity *domain.Activity) error {
	if err := activity.Validate(); err != nil {
		return err
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码活动失败")
	}
	_, err = s.exec(ctx, "写入活动失败",
		`INSERT INTO activities (id, agent_id, type, status, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		activity.ID, activity.AgentID, string(activity.Type), string(activity.Status), string(body), millis(activity.CreatedAt))
	return err
}

// ListActivities 按时间倒序返回活动。
func (s *SQLStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]*domain.Activity, error) {
	var clauses []string
	var args []any
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, millis(filter.Since))
	}
	query := `SELECT body FROM activities`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))
	return queryBodies[domain.Activity](ctx, s, query, args...)
}

// SetActivityStatus 条件更新活动状态，body 中的状态同步改写。
func (s *SQLStore) SetActivityStatus(ctx context.Context, id string, from, to domain.ActivityStatus) error {
	var activity domain.Activity
	err := s.loadBody(ctx, `SELECT body FROM activities WHERE id = ?`, id,
		func() error { return domain.NotFound("activity", id) }, &activity)
	if err != nil {
		return err
	}
	if activity.Status != from {
		return domain.StateConflict("activity", id, string(from), string(activity.Status))
	}
	activity.Status = to
	body, err := json.Marshal(&activity)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码活动失败")
	}
	affected, err := s.exec(ctx, "更新活动状态失败",
		`UPDATE activities SET status = ?, body = ? WHERE id = ? AND status = ?`,
		string(to), string(body), id, string(from))
	if err != nil {
		return err
	}
	if affected == 0 {
		actual, err := s.currentStatus(ctx, "activities", "activity", id)
		if err != nil {
			return err
		}
		return casConflict("activity", id, string(from), actual)
	}
	return nil
}

// InsertMessage 保存消息。路由信息与投递时间单独成列。
func (s *SQLStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	doc := msg.Clone()
	doc.Metadata.Routing = nil
	doc.DeliveredAt = nil
	body, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息失败")
	}
	_, err = s.exec(ctx, "写入消息失败",
		`INSERT INTO messages (id, sender_id, type, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, string(msg.Type), string(body), millis(msg.CreatedAt))
	return err
}

// GetMessage 返回消息。
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var (
		body      string
		routing   sql.NullString
		delivered sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT body, routing, delivered_at FROM messages WHERE id = ?`, id).
		Scan(&body, &routing, &delivered)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("message", id)
		}
		return nil, storageFailure(err, "查询消息失败")
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, storageFailure(err, "解析消息失败")
	}
	if routing.Valid && routing.String != "" {
		var r domain.RoutingMetadata
		if err := json.Unmarshal([]byte(routing.String), &r); err != nil {
			return nil, storageFailure(err, "解析路由信息失败")
		}
		msg.Metadata.Routing = &r
	}
	if delivered.Valid {
		t := time.UnixMilli(delivered.Int64).UTC()
		msg.DeliveredAt = &t
	}
	return &msg, nil
}

// AttachRouting 写入路由信息，仅允许一次。
func (s *SQLStore) AttachRouting(ctx context.Context, id string, routing domain.RoutingMetadata) error {
	body, err := json.Marshal(routing)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码路由信息失败")
	}
	affected, err := s.exec(ctx, "写入路由信息失败",
		`UPDATE messages SET routing = ? WHERE id = ? AND routing IS NULL`, string(body), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		msg, getErr := s.GetMessage(ctx, id)
		if getErr != nil {
			return getErr
		}
		actual := "routed"
		if msg.Metadata.Routing != nil {
			actual = string(msg.Metadata.Routing.Outcome)
		}
		return domain.StateConflict("message", id, "unrouted", actual)
	}
	return nil
}

// MarkDelivered 记录投递时间，重复调用保持首次时间。
func (s *SQLStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	affected, err := s.exec(ctx, "更新投递时间失败",
		`UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`, millis(at), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// InsertProposal 保存提案。
func (s *SQLStore) InsertProposal(ctx context.Context, proposal *domain.Proposal) error {
	if err := proposal.Validate(); err != nil {
		return err
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(proposal)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案失败")
	}
	_, err = s.exec(ctx, "写入提案失败",
		`INSERT INTO proposals (id, proposer_id, body, created_at) VALUES (?, ?, ?, ?)`,
		proposal.ID, proposal.ProposerID, string(body), millis(proposal.CreatedAt))
	return err
}

// GetProposal 返回提案。
func (s *SQLStore) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	var p domain.Proposal
	err := s.loadBody(ctx, `SELECT body FROM proposals WHERE id = ?`, id,
		func() error { return domain.ErrProposalNotFound }, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertRound 保存轮次。
func (s *SQLStore) InsertRound(ctx context.Context, round *domain.Round) error {
	body, err := json.Marshal(round)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码轮次失败")
	}
	now := millis(time.Now())
	_, err = s.exec(ctx, "写入轮次失败",
		`INSERT INTO consensus_rounds (id, proposal_id, status, deadline, version, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		round.ID, round.ProposalID, string(round.Status), millis(round.Deadline), round.Version, string(body), now, now)
	return err
}

// GetRound 返回轮次。
func (s *SQLStore) GetRound(ctx context.Context, id string) (*domain.Round, error) {
	var r domain.Round
	err := s.loadBody(ctx, `SELECT body FROM consensus_rounds WHERE id = ?`, id,
		func() error { return domain.NotFound("round", id) }, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRoundByProposal 返回提案对应的轮次。
func (s *SQLStore) GetRoundByProposal(ctx context.Context, proposalID string) (*domain.Round, error) {
	var r domain.Round
	err := s.loadBody(ctx, `SELECT body FROM consensus_rounds WHERE proposal_id = ?`, proposalID,
		func() error { return domain.NotFound("round", proposalID) }, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRound 条件更新轮次。
func (s *SQLStore) UpdateRound(ctx context.Context, round *domain.Round, expected domain.RoundStatus) error {
	next := round.Clone()
	next.Version = round.Version + 1
	body, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码轮次失败")
	}
	affected, err := s.exec(ctx, "更新轮次失败",
		`UPDATE consensus_rounds SET status = ?, deadline = ?, version = ?, body = ?, updated_at = ?
        WHERE id = ? AND status = ? AND version = ?`,
		string(next.Status), millis(next.Deadline), next.Version, string(body), millis(time.Now()),
		round.ID, string(expected), round.Version)
	if err != nil {
		return err
	}
	if affected == 0 {
		actual, err := s.currentStatus(ctx, "consensus_rounds", "round", round.ID)
		if err != nil {
			return err
		}
		return casConflict("round", round.ID, string(expected), actual)
	}
	round.Version = next.Version
	return nil
}

// ListRounds 按截止时间升序返回轮次。
func (s *SQLStore) ListRounds(ctx context.Context, filter RoundFilter) ([]*domain.Round, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.DeadlineBefore.IsZero() {
		clauses = append(clauses, "deadline < ?")
		args = append(args, millis(filter.DeadlineBefore))
	}
	query := `SELECT body FROM consensus_rounds`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY deadline ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))
	return queryBodies[domain.Round](ctx, s, query, args...)
}

// InsertEscrow 保存托管。
func (s *SQLStore) InsertEscrow(ctx context.Context, escrow *domain.Escrow) error {
	body, err := json.Marshal(escrow)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码托管失败")
	}
	_, err = s.exec(ctx, "写入托管失败",
		`INSERT INTO escrows (id, task_id, client_id, processor_id, status, deadline, version, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		escrow.ID, escrow.TaskID, escrow.ClientID, escrow.ProcessorID, string(escrow.Status),
		millis(escrow.Deadline), escrow.Version, string(body), millis(escrow.CreatedAt), millis(escrow.UpdatedAt))
	return err
}

// GetEscrow 返回托管。
func (s *SQLStore) GetEscrow(ctx context.Context, id string) (*domain.Escrow, error) {
	var e domain.Escrow
	err := s.loadBody(ctx, `SELECT body FROM escrows WHERE id = ?`, id,
		func() error { return domain.NotFound("escrow", id) }, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEscrow 条件更新托管。
func (s *SQLStore) UpdateEscrow(ctx context.Context, escrow *domain.Escrow, expected domain.EscrowStatus) error {
	next := escrow.Clone()
	next.Version = escrow.Version + 1
	next.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码托管失败")
	}
	affected, err := s.exec(ctx, "更新托管失败",
		`UPDATE escrows SET status = ?, deadline = ?, version = ?, body = ?, updated_at = ?
        WHERE id = ? AND status = ? AND version = ?`,
		string(next.Status), millis(next.Deadline), next.Version, string(body), millis(next.UpdatedAt),
		escrow.ID, string(expected), escrow.Version)
	if err != nil {
		return err
	}
	if affected == 0 {
		actual, err := s.currentStatus(ctx, "escrows", "escrow", escrow.ID)
		if err != nil {
			return err
		}
		return casConflict("escrow", escrow.ID, string(expected), actual)
	}
	escrow.Version = next.Version
	escrow.UpdatedAt = next.UpdatedAt
	return nil
}

// ListEscrows 按截止时间升序返回托管。
func (s *SQLStore) ListEscrows(ctx context.Context, filter EscrowFilter) ([]*domain.Escrow, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.DeadlineBefore.IsZero() {
		clauses = append(clauses, "deadline < ?")
		args = append(args, millis(filter.DeadlineBefore))
	}
	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.ProcessorID != "" {
		clauses = append(clauses, "processor_id = ?")
		args = append(args, filter.ProcessorID)
	}
	query := `SELECT body FROM escrows`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY deadline ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))
	return queryBodies[domain.Escrow](ctx, s, query, args...)
}

// InsertDispute 保存争议。
func (s *SQLStore) InsertDispute(ctx context.Context, dispute *domain.Dispute) error {
	body, err := json.Marshal(dispute)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码争议失败")
	}
	now := millis(time.Now())
	_, err = s.exec(ctx, "写入争议失败",
		`INSERT INTO disputes (id, escrow_id, status, response_deadline, version, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dispute.ID, dispute.EscrowID, string(dispute.Status), millis(dispute.ResponseDeadline),
		dispute.Version, string(body), now, now)
	return err
}

// GetDispute 返回争议。
func (s *SQLStore) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	var d domain.Dispute
	err := s.loadBody(ctx, `SELECT body FROM disputes WHERE id = ?`, id,
		func() error { return domain.NotFound("dispute", id) }, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDispute 条件更新争议。
func (s *SQLStore) UpdateDispute(ctx context.Context, dispute *domain.Dispute, expected domain.DisputeStatus) error {
	next := dispute.Clone()
	next.Version = dispute.Version + 1
	body, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码争议失败")
	}
	affected, err := s.exec(ctx, "更新争议失败",
		`UPDATE disputes SET status = ?, response_deadline = ?, version = ?, body = ?, updated_at = ?
        WHERE id = ? AND status = ? AND version = ?`,
		string(next.Status), millis(next.ResponseDeadline), next.Version, string(body), millis(time.Now()),
		dispute.ID, string(expected), dispute.Version)
	if err != nil {
		return err
	}
	if affected == 0 {
		actual, err := s.currentStatus(ctx, "disputes", "dispute", dispute.ID)
		if err != nil {
			return err
		}
		return casConflict("dispute", dispute.ID, string(expected), actual)
	}
	dispute.Version = next.Version
	return nil
}

// ListDisputes 按答复截止时间升序返回争议。
func (s *SQLStore) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*domain.Dispute, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EscrowID != "" {
		clauses = append(clauses, "escrow_id = ?")
		args = append(args, filter.EscrowID)
	}
	if !filter.DeadlineBefore.IsZero() {
		clauses = append(clauses, "response_deadline < ?")
		args = append(args, millis(filter.DeadlineBefore))
	}
	query := `SELECT body FROM disputes`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY response_deadline ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))
	return queryBodies[domain.Dispute](ctx, s, query, args...)
}
