package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "TwinGovernance/internal/errors"
	"TwinGovernance/internal/swap"
)

// MySQLStore 使用 MySQL 记录提案状态。投票与报价以 JSON 列存储，
// Update 通过行锁保证同一提案的变更串行执行。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 proposals 表失败")
	}
	return store, nil
}

const proposalColumns = `id, channel_id, proposer, proposer_name, token_in, token_out, amount_in,
        amount_in_usd, quote_json, status, votes_json, total_members, tx_hash, failure_reason, created_at, updated_at`

// Create 插入新的提案记录。
func (s *MySQLStore) Create(ctx context.Context, p *Proposal) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal 不能为空")
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提案 ID 不能为空")
	}

	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	quoteJSON, err := marshalQuote(p.Quote)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案报价失败")
	}
	votesJSON, err := marshalVotes(p.Votes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案投票失败")
	}

	const stmt = `INSERT INTO proposals
        (id, channel_id, proposer, proposer_name, token_in, token_out, amount_in, amount_in_usd,
         quote_json, status, votes_json, total_members, tx_hash, failure_reason, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		p.ID,
		p.ChannelID,
		p.Proposer,
		p.ProposerName,
		p.TokenIn,
		p.TokenOut,
		p.AmountIn,
		p.AmountInUSD,
		quoteJSON,
		p.Status,
		votesJSON,
		p.TotalMembers,
		p.TxHash,
		p.FailureReason,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProposalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提案失败")
	}
	return nil
}

// Get 查询指定提案。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案失败")
	}
	return p, nil
}

// Update 在事务内通过 SELECT ... FOR UPDATE 锁行，对副本执行变更后写回。
// 并发投票在这里被串行化。
func (s *MySQLStore) Update(ctx context.Context, id string, mutate Mutator) (*Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ? FOR UPDATE`, id)
	p, err := scanProposal(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定提案失败")
	}

	if err := mutate(p); err != nil {
		if stdErrors.Is(err, ErrNoChange) {
			return p, nil
		}
		return nil, err
	}
	p.UpdatedAt = time.Now().Unix()

	quoteJSON, err := marshalQuote(p.Quote)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案报价失败")
	}
	votesJSON, err := marshalVotes(p.Votes)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案投票失败")
	}

	const stmt = `UPDATE proposals SET amount_in_usd = ?, quote_json = ?, status = ?, votes_json = ?,
        tx_hash = ?, failure_reason = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		p.AmountInUSD,
		quoteJSON,
		p.Status,
		votesJSON,
		p.TxHash,
		p.FailureReason,
		p.UpdatedAt,
		p.ID,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提案失败")
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交提案更新失败")
	}
	return p, nil
}

// ListByChannel 返回频道内的提案，按创建时间倒序。channelID 为空时返回全部。
func (s *MySQLStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + proposalColumns + ` FROM proposals`
	args := make([]any, 0, 2)
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案列表失败")
	}
	defer rows.Close()

	proposals := make([]*Proposal, 0, limit)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提案记录失败")
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提案失败")
	}
	return proposals, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p             Proposal
		quoteJSON     sql.NullString
		votesJSON     sql.NullString
		failureReason sql.NullString
	)
	if err := row.Scan(
		&p.ID,
		&p.ChannelID,
		&p.Proposer,
		&p.ProposerName,
		&p.TokenIn,
		&p.TokenOut,
		&p.AmountIn,
		&p.AmountInUSD,
		&quoteJSON,
		&p.Status,
		&votesJSON,
		&p.TotalMembers,
		&p.TxHash,
		&failureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	quote, err := unmarshalQuote(quoteJSON)
	if err != nil {
		return nil, err
	}
	p.Quote = quote

	votes, err := unmarshalVotes(votesJSON)
	if err != nil {
		return nil, err
	}
	p.Votes = votes
	p.FailureReason = failureReason.String
	return &p, nil
}

func marshalQuote(quote *swap.Quote) (sql.NullString, error) {
	if quote == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(quote)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalQuote(raw sql.NullString) (*swap.Quote, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var quote swap.Quote
	if err := json.Unmarshal([]byte(raw.String), &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func marshalVotes(votes []Vote) (sql.NullString, error) {
	if len(votes) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(votes)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalVotes(raw sql.NullString) ([]Vote, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var votes []Vote
	if err := json.Unmarshal([]byte(raw.String), &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

var _ Store = (*MySQLStore)(nil)
