package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"

	xerrors "TwinGovernance/internal/errors"
	"TwinGovernance/internal/member"
	"TwinGovernance/internal/notify"
	"TwinGovernance/internal/swap"
	"TwinGovernance/internal/token"
	"TwinGovernance/internal/treasury"
	"TwinGovernance/pkg/logger"
)

// Quoter 是创建提案时所需的询价能力，swap.Client 满足该接口。
type Quoter interface {
	Quote(ctx context.Context, tokenInRef, tokenOutRef, amount string) (*swap.Quote, error)
	PriceOf(ctx context.Context, symbol string) float64
}

// BalanceChecker 是创建提案时所需的余额校验能力，treasury.Oracle 满足该接口。
type BalanceChecker interface {
	CheckBalance(ctx context.Context, tok token.Token, required *big.Int) treasury.BalanceCheck
}

// CreateRequest 描述一条创建提案的请求。
type CreateRequest struct {
	ChannelID    string `json:"channel_id"`
	Proposer     string `json:"proposer"`
	ProposerName string `json:"proposer_name,omitempty"`
	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	Amount       string `json:"amount"`
}

// Service 承载提案的创建与查询。创建流程依次完成代币解析、询价、
// 美元估值与金库余额校验，随后为提案人播下第一张赞成票并把提案
// 投递给代理队列。
type Service struct {
	store       Store
	registry    *token.Registry
	quoter      Quoter
	balances    BalanceChecker
	directory   member.Directory
	coordinator *Coordinator
	producer    Producer
	sink        notify.Sink
	logger      *slog.Logger
}

// NewService 创建提案服务。producer 为空时代理投票不会被触发。
func NewService(
	store Store,
	registry *token.Registry,
	quoter Quoter,
	balances BalanceChecker,
	directory member.Directory,
	coordinator *Coordinator,
	producer Producer,
	sink notify.Sink,
) *Service {
	return &Service{
		store:       store,
		registry:    registry,
		quoter:      quoter,
		balances:    balances,
		directory:   directory,
		coordinator: coordinator,
		producer:    producer,
		sink:        sink,
		logger:      logger.Named("proposal"),
	}
}

// Create 创建一笔兑换提案。成员总数在这里快照，之后频道成员的进出
// 不再影响本提案的多数阈值。提案人的赞成票经由协调器落下，单人频道
// 会在创建时直接越过阈值进入执行。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Proposal, error) {
	req.Proposer = strings.TrimSpace(req.Proposer)
	if req.ChannelID == "" || req.Proposer == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "channel_id 与 proposer 不能为空")
	}

	tokenIn, err := s.registry.Resolve(req.TokenIn)
	if err != nil {
		s.notice(ctx, req.ChannelID, fmt.Sprintf("Unknown token %q. Use /tokens to list supported assets.", req.TokenIn))
		return nil, err
	}
	tokenOut, err := s.registry.Resolve(req.TokenOut)
	if err != nil {
		s.notice(ctx, req.ChannelID, fmt.Sprintf("Unknown token %q. Use /tokens to list supported assets.", req.TokenOut))
		return nil, err
	}

	amountRaw, err := token.ScaleToBaseUnits(req.Amount, tokenIn.Decimals)
	if err != nil {
		s.notice(ctx, req.ChannelID, fmt.Sprintf("Invalid amount %q.", req.Amount))
		return nil, err
	}
	if amountRaw.Sign() <= 0 {
		s.notice(ctx, req.ChannelID, fmt.Sprintf("Invalid amount %q.", req.Amount))
		return nil, xerrors.New(token.CodeAmountInvalid, "提案金额必须为正数")
	}

	quote, err := s.quoter.Quote(ctx, tokenIn.Symbol, tokenOut.Symbol, req.Amount)
	if err != nil {
		return nil, err
	}

	amountFloat, _ := strconv.ParseFloat(req.Amount, 64)
	amountUSD := amountFloat * s.quoter.PriceOf(ctx, tokenIn.Symbol)

	check := s.balances.CheckBalance(ctx, tokenIn, amountRaw)
	if !check.Sufficient {
		s.notice(ctx, req.ChannelID, fmt.Sprintf(
			"Insufficient treasury balance: holds %s %s, proposal needs %s.",
			check.Balance, tokenIn.Symbol, req.Amount,
		))
		return nil, ErrFundsInsufficient
	}

	members, err := s.directory.ChannelMembers(ctx, req.ChannelID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取频道名册失败")
	}

	proposerName := req.ProposerName
	if proposerName == "" {
		proposerName = member.GenerateDisplayName(req.Proposer)
	}

	p := &Proposal{
		ID:           uuid.NewString(),
		ChannelID:    req.ChannelID,
		Proposer:     strings.ToLower(req.Proposer),
		ProposerName: proposerName,
		TokenIn:      tokenIn.Symbol,
		TokenOut:     tokenOut.Symbol,
		AmountIn:     req.Amount,
		AmountInUSD:  amountUSD,
		Quote:        quote,
		Status:       StatusPending,
		TotalMembers: len(members),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	logger.Audit().Info("proposal created",
		slog.String("proposal_id", p.ID),
		slog.String("channel_id", p.ChannelID),
		slog.String("proposer", p.Proposer),
		slog.String("pair", p.TokenIn+"/"+p.TokenOut),
		slog.String("amount", p.AmountIn),
		slog.Float64("amount_usd", p.AmountInUSD),
		slog.Int("total_members", p.TotalMembers),
	)

	s.publishCreated(ctx, p)

	// 提案人的赞成票经由协调器落下，阈值判断与普通投票共用一条路径。
	result, err := s.coordinator.CastVote(ctx, p.ID, p.Proposer, p.ProposerName, ChoiceYes, false)
	if err != nil {
		s.logger.Warn("提案人初始投票失败", slog.Any("error", err),
			slog.String("proposal_id", p.ID))
	} else {
		p = result.Proposal
	}

	if s.producer != nil && p.Status == StatusPending {
		if err := s.producer.Publish(ctx, p.ID); err != nil {
			s.logger.Warn("代理队列投递失败",
				slog.Any("error", xerrors.Wrap(CodeDelegatePublish, err, "")),
				slog.String("proposal_id", p.ID))
		}
	}
	return p, nil
}

// Get 查询指定提案。
func (s *Service) Get(ctx context.Context, id string) (*Proposal, error) {
	return s.store.Get(ctx, id)
}

// ListByChannel 返回频道内的提案，按创建时间倒序。
func (s *Service) ListByChannel(ctx context.Context, channelID string, limit int) ([]*Proposal, error) {
	return s.store.ListByChannel(ctx, channelID, limit)
}

func (s *Service) publishCreated(ctx context.Context, p *Proposal) {
	if s.sink == nil {
		return
	}
	event := notify.NewEvent(notify.TypeProposalCreated, p.ChannelID)
	event.Payload = p
	if err := s.sink.Publish(ctx, event); err != nil {
		s.logger.Warn("提案创建事件广播失败", slog.Any("error", err),
			slog.String("proposal_id", p.ID))
	}
}

func (s *Service) notice(ctx context.Context, channelID, text string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, notify.SystemNotice(channelID, text)); err != nil {
		s.logger.Warn("系统通知广播失败", slog.Any("error", err))
	}
}
