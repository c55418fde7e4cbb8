package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TwinGovernance/internal/member"
	"TwinGovernance/internal/notify"
	"TwinGovernance/pkg/logger"
)

// Executor 启动已批准提案的执行管线。实现方负责把终态写回存储。
type Executor interface {
	Execute(ctx context.Context, proposalID string)
}

// VoteResult 描述一次投票请求的处理结果。Accepted 为 false 表示这一票
// 被静默忽略，Triggered 为 true 表示这一票使提案越过了多数阈值。
type VoteResult struct {
	Proposal  *Proposal `json:"proposal"`
	Accepted  bool      `json:"accepted"`
	Triggered bool      `json:"triggered"`
}

// Coordinator 串行化提案上的投票并在越过多数阈值时触发执行。
// 所有计票都在存储层的原子更新内完成，重复投票与迟到投票被静默丢弃。
type Coordinator struct {
	store    Store
	sink     notify.Sink
	executor Executor
	logger   *slog.Logger
}

// NewCoordinator 创建投票协调器。executor 为空时提案批准后停留在 executing 状态。
func NewCoordinator(store Store, sink notify.Sink, executor Executor) *Coordinator {
	return &Coordinator{
		store:    store,
		sink:     sink,
		executor: executor,
		logger:   logger.Named("coordinator"),
	}
}

// CastVote 为提案记录一票。非 pending 状态的提案与重复投票不报错，
// 直接返回当前状态。越过阈值的那一票把状态翻转为 executing 并异步启动执行，
// 翻转发生在存储的原子更新内，并发投票下执行只会触发一次。
// voterName 为空时按地址生成展示名，投票记录始终带名字落库。
func (c *Coordinator) CastVote(ctx context.Context, proposalID, voter, voterName string, choice Choice, delegated bool) (*VoteResult, error) {
	voter = strings.TrimSpace(voter)
	if voter == "" {
		return nil, fmt.Errorf("voter 不能为空")
	}
	if choice != ChoiceYes && choice != ChoiceNo {
		return nil, fmt.Errorf("不支持的投票立场: %s", choice)
	}
	if voterName = strings.TrimSpace(voterName); voterName == "" {
		voterName = member.GenerateDisplayName(voter)
	}

	result := &VoteResult{}
	updated, err := c.store.Update(ctx, proposalID, func(p *Proposal) error {
		if p.Status != StatusPending {
			return ErrNoChange
		}
		if p.HasVoted(voter) {
			return ErrNoChange
		}
		p.Votes = append(p.Votes, Vote{
			Voter:     voter,
			VoterName: voterName,
			Choice:    choice,
			Delegated: delegated,
			CastAt:    time.Now().Unix(),
		})
		result.Accepted = true
		if choice == ChoiceYes && p.MajorityReached() {
			p.Status = StatusExecuting
			result.Triggered = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Proposal = updated

	if !result.Accepted {
		c.logger.Debug("投票被忽略",
			slog.String("proposal_id", proposalID),
			slog.String("voter", voter),
			slog.String("status", string(updated.Status)),
		)
		return result, nil
	}

	logger.Audit().Info("vote recorded",
		slog.String("proposal_id", proposalID),
		slog.String("voter", voter),
		slog.String("choice", string(choice)),
		slog.Bool("delegated", delegated),
		slog.Int("yes_votes", updated.YesVotes()),
		slog.Int("total_members", updated.TotalMembers),
	)

	c.publishUpdate(ctx, updated)

	if result.Triggered {
		c.notify(ctx, updated.ChannelID, fmt.Sprintf(
			"Proposal approved with %d of %d votes. Executing swap of %s %s for %s.",
			updated.YesVotes(), updated.TotalMembers, updated.AmountIn, updated.TokenIn, updated.TokenOut,
		))
		c.launchExecution(ctx, updated.ID)
	}
	return result, nil
}

// launchExecution 在后台启动执行管线。使用不随请求取消的派生上下文，
// 请求返回后链上流程继续推进。
func (c *Coordinator) launchExecution(ctx context.Context, proposalID string) {
	if c.executor == nil {
		c.logger.Warn("未配置执行器，提案停留在 executing 状态",
			slog.String("proposal_id", proposalID))
		return
	}
	go c.executor.Execute(context.WithoutCancel(ctx), proposalID)
}

func (c *Coordinator) publishUpdate(ctx context.Context, p *Proposal) {
	if c.sink == nil {
		return
	}
	event := notify.NewEvent(notify.TypeProposalUpdated, p.ChannelID)
	event.Payload = p
	if err := c.sink.Publish(ctx, event); err != nil {
		c.logger.Warn("提案更新事件广播失败", slog.Any("error", err),
			slog.String("proposal_id", p.ID))
	}
}

func (c *Coordinator) notify(ctx context.Context, channelID, text string) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Publish(ctx, notify.SystemNotice(channelID, text)); err != nil {
		c.logger.Warn("系统通知广播失败", slog.Any("error", err))
	}
}
