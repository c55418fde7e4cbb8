package proposal

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"TwinGovernance/internal/member"
	"TwinGovernance/internal/notify"
	"TwinGovernance/pkg/logger"
)

// DelegateVoter 代表启用了委托的成员自动投赞成票。提案创建后经由
// 代理队列到达这里，每位成员的自主额度上限决定代理是否有权动用这一票。
type DelegateVoter struct {
	store       Store
	directory   member.Directory
	coordinator *Coordinator
	sink        notify.Sink
	logger      *slog.Logger
}

// NewDelegateVoter 创建代理投票器。
func NewDelegateVoter(store Store, directory member.Directory, coordinator *Coordinator, sink notify.Sink) *DelegateVoter {
	return &DelegateVoter{
		store:       store,
		directory:   directory,
		coordinator: coordinator,
		sink:        sink,
		logger:      logger.Named("delegate"),
	}
}

// Run 处理一条代理队列消息。只有不在线的成员才由代理代劳，
// 在线成员保留亲自表态的机会。每投出一票前都重新读取提案，
// 人类投票把提案推过阈值后剩余的代理立即停手。
func (v *DelegateVoter) Run(ctx context.Context, proposalID string) error {
	p, err := v.store.Get(ctx, proposalID)
	if err != nil {
		if stdErrors.Is(err, ErrProposalNotFound) {
			v.logger.Warn("代理队列中的提案不存在", slog.String("proposal_id", proposalID))
			return nil
		}
		return err
	}
	if p.Status != StatusPending {
		return nil
	}

	members, err := v.directory.ChannelMembers(ctx, p.ChannelID)
	if err != nil {
		v.logger.Warn("读取频道名册失败，跳过代理投票",
			slog.Any("error", err), slog.String("channel_id", p.ChannelID))
		return nil
	}

	for _, m := range members {
		current, err := v.store.Get(ctx, proposalID)
		if err != nil || current.Status != StatusPending {
			return nil
		}
		if current.HasVoted(m.Address) {
			continue
		}
		if m.Status == member.StatusOnline {
			continue
		}

		profile, err := v.directory.Profile(ctx, m.Address)
		if err != nil {
			v.logger.Warn("读取代理配置失败", slog.Any("error", err),
				slog.String("member", m.Address))
			continue
		}
		if profile == nil || !profile.Enabled {
			continue
		}

		name := m.DisplayName
		if name == "" {
			name = m.Address
		}

		if current.AmountInUSD > profile.AutonomousCapUSD {
			v.notify(ctx, current.ChannelID, fmt.Sprintf(
				"%s's delegate deferred: $%.2f exceeds its $%.2f autonomy cap.",
				name, current.AmountInUSD, profile.AutonomousCapUSD,
			))
			continue
		}

		result, err := v.coordinator.CastVote(ctx, proposalID, m.Address, name, ChoiceYes, true)
		if err != nil {
			v.logger.Warn("代理投票失败", slog.Any("error", err),
				slog.String("proposal_id", proposalID), slog.String("member", m.Address))
			continue
		}
		if result.Accepted {
			v.notify(ctx, current.ChannelID, fmt.Sprintf(
				"%s's delegate voted yes ($%.2f within its $%.2f autonomy cap).",
				name, current.AmountInUSD, profile.AutonomousCapUSD,
			))
		}
		if result.Triggered {
			return nil
		}
	}
	return nil
}

// Start 在后台启动代理队列消费循环。
func (v *DelegateVoter) Start(ctx context.Context, consumer Consumer, workers int) {
	go func() {
		if err := consumer.Consume(ctx, workers, v.Run); err != nil && !stdErrors.Is(err, context.Canceled) {
			v.logger.Error("代理队列消费循环退出", slog.Any("error", err))
		}
	}()
}

func (v *DelegateVoter) notify(ctx context.Context, channelID, text string) {
	if v.sink == nil {
		return
	}
	if err := v.sink.Publish(ctx, notify.SystemNotice(channelID, text)); err != nil {
		v.logger.Warn("代理通知广播失败", slog.Any("error", err))
	}
}
