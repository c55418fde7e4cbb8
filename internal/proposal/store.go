package proposal

import (
	"context"
	stdErrors "errors"
)

// Mutator 在存储层持有的提案副本上执行变更。返回 ErrNoChange 时
// 不写回存储，返回其他错误时整个更新被放弃。
type Mutator func(p *Proposal) error

// ErrNoChange 由 Mutator 返回，表示本次更新无需写回。
var ErrNoChange = stdErrors.New("proposal: no change")

// Store 抽象了提案状态的持久化接口。Update 必须对同一提案 ID 串行执行，
// 投票计数与状态翻转依赖这一原子性。
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	Update(ctx context.Context, id string, mutate Mutator) (*Proposal, error)
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*Proposal, error)
	Close() error
}
