package proposal

import (
	"context"
)

// Handler 处理来自代理队列的提案 ID。
type Handler func(ctx context.Context, proposalID string) error

// Producer 负责向代理队列投递提案。
type Producer interface {
	Publish(ctx context.Context, proposalID string) error
	Close() error
}

// Consumer 负责从代理队列中消费提案。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
