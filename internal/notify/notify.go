package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "TwinGovernance/internal/errors"
	"TwinGovernance/pkg/logger"
)

// Type 标识出站事件的类别。
type Type string

const (
	TypeProposalCreated Type = "proposal-created"
	TypeProposalUpdated Type = "proposal-updated"
	TypeSystemNotice    Type = "system-notice"
	TypePriceUpdate     Type = "price-update"
)

// Event 是推送给聊天层的出站事件。Payload 携带完整的提案或价格载荷，
// Text 用于 system-notice 类的人类可读文案。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Text       string    `json:"text,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink 是治理核心对外广播事件的唯一出口。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// CodeNotifyPublish 表示事件广播失败。广播失败从不中断治理流程，只记录日志。
const CodeNotifyPublish xerrors.Code = "NOTIFY_PUBLISH_FAILED"

func init() {
	xerrors.Register(CodeNotifyPublish, xerrors.Attributes{
		Message:   "failed to publish notification",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// NewEvent 构造带 ID 与时间戳的事件。
func NewEvent(eventType Type, channelID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ChannelID:  channelID,
		OccurredAt: time.Now(),
	}
}

// SystemNotice 构造一条人类可读的系统通知。
func SystemNotice(channelID, text string) Event {
	event := NewEvent(TypeSystemNotice, channelID)
	event.Text = text
	return event
}

// LogSink 将事件写入结构化日志，是所有部署形态的兜底广播通道。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建日志广播器。
func NewLogSink() *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

// Publish 实现 Sink 接口。
func (s *LogSink) Publish(_ context.Context, event Event) error {
	s.logger.Info("出站事件",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("channel_id", event.ChannelID),
		slog.String("text", event.Text),
	)
	return nil
}

// Close 实现 Sink 接口。
func (s *LogSink) Close() error { return nil }

// MemorySink 在内存中记录事件，主要用于测试。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink 创建内存广播器。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish 实现 Sink 接口。
func (s *MemorySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events 返回已记录事件的快照。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]Event, len(s.events))
	copy(snapshot, s.events)
	return snapshot
}

// Notices 返回指定类型事件的文本列表。
func (s *MemorySink) Notices(eventType Type) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var texts []string
	for _, event := range s.events {
		if event.Type == eventType {
			texts = append(texts, event.Text)
		}
	}
	return texts
}

// Close 实现 Sink 接口。
func (s *MemorySink) Close() error { return nil }

// Fanout 将事件广播给多个下游。单个下游失败只记日志，不影响其余下游。
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout 创建广播组。
func NewFanout(sinks ...Sink) *Fanout {
	valid := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			valid = append(valid, sink)
		}
	}
	return &Fanout{sinks: valid, logger: logger.Named("notify")}
}

// Publish 实现 Sink 接口。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			f.logger.Warn("事件广播失败",
				slog.Any("error", xerrors.Wrap(CodeNotifyPublish, err, "")),
				slog.String("event_id", event.ID),
				slog.String("type", string(event.Type)),
			)
		}
	}
	return nil
}

// Close 关闭全部下游。
func (f *Fanout) Close() error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*Fanout)(nil)
)
