package proposal

import (
	"context"
	stdErrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TwinGovernance/internal/errors"
)

// MemoryStore 将提案保存在内存中，主要用于测试与演示部署。
// 所有读写都返回深拷贝，调用方无法绕过 Update 修改存储内的状态。
type MemoryStore struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

// Create 插入新的提案记录。
func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; exists {
		return ErrProposalConflict
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

// Get 查询指定提案。
func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return stored.Clone(), nil
}

// Update 在锁内对提案副本执行变更并写回，保证同一提案的更新串行化。
func (s *MemoryStore) Update(_ context.Context, id string, mutate Mutator) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}

	draft := stored.Clone()
	if err := mutate(draft); err != nil {
		if stdErrors.Is(err, ErrNoChange) {
			return stored.Clone(), nil
		}
		return nil, err
	}
	draft.UpdatedAt = time.Now().Unix()
	s.proposals[id] = draft
	return draft.Clone(), nil
}

// ListByChannel 返回频道内的提案，按创建时间倒序。channelID 为空时返回全部。
func (s *MemoryStore) ListByChannel(_ context.Context, channelID string, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if channelID != "" && p.ChannelID != channelID {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
