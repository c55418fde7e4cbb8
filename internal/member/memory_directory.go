package member

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory 以内存方式维护频道名册与代理配置，在线状态由会话注册表提供。
// 生产部署可以换成任何满足 Directory 的实现。
type MemoryDirectory struct {
	mu       sync.RWMutex
	channels map[string][]Member
	profiles map[string]DelegateProfile
	registry *SessionRegistry
}

// NewMemoryDirectory 创建内存名册。
func NewMemoryDirectory(registry *SessionRegistry) *MemoryDirectory {
	return &MemoryDirectory{
		channels: make(map[string][]Member),
		profiles: make(map[string]DelegateProfile),
		registry: registry,
	}
}

// AddMember 将成员加入频道。重复加入是幂等的。
func (d *MemoryDirectory) AddMember(channelID, address, displayName string) {
	address = normalizeAddress(address)
	if displayName == "" {
		displayName = GenerateDisplayName(address)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.channels[channelID] {
		if existing.Address == address {
			return
		}
	}
	d.channels[channelID] = append(d.channels[channelID], Member{
		Address:     address,
		DisplayName: displayName,
	})
}

// SetProfile 写入成员的代理配置。
func (d *MemoryDirectory) SetProfile(profile DelegateProfile) {
	profile.Owner = normalizeAddress(profile.Owner)
	d.mu.Lock()
	d.profiles[profile.Owner] = profile
	d.mu.Unlock()
}

// ChannelMembers 实现 Directory 接口，返回的状态来自会话注册表。
func (d *MemoryDirectory) ChannelMembers(_ context.Context, channelID string) ([]Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stored := d.channels[channelID]
	members := make([]Member, len(stored))
	for i, m := range stored {
		m.Status = StatusOffline
		if d.registry != nil {
			m.Status = d.registry.StatusOf(m.Address)
		}
		members[i] = m
	}
	return members, nil
}

// Profile 实现 Directory 接口。
func (d *MemoryDirectory) Profile(_ context.Context, address string) (*DelegateProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.profiles[normalizeAddress(strings.TrimSpace(address))]
	if !ok {
		return nil, nil
	}
	clone := profile
	return &clone, nil
}

var _ Directory = (*MemoryDirectory)(nil)
