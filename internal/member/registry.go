package member

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Session 表示一个已认证成员的在线会话。
type Session struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Status      Status `json:"status"`
	ConnectedAt int64  `json:"connected_at"`
}

// SessionRegistry 以成员地址为键管理在线会话。会话在认证时创建、
// 断开时移除，生命周期显式可见，供协调器与代理投票器查询在线状态。
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry 创建会话注册表。
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Authenticate 为身份校验通过的地址建立会话。重复认证会刷新在线状态。
// 身份校验本身由外部钱包层完成，这里信任传入的地址。
func (r *SessionRegistry) Authenticate(address string) *Session {
	address = normalizeAddress(address)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[address]; ok {
		existing.Status = StatusOnline
		clone := *existing
		return &clone
	}
	session := &Session{
		Address:     address,
		DisplayName: GenerateDisplayName(address),
		Status:      StatusOnline,
		ConnectedAt: time.Now().Unix(),
	}
	r.sessions[address] = session
	clone := *session
	return &clone
}

// Disconnect 移除会话。
func (r *SessionRegistry) Disconnect(address string) {
	address = normalizeAddress(address)
	r.mu.Lock()
	delete(r.sessions, address)
	r.mu.Unlock()
}

// SetStatus 更新会话状态。地址没有会话时不做任何事。
func (r *SessionRegistry) SetStatus(address string, status Status) {
	address = normalizeAddress(address)
	r.mu.Lock()
	if session, ok := r.sessions[address]; ok {
		session.Status = status
	}
	r.mu.Unlock()
}

// Get 返回地址对应的会话。
func (r *SessionRegistry) Get(address string) (*Session, bool) {
	address = normalizeAddress(address)
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[address]
	if !ok {
		return nil, false
	}
	clone := *session
	return &clone, true
}

// StatusOf 返回地址的在线状态，无会话视为离线。
func (r *SessionRegistry) StatusOf(address string) Status {
	if session, ok := r.Get(address); ok {
		return session.Status
	}
	return StatusOffline
}

// Sessions 返回当前全部会话的快照。
func (r *SessionRegistry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		result = append(result, *session)
	}
	return result
}

var (
	displayAdjectives = []string{"Swift", "Bold", "Wise", "Iron", "Neon", "Void", "Flux", "Grid"}
	displayNouns      = []string{"Voter", "Whale", "Degen", "Signer", "Holder", "Agent", "Node", "Proxy"}
)

// GenerateDisplayName 从地址哈希推导确定性的展示名。
func GenerateDisplayName(address string) string {
	hash := strings.TrimPrefix(strings.ToLower(address), "0x")
	for len(hash) < 8 {
		hash += "0"
	}
	adjIdx, _ := strconv.ParseUint(hash[0:4], 16, 32)
	nounIdx, _ := strconv.ParseUint(hash[4:8], 16, 32)
	return displayAdjectives[adjIdx%uint64(len(displayAdjectives))] +
		displayNouns[nounIdx%uint64(len(displayNouns))]
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
