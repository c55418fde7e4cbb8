package member

import "context"

// Status 表示成员的在线状态。
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Member 描述一个频道成员。
type Member struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Status      Status `json:"status"`
}

// DelegateProfile 是成员预先授权给代理投票器的配置，治理核心只读不写。
type DelegateProfile struct {
	Owner            string  `json:"owner"`
	Enabled          bool    `json:"enabled"`
	AutonomousCapUSD float64 `json:"autonomous_cap_usd"`
}

// Directory 提供频道成员名册与代理配置的查询能力。
// 成员管理本身由外部系统负责，核心只依赖这个只读接口。
type Directory interface {
	// ChannelMembers 按固定顺序返回频道的全部成员。
	ChannelMembers(ctx context.Context, channelID string) ([]Member, error)
	// Profile 返回成员的代理配置，未配置时返回 nil。
	Profile(ctx context.Context, address string) (*DelegateProfile, error)
}
