package proposal

import (
	"strings"

	xerrors "TwinGovernance/internal/errors"
	"TwinGovernance/internal/swap"
)

// Status 表示提案在生命周期中的状态。状态只会单向推进：
// pending 进入 executing 后不再接受投票，executed 与 failed 是终态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Choice 表示一票的立场。
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// Vote 记录一名成员对提案的表决。
type Vote struct {
	Voter     string `json:"voter"`
	VoterName string `json:"voter_name,omitempty"`
	Choice    Choice `json:"choice"`
	Delegated bool   `json:"delegated,omitempty"`
	CastAt    int64  `json:"cast_at"`
}

// Proposal 描述一笔金库兑换提案。TotalMembers 在创建时刻快照，
// 之后的成员变动不影响本提案的多数阈值。
type Proposal struct {
	ID            string      `json:"id"`
	ChannelID     string      `json:"channel_id"`
	Proposer      string      `json:"proposer"`
	ProposerName  string      `json:"proposer_name,omitempty"`
	TokenIn       string      `json:"token_in"`
	TokenOut      string      `json:"token_out"`
	AmountIn      string      `json:"amount_in"`
	AmountInUSD   float64     `json:"amount_in_usd"`
	Quote         *swap.Quote `json:"quote,omitempty"`
	Status        Status      `json:"status"`
	Votes         []Vote      `json:"votes"`
	TotalMembers  int         `json:"total_members"`
	TxHash        string      `json:"tx_hash,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
}

// YesVotes 统计赞成票数。
func (p *Proposal) YesVotes() int {
	count := 0
	for _, vote := range p.Votes {
		if vote.Choice == ChoiceYes {
			count++
		}
	}
	return count
}

// NoVotes 统计反对票数。
func (p *Proposal) NoVotes() int {
	count := 0
	for _, vote := range p.Votes {
		if vote.Choice == ChoiceNo {
			count++
		}
	}
	return count
}

// HasVoted 判断地址是否已经投过票。
func (p *Proposal) HasVoted(voter string) bool {
	voter = strings.ToLower(strings.TrimSpace(voter))
	for _, vote := range p.Votes {
		if strings.ToLower(vote.Voter) == voter {
			return true
		}
	}
	return false
}

// MajorityReached 判断赞成票是否构成严格多数。阈值基于创建时的
// 成员快照，整除后需要严格大于半数。
func (p *Proposal) MajorityReached() bool {
	return p.YesVotes() > p.TotalMembers/2
}

// Terminal 判断提案是否处于终态。
func (p *Proposal) Terminal() bool {
	return p.Status == StatusExecuted || p.Status == StatusFailed
}

// Clone 返回提案的深拷贝。
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Votes != nil {
		clone.Votes = make([]Vote, len(p.Votes))
		copy(clone.Votes, p.Votes)
	}
	if p.Quote != nil {
		quote := *p.Quote
		clone.Quote = &quote
	}
	return &clone
}

var (
	// ErrProposalNotFound 表示指定的提案不存在。
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "proposal not found")
	// ErrProposalConflict 表示提案 ID 已存在。
	ErrProposalConflict = xerrors.New(CodeProposalConflict, "proposal conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrFundsInsufficient 表示金库余额不足以覆盖提案金额。
	ErrFundsInsufficient = xerrors.New(CodeFundsInsufficient, "treasury balance insufficient", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeProposalNotFound  xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeProposalConflict  xerrors.Code = "PROPOSAL_CONFLICT"
	CodeProposalClosed    xerrors.Code = "PROPOSAL_CLOSED"
	CodeFundsInsufficient xerrors.Code = "FUNDS_INSUFFICIENT"
	CodeDelegatePublish   xerrors.Code = "DELEGATE_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeProposalNotFound, xerrors.Attributes{
		Message:   "proposal not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalConflict, xerrors.Attributes{
		Message:   "proposal conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalClosed, xerrors.Attributes{
		Message:   "proposal no longer accepts votes",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFundsInsufficient, xerrors.Attributes{
		Message:   "treasury balance insufficient",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDelegatePublish, xerrors.Attributes{
		Message:   "failed to publish delegate job",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的提案状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusExecuting, StatusExecuted, StatusFailed:
		return true
	default:
		return false
	}
}
