package swap

import (
	"encoding/json"
	"fmt"
	"math/big"

	xerrors "TwinGovernance/internal/errors"
)

// TokenInfo 是报价结果中携带的代币摘要。
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Quote 是面向治理层的报价摘要，会随提案一起持久化。
type Quote struct {
	TokenIn     TokenInfo `json:"token_in"`
	TokenOut    TokenInfo `json:"token_out"`
	AmountIn    string    `json:"amount_in"`
	AmountOut   string    `json:"amount_out"`
	PriceImpact string    `json:"price_impact"`
	GasEstimate string    `json:"gas_estimate"`
	Route       string    `json:"route"`
	Timestamp   int64     `json:"timestamp"`
}

// VenueQuote 保留聚合器 /quote 接口的原始响应，供执行管线回传给 /swap 接口。
type VenueQuote struct {
	Routing     string
	Raw         json.RawMessage
	Permit      json.RawMessage
	AmountOut   *big.Int
	GasLimit    uint64
	GasFee      string
	PriceImpact string
	Route       string
}

// SwapTransaction 是聚合器 /swap 接口构建出的待广播交易。
type SwapTransaction struct {
	From     string
	To       string
	Data     string
	Value    string
	GasLimit uint64
}

// VenueError 表示聚合器返回了非 2xx 响应，错误体原样保留。
type VenueError struct {
	StatusCode int
	Body       string
}

// Error 实现 error 接口。
func (e *VenueError) Error() string {
	return fmt.Sprintf("venue responded %d: %s", e.StatusCode, e.Body)
}

const (
	// CodeVenueRejected 表示聚合器明确拒绝了请求。
	CodeVenueRejected xerrors.Code = "VENUE_REJECTED"
)

func init() {
	xerrors.Register(CodeVenueRejected, xerrors.Attributes{
		Message:   "swap venue rejected the request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
