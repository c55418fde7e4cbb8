package treasury

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"TwinGovernance/internal/token"
	"TwinGovernance/pkg/logger"
)

// BalanceReader 是余额查询所需的链访问子集，ethclient.Client 满足该接口。
type BalanceReader interface {
	ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// BalanceCheck 是一次余额校验的结果。
type BalanceCheck struct {
	Sufficient bool   `json:"sufficient"`
	Balance    string `json:"balance"`
}

// Oracle 读取金库钱包的原生或代币余额并与所需金额比较。
type Oracle struct {
	reader     BalanceReader
	treasury   common.Address
	configured bool
	logger     *slog.Logger
}

// NewOracle 构造余额预言机。treasuryAddress 为空时进入演示模式，
// 所有校验无条件通过。
func NewOracle(reader BalanceReader, treasuryAddress string) *Oracle {
	o := &Oracle{reader: reader, logger: logger.Named("treasury")}
	treasuryAddress = strings.TrimSpace(treasuryAddress)
	if treasuryAddress != "" && reader != nil {
		o.treasury = common.HexToAddress(treasuryAddress)
		o.configured = true
	}
	return o
}

// Configured 返回是否配置了金库地址。
func (o *Oracle) Configured() bool {
	return o != nil && o.configured
}

// CheckBalance 校验金库余额是否覆盖所需金额。任何读链失败都按通过处理，
// 与询价的模拟回退同属软失败策略。
func (o *Oracle) CheckBalance(ctx context.Context, tok token.Token, required *big.Int) BalanceCheck {
	if !o.Configured() {
		return BalanceCheck{Sufficient: true}
	}

	var (
		balance *big.Int
		err     error
	)
	if tok.Native {
		balance, err = o.reader.BalanceAt(ctx, o.treasury, nil)
	} else {
		balance, err = ERC20Balance(ctx, o.reader, common.HexToAddress(tok.Address), o.treasury)
	}
	if err != nil {
		o.logger.Warn("余额查询失败，按通过处理",
			slog.Any("error", err),
			slog.String("token", tok.Symbol),
			slog.String("treasury", o.treasury.Hex()),
		)
		return BalanceCheck{Sufficient: true}
	}

	return BalanceCheck{
		Sufficient: balance.Cmp(required) >= 0,
		Balance:    token.FormatBaseUnits(balance, tok.Decimals, 6),
	}
}
