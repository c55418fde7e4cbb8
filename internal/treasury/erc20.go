package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABIJSON 只包含金库需要的三个 ERC-20 方法。
const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("解析 ERC-20 ABI 失败: %v", err))
	}
	erc20ABI = parsed
}

// ContractCaller 是只读合约调用所需的最小接口，ethclient.Client 天然满足。
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ERC20Balance 查询指定地址在某个 ERC-20 合约中的余额。
func ERC20Balance(ctx context.Context, caller ContractCaller, tokenAddr, owner common.Address) (*big.Int, error) {
	return callUint256(ctx, caller, tokenAddr, "balanceOf", owner)
}

// ERC20Allowance 查询 owner 授予 spender 的转账额度。
func ERC20Allowance(ctx context.Context, caller ContractCaller, tokenAddr, owner, spender common.Address) (*big.Int, error) {
	return callUint256(ctx, caller, tokenAddr, "allowance", owner, spender)
}

// ERC20ApproveCalldata 生成 approve 调用的交易数据。
func ERC20ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("编码 approve 调用失败: %w", err)
	}
	return data, nil
}

func callUint256(ctx context.Context, caller ContractCaller, tokenAddr common.Address, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	out, err := caller.CallContract(ctx, gethcore.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	if len(values) == 0 {
		return nil, errors.New("合约返回值为空")
	}
	result, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回了意外的类型", method)
	}
	return result, nil
}
