package token

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "TwinGovernance/internal/errors"
)

// ScaleToBaseUnits 将十进制金额字符串转换为代币的最小单位整数。
// 全程基于字符串与 big.Int 运算，避免 18 位小数代币在浮点下的精度损失。
func ScaleToBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, xerrors.New(CodeAmountInvalid, "金额不能为空")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, xerrors.New(CodeAmountInvalid, "金额不能为负数")
	}
	if decimals < 0 {
		return nil, xerrors.New(CodeAmountInvalid, "小数位数不能为负数")
	}

	parts := strings.SplitN(amount, ".", 2)
	whole := parts[0]
	fraction := ""
	if len(parts) == 2 {
		fraction = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (fraction != "" && !isDigits(fraction)) {
		return nil, xerrors.New(CodeAmountInvalid, fmt.Sprintf("无法解析的金额: %s", amount))
	}
	if len(fraction) > decimals {
		fraction = fraction[:decimals]
	}
	for len(fraction) < decimals {
		fraction += "0"
	}

	raw, ok := new(big.Int).SetString(whole+fraction, 10)
	if !ok {
		return nil, xerrors.New(CodeAmountInvalid, fmt.Sprintf("无法解析的金额: %s", amount))
	}
	return raw, nil
}

// FormatBaseUnits 将最小单位整数还原为十进制字符串，保留至多 places 位小数。
func FormatBaseUnits(raw *big.Int, decimals, places int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0"
	}
	digits := raw.String()
	for len(digits) <= decimals {
		digits = "0" + digits
	}
	whole := digits[:len(digits)-decimals]
	fraction := digits[len(digits)-decimals:]
	if places >= 0 && len(fraction) > places {
		fraction = fraction[:places]
	}
	fraction = strings.TrimRight(fraction, "0")
	if fraction == "" {
		return whole
	}
	return whole + "." + fraction
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
