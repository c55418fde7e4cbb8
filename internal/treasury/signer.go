package treasury

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer 持有金库签名私钥。它是整个系统内唯一接触该私钥的组件，
// 只有执行引擎可以调用它。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 从十六进制私钥构造签名器。
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未配置金库私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析金库私钥失败: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address 返回金库地址。
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTypedData 对聚合器下发的 EIP-712 permit 载荷签名，返回 0x 前缀的签名串。
func (s *Signer) SignTypedData(payload json.RawMessage) (string, error) {
	var typed apitypes.TypedData
	if err := json.Unmarshal(payload, &typed); err != nil {
		return "", fmt.Errorf("解析 permit 载荷失败: %w", err)
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", fmt.Errorf("计算 permit 摘要失败: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("签名 permit 失败: %w", err)
	}
	// EIP-712 签名约定 v 为 27/28。
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// SignTx 使用指定链 ID 对交易签名。
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}
