package token

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "TwinGovernance/internal/errors"
)

// Token 描述一种金库可交易代币的链上元数据。
type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	Native   bool   `json:"native"`
}

const (
	// CodeTokenUnknown 表示符号或地址无法解析为已知代币。
	CodeTokenUnknown xerrors.Code = "TOKEN_UNKNOWN"
	// CodeAmountInvalid 表示金额字符串无法解析。
	CodeAmountInvalid xerrors.Code = "AMOUNT_INVALID"
)

func init() {
	xerrors.Register(CodeTokenUnknown, xerrors.Attributes{
		Message:   "unknown token",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAmountInvalid, xerrors.Attributes{
		Message:   "malformed amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Definitions models the structure of configs/tokens.yaml.
type Definitions struct {
	Tokens map[string]Definition `yaml:"tokens"`
}

// Definition describes a single token entry in the YAML file.
type Definition struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
	Native   bool   `yaml:"native"`
}

// LoadDefinitions parses the YAML file containing token metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Tokens: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取代币配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析代币配置失败: %w", err)
	}
	if defs.Tokens == nil {
		defs.Tokens = map[string]Definition{}
	}
	return defs, nil
}

// defaultTokens 是 Sepolia 测试网上的内置代币表。YAML 配置可以覆盖或扩充它。
var defaultTokens = map[string]Definition{
	"ETH":  {Address: "0x0000000000000000000000000000000000000000", Decimals: 18, Native: true},
	"WETH": {Address: "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14", Decimals: 18},
	"USDC": {Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6},
	"UNI":  {Address: "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984", Decimals: 18},
}

// Registry 将符号或链上地址解析为代币元数据。纯查表，不做任何 I/O。
type Registry struct {
	bySymbol  map[string]Token
	byAddress map[string]Token
}

// NewRegistry 基于内置代币表与可选的 YAML 定义构建注册表。
func NewRegistry(defs Definitions) *Registry {
	r := &Registry{
		bySymbol:  make(map[string]Token),
		byAddress: make(map[string]Token),
	}
	for symbol, def := range defaultTokens {
		r.add(symbol, def)
	}
	for symbol, def := range defs.Tokens {
		r.add(symbol, def)
	}
	return r
}

func (r *Registry) add(symbol string, def Definition) {
	tok := Token{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Address:  def.Address,
		Decimals: def.Decimals,
		Native:   def.Native,
	}
	if tok.Symbol == "" || tok.Address == "" {
		return
	}
	if tok.Decimals <= 0 {
		tok.Decimals = 18
	}
	r.bySymbol[tok.Symbol] = tok
	r.byAddress[strings.ToLower(tok.Address)] = tok
}

// Resolve 接受符号或 0x 地址，返回对应的代币元数据。
func (r *Registry) Resolve(ref string) (Token, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Token{}, xerrors.New(CodeTokenUnknown, "代币引用不能为空")
	}
	if strings.HasPrefix(strings.ToLower(ref), "0x") {
		if tok, ok := r.byAddress[strings.ToLower(ref)]; ok {
			return tok, nil
		}
		return Token{}, xerrors.New(CodeTokenUnknown, fmt.Sprintf("未知的代币地址: %s", ref))
	}
	if tok, ok := r.bySymbol[strings.ToUpper(ref)]; ok {
		return tok, nil
	}
	return Token{}, xerrors.New(CodeTokenUnknown, fmt.Sprintf("未知的代币符号: %s", ref))
}

// QuoteAddress 返回询价时应使用的地址。原生 ETH 统一替换为 WETH 地址。
func (r *Registry) QuoteAddress(tok Token) string {
	if tok.Native {
		if weth, ok := r.bySymbol["WETH"]; ok {
			return weth.Address
		}
	}
	return tok.Address
}

// List 按符号排序返回全部已注册代币。
func (r *Registry) List() []Token {
	tokens := make([]Token, 0, len(r.bySymbol))
	for _, tok := range r.bySymbol {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })
	return tokens
}
