package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"TwinGovernance/internal/token"
	"TwinGovernance/pkg/logger"
)

const (
	zeroAddress = "0x0000000000000000000000000000000000000000"
	// priceTTL 是单代币美元价格的缓存时长。
	priceTTL = 60 * time.Second
	// stableSymbol 是推导美元价格时使用的锚定代币。
	stableSymbol = "USDC"
)

// mockPrices 是聚合器不可用时使用的静态价格表，保证提案流程在演示环境可用。
var mockPrices = map[string]float64{
	"ETH":  2400,
	"WETH": 2400,
	"USDC": 1,
	"UNI":  7.5,
}

// Config 描述聚合器客户端的连接参数。
type Config struct {
	APIURL  string
	APIKey  string
	ChainID int64
	Timeout time.Duration
}

type cachedPrice struct {
	price   float64
	fetched time.Time
}

// Client 封装对外部交易聚合器的询价与交易构建调用。
type Client struct {
	cfg        Config
	httpClient *http.Client
	registry   *token.Registry
	logger     *slog.Logger

	mu     sync.Mutex
	prices map[string]cachedPrice
	now    func() time.Time
}

// NewClient 构造聚合器客户端。
func NewClient(cfg Config, registry *token.Registry) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 11155111
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		registry:   registry,
		logger:     logger.Named("swap"),
		prices:     make(map[string]cachedPrice),
		now:        time.Now,
	}
}

// Registry 返回客户端使用的代币注册表。
func (c *Client) Registry() *token.Registry {
	return c.registry
}

// Quote 返回一笔兑换的报价摘要。聚合器不可达、返回非 2xx 或输出金额为零时，
// 回退到静态价格表生成的模拟报价，唯一会返回错误的情况是代币无法解析。
func (c *Client) Quote(ctx context.Context, tokenInRef, tokenOutRef, amount string) (*Quote, error) {
	tokenIn, err := c.registry.Resolve(tokenInRef)
	if err != nil {
		return nil, err
	}
	tokenOut, err := c.registry.Resolve(tokenOutRef)
	if err != nil {
		return nil, err
	}

	amountRaw, err := token.ScaleToBaseUnits(amount, tokenIn.Decimals)
	if err != nil {
		return nil, err
	}

	vq, reqErr := c.RequestQuote(ctx, tokenIn, tokenOut, amountRaw, zeroAddress)
	if reqErr != nil || vq.AmountOut == nil || vq.AmountOut.Sign() == 0 {
		if reqErr != nil {
			c.logger.Warn("询价失败，使用模拟报价", slog.Any("error", reqErr),
				slog.String("token_in", tokenIn.Symbol), slog.String("token_out", tokenOut.Symbol))
		}
		return c.mockQuote(tokenIn, tokenOut, amount), nil
	}

	places := 6
	if tokenOut.Decimals <= 6 {
		places = 2
	}
	quote := &Quote{
		TokenIn:     TokenInfo{Address: tokenIn.Address, Symbol: tokenIn.Symbol, Decimals: tokenIn.Decimals},
		TokenOut:    TokenInfo{Address: tokenOut.Address, Symbol: tokenOut.Symbol, Decimals: tokenOut.Decimals},
		AmountIn:    amount,
		AmountOut:   token.FormatBaseUnits(vq.AmountOut, tokenOut.Decimals, places),
		PriceImpact: vq.PriceImpact,
		GasEstimate: vq.GasFee,
		Route:       vq.Route,
		Timestamp:   c.now().Unix(),
	}
	if quote.PriceImpact == "" {
		quote.PriceImpact = "< 0.01"
	}
	if quote.GasEstimate == "" {
		quote.GasEstimate = "~0.001 ETH"
	}
	if quote.Route == "" {
		quote.Route = fmt.Sprintf("%s → %s", tokenIn.Symbol, tokenOut.Symbol)
	}
	return quote, nil
}

// mockQuote 基于静态价格表生成确定性的模拟报价。
func (c *Client) mockQuote(tokenIn, tokenOut token.Token, amount string) *Quote {
	inPrice, ok := mockPrices[tokenIn.Symbol]
	if !ok {
		inPrice = 1
	}
	outPrice, ok := mockPrices[tokenOut.Symbol]
	if !ok {
		outPrice = 1
	}
	amountFloat, _ := strconv.ParseFloat(amount, 64)
	places := 6
	if tokenOut.Symbol == stableSymbol {
		places = 2
	}
	return &Quote{
		TokenIn:     TokenInfo{Address: tokenIn.Address, Symbol: tokenIn.Symbol, Decimals: tokenIn.Decimals},
		TokenOut:    TokenInfo{Address: tokenOut.Address, Symbol: tokenOut.Symbol, Decimals: tokenOut.Decimals},
		AmountIn:    amount,
		AmountOut:   strconv.FormatFloat(amountFloat*inPrice/outPrice, 'f', places, 64),
		PriceImpact: "< 0.01",
		GasEstimate: "~0.001 ETH",
		Route:       fmt.Sprintf("%s → %s (mock)", tokenIn.Symbol, tokenOut.Symbol),
		Timestamp:   c.now().Unix(),
	}
}

type quoteRequest struct {
	Type           string `json:"type"`
	TokenInChainID int64  `json:"tokenInChainId"`
	TokenOutChain  int64  `json:"tokenOutChainId"`
	TokenIn        string `json:"tokenIn"`
	TokenOut       string `json:"tokenOut"`
	Amount         string `json:"amount"`
	Swapper        string `json:"swapper"`
	Urgency        string `json:"urgency"`
}

type venueQuoteEnvelope struct {
	Routing    string          `json:"routing"`
	Quote      json.RawMessage `json:"quote"`
	PermitData json.RawMessage `json:"permitData"`
}

type venueQuoteBody struct {
	AmountOut   string      `json:"amountOut"`
	GasFee      string      `json:"gasFee"`
	GasLimit    json.Number `json:"gasUseEstimate"`
	PriceImpact json.Number `json:"priceImpact"`
	Route       string      `json:"route"`
}

// RequestQuote 调用聚合器 /quote 接口并返回原始报价。错误原样上抛，由调用方分级处理。
func (c *Client) RequestQuote(ctx context.Context, tokenIn, tokenOut token.Token, amountRaw *big.Int, swapper string) (*VenueQuote, error) {
	if swapper == "" {
		swapper = zeroAddress
	}
	payload := quoteRequest{
		Type:           "EXACT_INPUT",
		TokenInChainID: c.cfg.ChainID,
		TokenOutChain:  c.cfg.ChainID,
		TokenIn:        c.registry.QuoteAddress(tokenIn),
		TokenOut:       c.registry.QuoteAddress(tokenOut),
		Amount:         amountRaw.String(),
		Swapper:        swapper,
		Urgency:        "normal",
	}

	body, err := c.postJSON(ctx, "/quote", payload)
	if err != nil {
		return nil, err
	}

	var envelope venueQuoteEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("解析报价响应失败: %w", err)
	}

	vq := &VenueQuote{Routing: envelope.Routing, Raw: envelope.Quote, Permit: envelope.PermitData}
	if len(envelope.Quote) > 0 {
		var inner venueQuoteBody
		if err := json.Unmarshal(envelope.Quote, &inner); err == nil {
			if inner.AmountOut != "" {
				if out, ok := new(big.Int).SetString(inner.AmountOut, 10); ok {
					vq.AmountOut = out
				}
			}
			if inner.GasLimit != "" {
				if limit, err := strconv.ParseUint(inner.GasLimit.String(), 10, 64); err == nil {
					vq.GasLimit = limit
				}
			}
			vq.GasFee = inner.GasFee
			vq.Route = inner.Route
			if inner.PriceImpact != "" {
				vq.PriceImpact = inner.PriceImpact.String()
			}
		}
	}
	return vq, nil
}

type swapRequest struct {
	Quote      json.RawMessage `json:"quote"`
	PermitData json.RawMessage `json:"permitData,omitempty"`
	Signature  string          `json:"signature,omitempty"`
}

type venueSwapEnvelope struct {
	Swap struct {
		From     string      `json:"from"`
		To       string      `json:"to"`
		Data     string      `json:"data"`
		Value    string      `json:"value"`
		GasLimit json.Number `json:"gasLimit"`
	} `json:"swap"`
}

// BuildSwap 调用聚合器 /swap 接口，将报价和可选的 permit 签名换成待广播交易。
// 非 2xx 响应返回 *VenueError，错误体保留给上层。
func (c *Client) BuildSwap(ctx context.Context, vq *VenueQuote, permitSignature string) (*SwapTransaction, error) {
	payload := swapRequest{Quote: vq.Raw, Signature: permitSignature}
	if len(vq.Permit) > 0 {
		payload.PermitData = vq.Permit
	}

	body, err := c.postJSON(ctx, "/swap", payload)
	if err != nil {
		return nil, err
	}

	var envelope venueSwapEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("解析交易构建响应失败: %w", err)
	}

	tx := &SwapTransaction{
		From:  envelope.Swap.From,
		To:    envelope.Swap.To,
		Data:  envelope.Swap.Data,
		Value: envelope.Swap.Value,
	}
	if envelope.Swap.GasLimit != "" {
		if limit, err := strconv.ParseUint(envelope.Swap.GasLimit.String(), 0, 64); err == nil {
			tx.GasLimit = limit
		}
	}
	return tx, nil
}

// PriceOf 返回代币的美元价格，通过对稳定币的 1 单位询价推导，按符号缓存 60 秒。
func (c *Client) PriceOf(ctx context.Context, symbol string) float64 {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	c.mu.Lock()
	if cached, ok := c.prices[symbol]; ok && c.now().Sub(cached.fetched) < priceTTL {
		c.mu.Unlock()
		return cached.price
	}
	c.mu.Unlock()

	price := 0.0
	quote, err := c.Quote(ctx, symbol, stableSymbol, "1")
	if err == nil {
		if parsed, parseErr := strconv.ParseFloat(quote.AmountOut, 64); parseErr == nil {
			price = parsed
		}
	}
	if price == 0 {
		price = mockPrices[symbol]
	}

	c.mu.Lock()
	c.prices[symbol] = cachedPrice{price: price, fetched: c.now()}
	c.mu.Unlock()
	return price
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	url := strings.TrimRight(c.cfg.APIURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求聚合器失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取聚合器响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &VenueError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
