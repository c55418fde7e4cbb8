package execution

import (
	"context"
	"crypto/rand"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "TwinGovernance/internal/errors"
	"TwinGovernance/internal/notify"
	"TwinGovernance/internal/observability/alerting"
	"TwinGovernance/internal/proposal"
	"TwinGovernance/internal/swap"
	"TwinGovernance/internal/token"
	"TwinGovernance/internal/treasury"
	"TwinGovernance/pkg/logger"
)

const (
	// defaultSpender 是 Permit2 的规范部署地址，所有主流网络一致。
	defaultSpender = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	// defaultConfirmTimeout 是等待交易上链的硬上限。
	defaultConfirmTimeout = 180 * time.Second
	// receiptPollInterval 是回执轮询间隔。
	receiptPollInterval = 2 * time.Second
	// defaultSwapGasLimit 在聚合器未给出估算时兜底。
	defaultSwapGasLimit = 500_000
	// approveGasLimit 覆盖标准 ERC-20 approve 的开销。
	approveGasLimit = 80_000
)

const (
	// CodeExecutionFailed 表示执行管线以硬失败收场。
	CodeExecutionFailed xerrors.Code = "EXECUTION_FAILED"
	// CodeConfirmTimeout 表示等待回执超时。
	CodeConfirmTimeout xerrors.Code = "EXECUTION_CONFIRM_TIMEOUT"
)

func init() {
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:   "swap execution failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmTimeout, xerrors.Attributes{
		Message:   "transaction confirmation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// VenueClient 是执行管线所需的聚合器能力子集，swap.Client 满足该接口。
type VenueClient interface {
	RequestQuote(ctx context.Context, tokenIn, tokenOut token.Token, amountRaw *big.Int, swapper string) (*swap.VenueQuote, error)
	BuildSwap(ctx context.Context, vq *swap.VenueQuote, permitSignature string) (*swap.SwapTransaction, error)
}

// ChainBackend 是广播与确认交易所需的链访问子集，ethclient.Client 满足该接口。
type ChainBackend interface {
	treasury.ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config 描述执行引擎的可调参数。
type Config struct {
	Spender        string
	ConfirmTimeout time.Duration
}

// Engine 驱动已批准提案的链上执行：询价、permit 签名、授权、广播与确认。
// 失败分为两档：报价层面的问题降级为模拟成交（软失败），交易构建
// 之后的问题把提案推入 failed 终态（硬失败）。
type Engine struct {
	store    proposal.Store
	registry *token.Registry
	venue    VenueClient
	chain    ChainBackend
	signer   *treasury.Signer
	sink     notify.Sink
	alerts   alerting.Dispatcher
	logger   *slog.Logger

	spender        common.Address
	confirmTimeout time.Duration
	poll           time.Duration

	// broadcastMu 串行化金库钱包的所有广播，nonce 分配依赖这一点。
	broadcastMu sync.Mutex
}

// NewEngine 创建执行引擎。chain 或 signer 为空时进入演示模式，
// 提案以模拟成交收场而不触碰链上状态。
func NewEngine(
	store proposal.Store,
	registry *token.Registry,
	venue VenueClient,
	chain ChainBackend,
	signer *treasury.Signer,
	sink notify.Sink,
	alerts alerting.Dispatcher,
	cfg Config,
) *Engine {
	spender := strings.TrimSpace(cfg.Spender)
	if spender == "" {
		spender = defaultSpender
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	return &Engine{
		store:          store,
		registry:       registry,
		venue:          venue,
		chain:          chain,
		signer:         signer,
		sink:           sink,
		alerts:         alerts,
		logger:         logger.Named("execution"),
		spender:        common.HexToAddress(spender),
		confirmTimeout: timeout,
		poll:           receiptPollInterval,
	}
}

// outcome 是执行管线的收敛结果。
type outcome struct {
	status proposal.Status
	txHash string
	reason string
	notice string
}

func softOutcome(txHash, notice string) outcome {
	return outcome{status: proposal.StatusExecuted, txHash: txHash, notice: notice}
}

func hardOutcome(reason, txHash string) outcome {
	return outcome{
		status: proposal.StatusFailed,
		txHash: txHash,
		reason: reason,
		notice: "Swap failed: " + reason,
	}
}

// Execute 实现 proposal.Executor。任何结果都会被写回存储并广播，
// 该方法本身不向调用方返回错误。
func (e *Engine) Execute(ctx context.Context, proposalID string) {
	p, err := e.store.Get(ctx, proposalID)
	if err != nil {
		e.logger.Error("读取待执行提案失败", slog.Any("error", err),
			slog.String("proposal_id", proposalID))
		return
	}
	if p.Status != proposal.StatusExecuting {
		e.logger.Warn("提案不在执行状态，跳过",
			slog.String("proposal_id", proposalID), slog.String("status", string(p.Status)))
		return
	}

	out := e.run(ctx, p)
	e.finish(ctx, p, out)
}

func (e *Engine) run(ctx context.Context, p *proposal.Proposal) outcome {
	tokenIn, err := e.registry.Resolve(p.TokenIn)
	if err != nil {
		return hardOutcome(fmt.Sprintf("token %s is no longer resolvable", p.TokenIn), "")
	}
	tokenOut, err := e.registry.Resolve(p.TokenOut)
	if err != nil {
		return hardOutcome(fmt.Sprintf("token %s is no longer resolvable", p.TokenOut), "")
	}
	amountRaw, err := token.ScaleToBaseUnits(p.AmountIn, tokenIn.Decimals)
	if err != nil {
		return hardOutcome(fmt.Sprintf("amount %s is no longer parseable", p.AmountIn), "")
	}

	swapper := "0x0000000000000000000000000000000000000000"
	if e.signer != nil {
		swapper = e.signer.Address().Hex()
	}

	// 第一步：带真实 swapper 重新询价。报价层面的任何问题都降级为模拟成交，
	// 治理结论不因外部聚合器抖动而作废。
	vq, err := e.venue.RequestQuote(ctx, tokenIn, tokenOut, amountRaw, swapper)
	if err != nil || vq.AmountOut == nil || vq.AmountOut.Sign() == 0 {
		if err != nil {
			e.logger.Warn("执行期询价失败，降级为模拟成交",
				slog.Any("error", err), slog.String("proposal_id", p.ID))
		}
		return softOutcome(syntheticTxHash(),
			"Swap executed (simulated): venue quote unavailable, no on-chain transaction was sent.")
	}

	if e.chain == nil || e.signer == nil {
		return softOutcome(syntheticTxHash(),
			"Swap executed (simulated): chain access is not configured, no on-chain transaction was sent.")
	}

	// 第二步：对 permit 载荷签名。签名失败说明载荷损坏，属于硬失败。
	permitSignature := ""
	if len(vq.Permit) > 0 && string(vq.Permit) != "null" {
		permitSignature, err = e.signer.SignTypedData(vq.Permit)
		if err != nil {
			return hardOutcome("failed to sign the permit payload", "")
		}
	}

	// 第三步：把报价换成可广播交易。聚合器拒绝时错误体原样透出。
	swapTx, err := e.venue.BuildSwap(ctx, vq, permitSignature)
	if err != nil {
		var venueErr *swap.VenueError
		if stdErrors.As(err, &venueErr) {
			return hardOutcome(fmt.Sprintf("venue rejected the swap (%d): %s",
				venueErr.StatusCode, venueErr.Body), "")
		}
		return hardOutcome("failed to build the swap transaction", "")
	}
	calldata := common.FromHex(swapTx.Data)
	if len(calldata) == 0 {
		return hardOutcome("swap build returned empty calldata, the quote likely expired", "")
	}

	// 第四步：非原生代币需要确认 Permit2 授权额度。
	if !tokenIn.Native {
		if out, failed := e.ensureApproval(ctx, tokenIn, amountRaw); failed {
			return out
		}
	}

	// 第五步：广播兑换交易并等待回执。
	value := parseTxValue(swapTx.Value)
	gasLimit := swapTx.GasLimit
	if gasLimit == 0 {
		gasLimit = vq.GasLimit
	}
	if gasLimit == 0 {
		gasLimit = defaultSwapGasLimit
	}
	gasLimit = gasLimit * 3 / 2

	txHash, err := e.broadcast(ctx, common.HexToAddress(swapTx.To), value, calldata, gasLimit)
	if err != nil {
		if stdErrors.Is(err, errChainRead) {
			e.logger.Warn("广播前链上读取失败，降级为模拟成交",
				slog.Any("error", err), slog.String("proposal_id", p.ID))
			return softOutcome(syntheticTxHash(),
				"Swap executed (simulated): chain access is unavailable, no on-chain transaction was sent.")
		}
		return hardOutcome("failed to broadcast the swap transaction", "")
	}

	receipt, err := e.waitReceipt(ctx, txHash)
	if err != nil {
		if stdErrors.Is(err, errConfirmTimeout) {
			return hardOutcome("confirmation timed out, the transaction may still land", txHash.Hex())
		}
		return hardOutcome("failed while waiting for confirmation", txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hardOutcome("Transaction reverted on-chain", txHash.Hex())
	}

	return outcome{
		status: proposal.StatusExecuted,
		txHash: txHash.Hex(),
		notice: "Swap executed on-chain.",
	}
}

// ensureApproval 确认金库对 Permit2 的授权额度覆盖本次兑换，不足则补一笔
// approve 并等待上链。返回的 bool 表示执行应当以该结果提前终止。
func (e *Engine) ensureApproval(ctx context.Context, tokenIn token.Token, amountRaw *big.Int) (outcome, bool) {
	tokenAddr := common.HexToAddress(tokenIn.Address)
	owner := e.signer.Address()

	allowance, err := treasury.ERC20Allowance(ctx, e.chain, tokenAddr, owner, e.spender)
	if err != nil {
		e.logger.Warn("读取授权额度失败，按零处理", slog.Any("error", err),
			slog.String("token", tokenIn.Symbol))
		allowance = new(big.Int)
	}
	if allowance.Cmp(amountRaw) >= 0 {
		return outcome{}, false
	}

	calldata, err := treasury.ERC20ApproveCalldata(e.spender, amountRaw)
	if err != nil {
		return hardOutcome("failed to encode the approval call", ""), true
	}

	txHash, err := e.broadcast(ctx, tokenAddr, new(big.Int), calldata, approveGasLimit)
	if err != nil {
		if stdErrors.Is(err, errChainRead) {
			e.logger.Warn("授权前链上读取失败，降级为模拟成交",
				slog.Any("error", err), slog.String("token", tokenIn.Symbol))
			return softOutcome(syntheticTxHash(),
				"Swap executed (simulated): chain access is unavailable, no on-chain transaction was sent."), true
		}
		return hardOutcome("failed to broadcast the approval transaction", ""), true
	}

	receipt, err := e.waitReceipt(ctx, txHash)
	if err != nil {
		if stdErrors.Is(err, errConfirmTimeout) {
			return hardOutcome("approval confirmation timed out", txHash.Hex()), true
		}
		return hardOutcome("failed while waiting for the approval", txHash.Hex()), true
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hardOutcome("approval reverted on-chain", txHash.Hex()), true
	}
	return outcome{}, false
}

// errChainRead 标记广播前的链上读取失败。此时尚未发出任何交易，
// 调用方把这类失败降级为模拟成交而不是终态失败。
var errChainRead = stdErrors.New("execution: chain read failed")

// broadcast 在金库级互斥锁内完成 nonce 分配、签名与发送。
func (e *Engine) broadcast(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()

	chainID, err := e.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: 读取链 ID 失败: %v", errChainRead, err)
	}
	nonce, err := e.chain.PendingNonceAt(ctx, e.signer.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: 读取 nonce 失败: %v", errChainRead, err)
	}
	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: 读取 gas 价格失败: %v", errChainRead, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("广播交易失败: %w", err)
	}

	e.logger.Info("交易已广播",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)
	return signed.Hash(), nil
}

var errConfirmTimeout = stdErrors.New("execution: confirmation timed out")

// waitReceipt 轮询交易回执，直到出块或触达确认上限。
func (e *Engine) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(e.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		receipt, err := e.chain.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) {
			e.logger.Debug("回执查询失败，继续轮询",
				slog.Any("error", err), slog.String("tx_hash", txHash.Hex()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errConfirmTimeout
		case <-ticker.C:
		}
	}
}

// finish 写回终态并广播结果。状态检查在原子更新内完成，重复执行无副作用。
func (e *Engine) finish(ctx context.Context, p *proposal.Proposal, out outcome) {
	updated, err := e.store.Update(ctx, p.ID, func(cur *proposal.Proposal) error {
		if cur.Status != proposal.StatusExecuting {
			return proposal.ErrNoChange
		}
		cur.Status = out.status
		cur.TxHash = out.txHash
		cur.FailureReason = out.reason
		return nil
	})
	if err != nil {
		e.logger.Error("写回执行结果失败", slog.Any("error", err),
			slog.String("proposal_id", p.ID))
		return
	}

	logger.Audit().Info("proposal execution finished",
		slog.String("proposal_id", updated.ID),
		slog.String("status", string(updated.Status)),
		slog.String("tx_hash", updated.TxHash),
		slog.String("failure_reason", updated.FailureReason),
	)

	if e.sink != nil {
		event := notify.NewEvent(notify.TypeProposalUpdated, updated.ChannelID)
		event.Payload = updated
		if err := e.sink.Publish(ctx, event); err != nil {
			e.logger.Warn("执行结果事件广播失败", slog.Any("error", err))
		}

		text := out.notice
		if updated.TxHash != "" && updated.Status == proposal.StatusExecuted {
			text = fmt.Sprintf("%s Tx: %s", out.notice, updated.TxHash)
		}
		if err := e.sink.Publish(ctx, notify.SystemNotice(updated.ChannelID, text)); err != nil {
			e.logger.Warn("执行结果通知广播失败", slog.Any("error", err))
		}
	}

	if out.status == proposal.StatusFailed && e.alerts != nil {
		alertErr := e.alerts.Notify(ctx, alerting.Event{
			Code:       CodeExecutionFailed,
			Message:    out.reason,
			Severity:   xerrors.SeverityCritical,
			ProposalID: updated.ID,
			ChannelID:  updated.ChannelID,
			TxHash:     updated.TxHash,
			OccurredAt: time.Now(),
		})
		if alertErr != nil {
			e.logger.Warn("执行失败告警发送失败", slog.Any("error", alertErr))
		}
	}
}

// syntheticTxHash 生成模拟成交使用的 32 字节伪交易哈希。
func syntheticTxHash() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "0x" + strings.Repeat("0", 64)
	}
	return hexutil.Encode(buf)
}

// parseTxValue 解析聚合器返回的交易金额，兼容十六进制与十进制两种写法。
func parseTxValue(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int)
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if value, ok := new(big.Int).SetString(raw[2:], 16); ok {
			return value
		}
		return new(big.Int)
	}
	if value, ok := new(big.Int).SetString(raw, 10); ok {
		return value
	}
	return new(big.Int)
}

var _ proposal.Executor = (*Engine)(nil)
