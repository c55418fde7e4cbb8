package execution

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"TwinGovernance/internal/notify"
	"TwinGovernance/internal/observability/alerting"
	"TwinGovernance/internal/proposal"
	"TwinGovernance/internal/swap"
	"TwinGovernance/internal/token"
	"TwinGovernance/internal/treasury"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type fakeVenue struct {
	quote    *swap.VenueQuote
	quoteErr error
	tx       *swap.SwapTransaction
	buildErr error
}

func (f *fakeVenue) RequestQuote(_ context.Context, _, _ token.Token, _ *big.Int, _ string) (*swap.VenueQuote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeVenue) BuildSwap(_ context.Context, _ *swap.VenueQuote, _ string) (*swap.SwapTransaction, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f.tx, nil
}

type fakeChain struct {
	mu            sync.Mutex
	sent          []*types.Transaction
	receipts      map[common.Hash]*types.Receipt
	allowance     *big.Int
	receiptStatus uint64
	neverMine     bool
	gasPriceErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		receipts:      make(map[common.Hash]*types.Receipt),
		allowance:     new(big.Int),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (c *fakeChain) ChainID(_ context.Context) (*big.Int, error) {
	return big.NewInt(11155111), nil
}

func (c *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

func (c *fakeChain) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if c.gasPriceErr != nil {
		return nil, c.gasPriceErr
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	if !c.neverMine {
		c.receipts[tx.Hash()] = &types.Receipt{Status: c.receiptStatus, TxHash: tx.Hash()}
	}
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if receipt, ok := c.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, gethcore.NotFound
}

func (c *fakeChain) CallContract(_ context.Context, _ gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	out := make([]byte, 32)
	c.allowance.FillBytes(out)
	return out, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *fakeAlerts) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func seedExecuting(t *testing.T, store proposal.Store, tokenIn string) *proposal.Proposal {
	t.Helper()
	p := &proposal.Proposal{
		ID:           "p-1",
		ChannelID:    "general",
		Proposer:     "0xaaa",
		TokenIn:      tokenIn,
		TokenOut:     "USDC",
		AmountIn:     "1",
		AmountInUSD:  2400,
		Status:       proposal.StatusExecuting,
		TotalMembers: 3,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	return p
}

func newTestSigner(t *testing.T) *treasury.Signer {
	t.Helper()
	signer, err := treasury.NewSigner(testKeyHex)
	if err != nil {
		t.Fatalf("test signer: %v", err)
	}
	return signer
}

func goodQuote() *swap.VenueQuote {
	return &swap.VenueQuote{
		Routing:   "CLASSIC",
		AmountOut: big.NewInt(2_400_000_000),
		GasLimit:  200_000,
	}
}

func TestExecuteSimulatedWhenQuoteUnavailable(t *testing.T) {
	store := proposal.NewMemoryStore()
	sink := notify.NewMemorySink()
	seedExecuting(t, store, "ETH")

	venue := &fakeVenue{quoteErr: context.DeadlineExceeded}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		newFakeChain(), newTestSigner(t), sink, nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusExecuted {
		t.Fatalf("quote failure must soft-complete, got %s", final.Status)
	}
	if len(final.TxHash) != 66 || !strings.HasPrefix(final.TxHash, "0x") {
		t.Fatalf("expected synthetic tx hash, got %q", final.TxHash)
	}

	found := false
	for _, text := range sink.Notices(notify.TypeSystemNotice) {
		if strings.Contains(text, "simulated") {
			found = true
		}
	}
	if !found {
		t.Fatal("simulated completion must be called out in the notice")
	}
}

func TestExecuteSimulatedWithoutChainAccess(t *testing.T) {
	store := proposal.NewMemoryStore()
	sink := notify.NewMemorySink()
	seedExecuting(t, store, "ETH")

	venue := &fakeVenue{quote: goodQuote()}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		nil, nil, sink, nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusExecuted || final.TxHash == "" {
		t.Fatalf("demo mode must simulate completion: %+v", final)
	}
}

func TestExecuteChainReadFailureFallsBackToSimulated(t *testing.T) {
	store := proposal.NewMemoryStore()
	sink := notify.NewMemorySink()
	alerts := &fakeAlerts{}
	seedExecuting(t, store, "ETH")

	// 广播前的链上读取失败：尚未发出任何交易，不应判为终态失败。
	chain := newFakeChain()
	chain.gasPriceErr = context.DeadlineExceeded
	venue := &fakeVenue{
		quote: goodQuote(),
		tx: &swap.SwapTransaction{
			To:       "0x1111111111111111111111111111111111111111",
			Data:     "0xdeadbeef",
			Value:    "0",
			GasLimit: 100_000,
		},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		chain, newTestSigner(t), sink, alerts, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusExecuted {
		t.Fatalf("pre-broadcast read failure must soft-complete, got %s (%s)", final.Status, final.FailureReason)
	}
	if len(final.TxHash) != 66 || !strings.HasPrefix(final.TxHash, "0x") {
		t.Fatalf("expected synthetic tx hash, got %q", final.TxHash)
	}
	if len(chain.sent) != 0 {
		t.Fatalf("no transaction may be sent, got %d", len(chain.sent))
	}
	if alerts.count() != 0 {
		t.Fatalf("soft fallback must not alert, got %d", alerts.count())
	}

	found := false
	for _, text := range sink.Notices(notify.TypeSystemNotice) {
		if strings.Contains(text, "simulated") {
			found = true
		}
	}
	if !found {
		t.Fatal("simulated completion must be called out in the notice")
	}
}

func TestExecuteVenueRejectionIsHardFailure(t *testing.T) {
	store := proposal.NewMemoryStore()
	sink := notify.NewMemorySink()
	alerts := &fakeAlerts{}
	seedExecuting(t, store, "ETH")

	venue := &fakeVenue{
		quote:    goodQuote(),
		buildErr: &swap.VenueError{StatusCode: 422, Body: `{"error":"insufficient liquidity"}`},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		newFakeChain(), newTestSigner(t), sink, alerts, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusFailed {
		t.Fatalf("venue rejection must hard-fail, got %s", final.Status)
	}
	if !strings.Contains(final.FailureReason, "insufficient liquidity") {
		t.Fatalf("venue error body must be preserved: %q", final.FailureReason)
	}
	if alerts.count() != 1 {
		t.Fatalf("hard failure must raise exactly one alert, got %d", alerts.count())
	}
}

func TestExecuteEmptyCalldataIsHardFailure(t *testing.T) {
	store := proposal.NewMemoryStore()
	seedExecuting(t, store, "ETH")

	venue := &fakeVenue{
		quote: goodQuote(),
		tx:    &swap.SwapTransaction{To: "0x1111111111111111111111111111111111111111", Data: "0x"},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		newFakeChain(), newTestSigner(t), notify.NewMemorySink(), nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusFailed || !strings.Contains(final.FailureReason, "expired") {
		t.Fatalf("empty calldata must hard-fail as expired quote: %+v", final)
	}
}

func TestExecuteRevertedOnChain(t *testing.T) {
	store := proposal.NewMemoryStore()
	seedExecuting(t, store, "ETH")

	chain := newFakeChain()
	chain.receiptStatus = types.ReceiptStatusFailed
	venue := &fakeVenue{
		quote: goodQuote(),
		tx: &swap.SwapTransaction{
			To:       "0x1111111111111111111111111111111111111111",
			Data:     "0xdeadbeef",
			Value:    "0",
			GasLimit: 100_000,
		},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		chain, newTestSigner(t), notify.NewMemorySink(), nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusFailed {
		t.Fatalf("reverted tx must hard-fail, got %s", final.Status)
	}
	if !strings.Contains(final.FailureReason, "reverted on-chain") {
		t.Fatalf("unexpected reason: %q", final.FailureReason)
	}
	if final.TxHash == "" {
		t.Fatal("tx hash of the reverted transaction must be kept")
	}
}

func TestExecuteConfirmationTimeout(t *testing.T) {
	store := proposal.NewMemoryStore()
	seedExecuting(t, store, "ETH")

	chain := newFakeChain()
	chain.neverMine = true
	venue := &fakeVenue{
		quote: goodQuote(),
		tx: &swap.SwapTransaction{
			To:       "0x1111111111111111111111111111111111111111",
			Data:     "0xdeadbeef",
			Value:    "0",
			GasLimit: 100_000,
		},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		chain, newTestSigner(t), notify.NewMemorySink(), nil,
		Config{ConfirmTimeout: 50 * time.Millisecond})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusFailed || !strings.Contains(final.FailureReason, "timed out") {
		t.Fatalf("missing confirmation must hard-fail with a timeout: %+v", final)
	}
}

func TestExecuteERC20ApprovesThenSwaps(t *testing.T) {
	store := proposal.NewMemoryStore()
	seedExecuting(t, store, "UNI")

	chain := newFakeChain()
	venue := &fakeVenue{
		quote: goodQuote(),
		tx: &swap.SwapTransaction{
			To:       "0x2222222222222222222222222222222222222222",
			Data:     "0xfeedface",
			Value:    "0",
			GasLimit: 180_000,
		},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		chain, newTestSigner(t), notify.NewMemorySink(), nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusExecuted {
		t.Fatalf("expected executed, got %s (%s)", final.Status, final.FailureReason)
	}

	chain.mu.Lock()
	defer chain.mu.Unlock()
	if len(chain.sent) != 2 {
		t.Fatalf("expected approval then swap, got %d transactions", len(chain.sent))
	}
	uni, _ := token.NewRegistry(token.Definitions{}).Resolve("UNI")
	if chain.sent[0].To().Hex() != common.HexToAddress(uni.Address).Hex() {
		t.Fatalf("first transaction must target the token contract, got %s", chain.sent[0].To().Hex())
	}
	if final.TxHash != chain.sent[1].Hash().Hex() {
		t.Fatalf("proposal must record the swap hash, got %s", final.TxHash)
	}
	// 1.5 倍 gas 缓冲。
	if chain.sent[1].Gas() != 270_000 {
		t.Fatalf("expected buffered gas limit 270000, got %d", chain.sent[1].Gas())
	}
}

func TestExecuteNativeSkipsApproval(t *testing.T) {
	store := proposal.NewMemoryStore()
	seedExecuting(t, store, "ETH")

	chain := newFakeChain()
	venue := &fakeVenue{
		quote: goodQuote(),
		tx: &swap.SwapTransaction{
			To:       "0x2222222222222222222222222222222222222222",
			Data:     "0xfeedface",
			Value:    "1000000000000000000",
			GasLimit: 180_000,
		},
	}
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), venue,
		chain, newTestSigner(t), notify.NewMemorySink(), nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusExecuted {
		t.Fatalf("expected executed, got %s (%s)", final.Status, final.FailureReason)
	}

	chain.mu.Lock()
	defer chain.mu.Unlock()
	if len(chain.sent) != 1 {
		t.Fatalf("native input must not approve, got %d transactions", len(chain.sent))
	}
	if chain.sent[0].Value().String() != "1000000000000000000" {
		t.Fatalf("swap value must carry the native amount, got %s", chain.sent[0].Value())
	}
}

func TestExecuteIgnoresNonExecutingProposal(t *testing.T) {
	store := proposal.NewMemoryStore()
	p := &proposal.Proposal{
		ID:        "p-1",
		ChannelID: "general",
		TokenIn:   "ETH",
		TokenOut:  "USDC",
		AmountIn:  "1",
		Status:    proposal.StatusPending,
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	chain := newFakeChain()
	engine := NewEngine(store, token.NewRegistry(token.Definitions{}), &fakeVenue{quote: goodQuote()},
		chain, newTestSigner(t), notify.NewMemorySink(), nil, Config{})

	engine.Execute(context.Background(), "p-1")

	final, _ := store.Get(context.Background(), "p-1")
	if final.Status != proposal.StatusPending {
		t.Fatalf("pending proposal must stay untouched, got %s", final.Status)
	}
	if len(chain.sent) != 0 {
		t.Fatal("no transactions may be sent for a pending proposal")
	}
}
