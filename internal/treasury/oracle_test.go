package treasury

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"TwinGovernance/internal/token"
)

type fakeReader struct {
	native    *big.Int
	tokenOut  []byte
	callErr   error
	nativeErr error
}

func (f *fakeReader) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	if f.nativeErr != nil {
		return nil, f.nativeErr
	}
	return f.native, nil
}

func (f *fakeReader) CallContract(_ context.Context, _ gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.tokenOut, nil
}

func TestCheckBalanceUnconfiguredIsPermissive(t *testing.T) {
	oracle := NewOracle(nil, "")
	result := oracle.CheckBalance(context.Background(), token.Token{Symbol: "ETH", Native: true, Decimals: 18}, big.NewInt(1))
	if !result.Sufficient {
		t.Fatal("expected permissive default without a treasury address")
	}
}

func TestCheckBalanceNative(t *testing.T) {
	reader := &fakeReader{native: big.NewInt(2_000_000_000_000_000_000)}
	oracle := NewOracle(reader, "0x1111111111111111111111111111111111111111")

	eth := token.Token{Symbol: "ETH", Native: true, Decimals: 18}
	if got := oracle.CheckBalance(context.Background(), eth, big.NewInt(1_000_000_000_000_000_000)); !got.Sufficient {
		t.Fatalf("expected sufficient balance, got %+v", got)
	}

	required := new(big.Int)
	required.SetString("3000000000000000000", 10)
	if got := oracle.CheckBalance(context.Background(), eth, required); got.Sufficient {
		t.Fatalf("expected insufficient balance, got %+v", got)
	}
}

func TestCheckBalanceERC20(t *testing.T) {
	// balanceOf return value: uint256 = 5_000_000 (5 USDC).
	out := make([]byte, 32)
	big.NewInt(5_000_000).FillBytes(out)
	oracle := NewOracle(&fakeReader{tokenOut: out}, "0x1111111111111111111111111111111111111111")

	usdc := token.Token{Symbol: "USDC", Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6}
	got := oracle.CheckBalance(context.Background(), usdc, big.NewInt(4_000_000))
	if !got.Sufficient {
		t.Fatalf("expected sufficient balance, got %+v", got)
	}
	if got.Balance != "5" {
		t.Fatalf("unexpected balance string: %s", got.Balance)
	}
}

func TestCheckBalanceReadFailureIsSoft(t *testing.T) {
	oracle := NewOracle(&fakeReader{nativeErr: errors.New("rpc down")}, "0x1111111111111111111111111111111111111111")
	eth := token.Token{Symbol: "ETH", Native: true, Decimals: 18}
	if got := oracle.CheckBalance(context.Background(), eth, big.NewInt(1)); !got.Sufficient {
		t.Fatal("read failures must degrade to sufficient")
	}
}

func TestERC20ApproveCalldata(t *testing.T) {
	data, err := ERC20ApproveCalldata(common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(42))
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	// 4-byte selector + two 32-byte words.
	if len(data) != 68 {
		t.Fatalf("unexpected calldata length: %d", len(data))
	}
}
