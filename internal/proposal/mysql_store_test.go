package proposal

import (
	"reflect"
	"testing"

	"TwinGovernance/internal/swap"
)

// 投票与报价以 JSON 列落库，这里验证序列化边界不丢信息。
func TestQuoteSurvivesSQLBoundary(t *testing.T) {
	quote := &swap.Quote{
		TokenIn:     swap.TokenInfo{Address: "0x0000000000000000000000000000000000000000", Symbol: "ETH", Decimals: 18},
		TokenOut:    swap.TokenInfo{Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Symbol: "USDC", Decimals: 6},
		AmountIn:    "0.5",
		AmountOut:   "1200.00",
		PriceImpact: "0.12",
		GasEstimate: "210000",
		Route:       "CLASSIC",
		Timestamp:   1_700_000_000,
	}

	raw, err := marshalQuote(quote)
	if err != nil {
		t.Fatalf("marshal quote: %v", err)
	}
	restored, err := unmarshalQuote(raw)
	if err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	if !reflect.DeepEqual(quote, restored) {
		t.Fatalf("quote changed across the SQL boundary:\n got %+v\nwant %+v", restored, quote)
	}
}

func TestVotesSurviveSQLBoundary(t *testing.T) {
	votes := []Vote{
		{Voter: "0xaaa", VoterName: "Alice", Choice: ChoiceYes, CastAt: 1_700_000_001},
		{Voter: "0xbbb", VoterName: "BoldWhale", Choice: ChoiceYes, Delegated: true, CastAt: 1_700_000_002},
		{Voter: "0xccc", VoterName: "Carol", Choice: ChoiceNo, CastAt: 1_700_000_003},
	}

	raw, err := marshalVotes(votes)
	if err != nil {
		t.Fatalf("marshal votes: %v", err)
	}
	restored, err := unmarshalVotes(raw)
	if err != nil {
		t.Fatalf("unmarshal votes: %v", err)
	}
	if !reflect.DeepEqual(votes, restored) {
		t.Fatalf("votes changed across the SQL boundary:\n got %+v\nwant %+v", restored, votes)
	}
}

func TestNullColumnsRestoreAsEmpty(t *testing.T) {
	quoteRaw, err := marshalQuote(nil)
	if err != nil {
		t.Fatalf("marshal nil quote: %v", err)
	}
	if quoteRaw.Valid {
		t.Fatal("nil quote must persist as SQL NULL")
	}
	quote, err := unmarshalQuote(quoteRaw)
	if err != nil || quote != nil {
		t.Fatalf("NULL quote must restore as nil: %v %v", quote, err)
	}

	votesRaw, err := marshalVotes(nil)
	if err != nil {
		t.Fatalf("marshal empty votes: %v", err)
	}
	if votesRaw.Valid {
		t.Fatal("empty votes must persist as SQL NULL")
	}
	votes, err := unmarshalVotes(votesRaw)
	if err != nil || votes != nil {
		t.Fatalf("NULL votes must restore as nil: %v %v", votes, err)
	}
}
